package binance

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/adshao/go-binance/v2/portfolio"
	"github.com/shopspring/decimal"

	"positionwatch/internal/errs"
	"positionwatch/logger"
	"positionwatch/models"
)

// riskEntry is the part of a position risk row both account types share.
type riskEntry struct {
	symbol, positionSide, amount, entry, mark, upnl, leverage string
}

// positionReader converts position risk rows into snapshots so the tracker
// can be rebuilt or resynced after a (re)connect.
type positionReader struct {
	account string
	fetch   func(ctx context.Context) ([]riskEntry, error)
	now     func() time.Time
	log     *logger.Log
}

// FuturesPositions reads the position risk of a USDⓈ-M futures account.
type FuturesPositions struct{ positionReader }

func NewFuturesPositions(account string, client *futures.Client) *FuturesPositions {
	return &FuturesPositions{newPositionReader(account, func(ctx context.Context) ([]riskEntry, error) {
		risks, err := client.NewGetPositionRiskService().Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]riskEntry, 0, len(risks))
		for _, r := range risks {
			out = append(out, riskEntry{r.Symbol, r.PositionSide, r.PositionAmt, r.EntryPrice, r.MarkPrice, r.UnRealizedProfit, r.Leverage})
		}
		return out, nil
	})}
}

// PortfolioPositions reads the UM position risk of a unified account.
type PortfolioPositions struct{ positionReader }

func NewPortfolioPositions(account string, client *portfolio.Client) *PortfolioPositions {
	return &PortfolioPositions{newPositionReader(account, func(ctx context.Context) ([]riskEntry, error) {
		risks, err := client.NewGetUMPositionRiskService().Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]riskEntry, 0, len(risks))
		for _, r := range risks {
			out = append(out, riskEntry{r.Symbol, r.PositionSide, r.PositionAmt, r.EntryPrice, r.MarkPrice, r.UnrealizedProfit, r.Leverage})
		}
		return out, nil
	})}
}

func newPositionReader(account string, fetch func(ctx context.Context) ([]riskEntry, error)) positionReader {
	return positionReader{account: account, fetch: fetch, now: time.Now, log: logger.GetLogger()}
}

// Positions returns one snapshot per reported position slot. Slots with a
// zero amount are kept since they carry the symbol leverage.
func (p *positionReader) Positions(ctx context.Context) ([]models.PositionSnapshot, error) {
	risks, err := p.fetch(ctx)
	if err != nil {
		return nil, classifyAPIError("get position risk", err)
	}

	at := p.now()
	out := make([]models.PositionSnapshot, 0, len(risks))
	skipped := 0
	for _, r := range risks {
		snap, err := p.toSnapshot(r, at)
		if err != nil {
			skipped++
			p.log.WithComponent("listen_key").WithError(err).WithField("symbol", r.symbol).Debug("skipping position risk entry")
			continue
		}
		out = append(out, snap)
	}
	if skipped > 0 {
		p.log.WithComponent("listen_key").WithFields(logger.Fields{
			"account": p.account,
			"skipped": skipped,
		}).Warn("position risk entries could not be parsed")
	}
	return out, nil
}

func (p *positionReader) toSnapshot(r riskEntry, at time.Time) (models.PositionSnapshot, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return models.PositionSnapshot{}, errs.Malformed("position amount", err)
	}
	side := r.positionSide
	if side == "" {
		side = "BOTH"
	}
	leverage, _ := strconv.Atoi(r.leverage)
	return models.PositionSnapshot{
		Key:           models.PositionKey{Account: p.account, Symbol: r.symbol, PositionSide: side},
		Amount:        amount,
		EntryPrice:    parseOrZero(r.entry),
		MarkPrice:     parseOrZero(r.mark),
		UnrealizedPnl: parseOrZero(r.upnl),
		Leverage:      leverage,
		UpdatedAt:     at,
	}, nil
}

func parseOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
