package processor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"positionwatch/internal/errs"
	"positionwatch/models"
)

const defaultPositionSide = "BOTH"

// PositionUpdate is one parsed instrument entry of an account update or of
// a position snapshot. Optional fields are only applied when Valid; stream
// entries never carry a mark price.
type PositionUpdate struct {
	Symbol        string
	PositionSide  string
	Amount        decimal.Decimal
	EntryPrice    decimal.NullDecimal
	MarkPrice     decimal.NullDecimal
	UnrealizedPnl decimal.NullDecimal
}

// parseEntry converts a wire entry. Symbol and amount are required; every
// other field is optional but must be numeric when present.
func parseEntry(e models.PositionEntry) (PositionUpdate, error) {
	u := PositionUpdate{
		Symbol:       strings.ToUpper(strings.TrimSpace(e.Symbol)),
		PositionSide: strings.ToUpper(strings.TrimSpace(e.PositionSide)),
	}
	if u.Symbol == "" {
		return u, errors.New("missing symbol")
	}
	if u.PositionSide == "" {
		u.PositionSide = defaultPositionSide
	}
	if e.Amount == nil {
		return u, fmt.Errorf("%s: missing position amount", u.Symbol)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(*e.Amount))
	if err != nil {
		return u, fmt.Errorf("%s: position amount %q: %w", u.Symbol, *e.Amount, err)
	}
	u.Amount = amount

	if u.EntryPrice, err = optionalDecimal(e.EntryPrice); err != nil {
		return u, fmt.Errorf("%s: entry price: %w", u.Symbol, err)
	}
	if u.UnrealizedPnl, err = optionalDecimal(e.UnrealizedPnl); err != nil {
		return u, fmt.Errorf("%s: unrealized pnl: %w", u.Symbol, err)
	}
	return u, nil
}

func optionalDecimal(s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// parseAccountUpdate splits an update into its parsed entries. Entries that
// cannot be parsed are skipped and reported together as malformed data.
func parseAccountUpdate(data *models.AccountUpdateData) ([]PositionUpdate, error) {
	updates := make([]PositionUpdate, 0, len(data.Positions))
	var problems []error
	for i, entry := range data.Positions {
		u, err := parseEntry(entry)
		if err != nil {
			problems = append(problems, errs.Malformed(fmt.Sprintf("position entry %d", i), err))
			continue
		}
		updates = append(updates, u)
	}
	return updates, errors.Join(problems...)
}

// eventTime prefers the exchange event time and falls back to now.
func eventTime(env models.UserDataEnvelope, now time.Time) time.Time {
	if env.EventTime > 0 {
		return time.UnixMilli(env.EventTime).UTC()
	}
	return now.UTC()
}
