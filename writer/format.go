package writer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"positionwatch/models"
)

var hundred = decimal.NewFromInt(100)

func kindIcon(kind models.ChangeKind) string {
	switch kind {
	case models.ChangeOpen:
		return "🟢"
	case models.ChangeIncrease:
		return "➕"
	case models.ChangeDecrease:
		return "➖"
	case models.ChangeClose:
		return "🔴"
	default:
		return "•"
	}
}

// FormatSummary renders a summary as notification text. accountLabel is
// prefixed when not empty so several accounts can share one chat.
func FormatSummary(s models.SummaryEvent, accountLabel string) string {
	var b strings.Builder
	if accountLabel != "" {
		fmt.Fprintf(&b, "[%s] ", accountLabel)
	}
	fmt.Fprintf(&b, "%s %s %s %s", kindIcon(s.NetKind), s.NetKind, s.Side, s.Key.Symbol)
	if s.Key.PositionSide != "" && s.Key.PositionSide != "BOTH" {
		fmt.Fprintf(&b, " (%s)", s.Key.PositionSide)
	}
	b.WriteString("\n")

	if len(s.Legs) > 1 {
		for i, leg := range s.Legs {
			fmt.Fprintf(&b, "%d. %s %s %s\n", i+1, kindIcon(leg.Kind), leg.Kind, leg.Side)
			writeLeg(&b, leg, "   ")
		}
	} else if len(s.Legs) == 1 {
		writeLeg(&b, s.Legs[0], "")
	}

	if len(s.Legs) > 1 && !s.TotalRealizedPnl.IsZero() {
		fmt.Fprintf(&b, "Total realized PnL%s: %s\n", estimateMark(s.Estimated), signed(s.TotalRealizedPnl))
	}
	if s.EventCount > 1 {
		fmt.Fprintf(&b, "(%d updates)\n", s.EventCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeLeg(b *strings.Builder, leg models.Leg, indent string) {
	from, to := leg.From, leg.To
	switch leg.Kind {
	case models.ChangeOpen:
		fmt.Fprintf(b, "%sSize: %s @ %s\n", indent, to.Amount.Abs(), to.EntryPrice)
		writeNotional(b, to, indent)
	case models.ChangeIncrease, models.ChangeDecrease:
		fmt.Fprintf(b, "%sSize: %s → %s (%s%%)\n", indent, from.Amount.Abs(), to.Amount.Abs(), percentChange(from.Amount, to.Amount))
		fmt.Fprintf(b, "%sEntry: %s\n", indent, to.EntryPrice)
		writeNotional(b, to, indent)
	case models.ChangeClose:
		if from.IsEmpty() {
			fmt.Fprintf(b, "%sOpened and closed within the window\n", indent)
		} else {
			fmt.Fprintf(b, "%sClosed size: %s @ entry %s\n", indent, from.Amount.Abs(), from.EntryPrice)
		}
	}
	if !leg.RealizedPnl.IsZero() {
		fmt.Fprintf(b, "%sRealized PnL%s: %s\n", indent, estimateMark(leg.Estimated), signed(leg.RealizedPnl))
	}
}

func estimateMark(estimated bool) string {
	if estimated {
		return " (est.)"
	}
	return ""
}

func writeNotional(b *strings.Builder, snap models.PositionSnapshot, indent string) {
	notional := snap.Notional()
	if notional.IsZero() {
		return
	}
	if snap.Leverage > 0 {
		fmt.Fprintf(b, "%sNotional: %s | Leverage: %dx\n", indent, notional.StringFixed(2), snap.Leverage)
		return
	}
	fmt.Fprintf(b, "%sNotional: %s\n", indent, notional.StringFixed(2))
}

func percentChange(from, to decimal.Decimal) string {
	if from.IsZero() {
		return "+100.00"
	}
	pct := to.Abs().Sub(from.Abs()).Div(from.Abs()).Mul(hundred)
	return signed(pct.Round(2)).String()
}

type signedDecimal struct{ d decimal.Decimal }

func (s signedDecimal) String() string {
	if s.d.IsPositive() {
		return "+" + s.d.StringFixed(2)
	}
	return s.d.StringFixed(2)
}

func signed(d decimal.Decimal) signedDecimal { return signedDecimal{d: d} }

// FormatChange renders one individual change event for diagnostics.
func FormatChange(ev models.PositionChangeEvent, accountLabel string) string {
	var b strings.Builder
	if accountLabel != "" {
		fmt.Fprintf(&b, "[%s] ", accountLabel)
	}
	fmt.Fprintf(&b, "🔎 %s %s %s %s → %s", ev.Kind, ev.Side, ev.Key.Symbol, ev.Before.Amount, ev.After.Amount)
	if ev.RealizedPnl.Valid {
		fmt.Fprintf(&b, " | realized%s %s", estimateMark(ev.Estimated), signed(ev.RealizedPnl.Decimal))
	}
	return b.String()
}

// FormatStartNotice is sent once the sessions of accounts have been started.
func FormatStartNotice(app, version string, accounts []string, at time.Time) string {
	return fmt.Sprintf("✅ %s %s started\nAccounts: %s\nTime: %s",
		app, version, strings.Join(accounts, ", "), at.UTC().Format(time.RFC3339))
}

// FormatStopNotice is sent during shutdown before the sink is closed.
func FormatStopNotice(app, reason string, at time.Time) string {
	return fmt.Sprintf("⏹ %s stopped (%s)\nTime: %s", app, reason, at.UTC().Format(time.RFC3339))
}
