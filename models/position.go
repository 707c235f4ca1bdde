package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction a position is held in.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = "NONE"
)

// SideOf derives the direction from a signed amount.
func SideOf(amount decimal.Decimal) Side {
	switch amount.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideNone
	}
}

// PositionKey identifies one trackable position. PositionSide is the slot
// reported by the exchange (BOTH in one-way mode, LONG or SHORT in hedge mode).
type PositionKey struct {
	Account      string `json:"account"`
	Symbol       string `json:"symbol"`
	PositionSide string `json:"position_side"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Account, k.Symbol, k.PositionSide)
}

// PositionSnapshot is the last observed state of one position key.
//
// LastKnownSide keeps the direction the position held before it was zeroed,
// so a close can be reported with its real side. It is only replaced when
// the position is opened again.
type PositionSnapshot struct {
	Key           PositionKey     `json:"key"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Leverage      int             `json:"leverage,omitempty"`
	LastKnownSide Side            `json:"last_known_side"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsEmpty reports whether the snapshot holds no open amount.
func (s PositionSnapshot) IsEmpty() bool {
	return s.Amount.IsZero()
}

// Side returns the live direction, or the retained one for an empty snapshot.
func (s PositionSnapshot) Side() Side {
	if side := SideOf(s.Amount); side != SideNone {
		return side
	}
	if s.LastKnownSide == "" {
		return SideNone
	}
	return s.LastKnownSide
}

// Notional is |amount| valued at the mark price, falling back to entry.
func (s PositionSnapshot) Notional() decimal.Decimal {
	price := s.MarkPrice
	if price.IsZero() {
		price = s.EntryPrice
	}
	return s.Amount.Mul(price).Abs()
}

// Closed returns the snapshot left behind once the position is zeroed. The
// entry and mark prices are kept for reporting.
func (s PositionSnapshot) Closed(at time.Time) PositionSnapshot {
	out := s
	out.LastKnownSide = s.Side()
	out.Amount = decimal.Zero
	out.UnrealizedPnl = decimal.Zero
	out.UpdatedAt = at
	return out
}
