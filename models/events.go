package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeKind classifies a net change of a position.
type ChangeKind string

const (
	ChangeOpen     ChangeKind = "OPEN"
	ChangeIncrease ChangeKind = "INCREASE"
	ChangeDecrease ChangeKind = "DECREASE"
	ChangeClose    ChangeKind = "CLOSE"
)

// PositionChangeEvent is produced once per raw update entry that changes a
// position's amount. Side is the reported direction: for a close it is the
// side held before the update. RealizedPnl is Estimated when no fill
// reported it and it was taken from the closed position's unrealized pnl.
type PositionChangeEvent struct {
	ID          string              `json:"id"`
	Key         PositionKey         `json:"key"`
	Kind        ChangeKind          `json:"kind"`
	Side        Side                `json:"side"`
	Before      PositionSnapshot    `json:"before"`
	After       PositionSnapshot    `json:"after"`
	RealizedPnl decimal.NullDecimal `json:"realized_pnl"`
	Estimated   bool                `json:"realized_estimated,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Realized returns the realized pnl or zero when none was reported.
func (e PositionChangeEvent) Realized() decimal.Decimal {
	if !e.RealizedPnl.Valid {
		return decimal.Zero
	}
	return e.RealizedPnl.Decimal
}

// Leg is one contiguous same-direction run of changes inside a summary. A
// zero crossing always starts a new leg.
type Leg struct {
	Kind        ChangeKind       `json:"kind"`
	Side        Side             `json:"side"`
	From        PositionSnapshot `json:"from"`
	To          PositionSnapshot `json:"to"`
	EventCount  int              `json:"event_count"`
	RealizedPnl decimal.Decimal  `json:"realized_pnl"`
	Estimated   bool             `json:"realized_estimated,omitempty"`
}

// SummaryEvent is the single artifact emitted per coalescing window flush.
type SummaryEvent struct {
	ID               string           `json:"id"`
	Key              PositionKey      `json:"key"`
	NetKind          ChangeKind       `json:"net_kind"`
	Side             Side             `json:"side"`
	First            PositionSnapshot `json:"first"`
	Last             PositionSnapshot `json:"last"`
	EventCount       int              `json:"event_count"`
	TotalRealizedPnl decimal.Decimal  `json:"total_realized_pnl"`
	Estimated        bool             `json:"realized_estimated,omitempty"`
	Legs             []Leg            `json:"legs"`
	WindowStart      time.Time        `json:"window_start"`
	FlushedAt        time.Time        `json:"flushed_at"`
}
