package writer

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"positionwatch/models"
)

// Summarize nets the events of one window into a summary. Contiguous changes
// in the same direction collapse into one leg; an event that leaves the
// position at zero ends its leg, so a close followed by a reopen yields two
// ordered legs instead of cancelling out. The summary's net kind is the kind
// of its final leg.
func Summarize(events []models.PositionChangeEvent, windowStart, flushedAt time.Time) models.SummaryEvent {
	summary := models.SummaryEvent{
		ID:               uuid.NewString(),
		TotalRealizedPnl: decimal.Zero,
		WindowStart:      windowStart,
		FlushedAt:        flushedAt,
		EventCount:       len(events),
	}
	if len(events) == 0 {
		return summary
	}

	first, last := events[0], events[len(events)-1]
	summary.Key = first.Key
	summary.First = first.Before
	summary.Last = last.After

	var legEvents []models.PositionChangeEvent
	for _, ev := range events {
		summary.TotalRealizedPnl = summary.TotalRealizedPnl.Add(ev.Realized())
		summary.Estimated = summary.Estimated || (ev.Estimated && ev.RealizedPnl.Valid)
		legEvents = append(legEvents, ev)
		if ev.After.IsEmpty() {
			summary.Legs = append(summary.Legs, buildLeg(legEvents))
			legEvents = nil
		}
	}
	if len(legEvents) > 0 {
		summary.Legs = append(summary.Legs, buildLeg(legEvents))
	}

	final := summary.Legs[len(summary.Legs)-1]
	summary.NetKind = final.Kind
	summary.Side = final.Side
	return summary
}

func buildLeg(events []models.PositionChangeEvent) models.Leg {
	first, last := events[0], events[len(events)-1]
	leg := models.Leg{
		From:        first.Before,
		To:          last.After,
		Side:        last.Side,
		EventCount:  len(events),
		RealizedPnl: decimal.Zero,
	}
	for _, ev := range events {
		leg.RealizedPnl = leg.RealizedPnl.Add(ev.Realized())
		leg.Estimated = leg.Estimated || (ev.Estimated && ev.RealizedPnl.Valid)
	}
	leg.Kind = netKind(leg.From.Amount, leg.To.Amount, last.Kind)
	return leg
}

// netKind classifies the move from one amount to another. An unchanged
// magnitude keeps the kind of the last event.
func netKind(from, to decimal.Decimal, fallback models.ChangeKind) models.ChangeKind {
	switch {
	case to.IsZero():
		return models.ChangeClose
	case from.IsZero():
		return models.ChangeOpen
	}
	switch to.Abs().Cmp(from.Abs()) {
	case 1:
		return models.ChangeIncrease
	case -1:
		return models.ChangeDecrease
	default:
		return fallback
	}
}
