package processor

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"positionwatch/internal/errs"
	"positionwatch/logger"
	"positionwatch/models"
)

var errListenKeyExpired = errors.New("listen key expired")

// Tracker turns raw user data stream messages into position change events.
// Messages of one account must be fed in arrival order; different accounts
// may be fed concurrently.
type Tracker struct {
	store       *Store
	log         *logger.Log
	now         func() time.Time
	diagnostics func(models.PositionChangeEvent)
	lateFill    LateFillFunc
}

// LateFillFunc receives realized pnl of a fill that arrived after the close
// event closeID had already left the position flat. It reports whether the
// pnl could still be attached to that close.
type LateFillFunc func(key models.PositionKey, closeID string, amount decimal.Decimal) bool

// NewTracker creates a tracker backed by store.
func NewTracker(store *Store) *Tracker {
	return &Tracker{
		store: store,
		log:   logger.GetLogger(),
		now:   time.Now,
	}
}

// Store exposes the snapshot store the tracker writes to.
func (t *Tracker) Store() *Store { return t.store }

// SetDiagnostics registers fn to receive every individual change event as it
// is produced, outside of any aggregation.
func (t *Tracker) SetDiagnostics(fn func(models.PositionChangeEvent)) {
	t.diagnostics = fn
}

// SetLateFill registers fn to receive fills that arrive after their close.
// Without it such fills are discarded.
func (t *Tracker) SetLateFill(fn LateFillFunc) {
	t.lateFill = fn
}

// Feed decodes one raw stream message for account and applies it. Messages
// that carry no position information return no events and no error. An
// expired listen key is reported as a session expiry.
func (t *Tracker) Feed(account string, raw []byte) ([]models.PositionChangeEvent, error) {
	log := t.log.WithComponent("tracker").WithFields(logger.Fields{"account": account})

	var env models.UserDataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Malformed("decode event", err)
	}

	switch env.Event {
	case models.EventAccountUpdate:
		var evt models.AccountUpdateEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, errs.Malformed("decode account update", err)
		}
		if evt.Data == nil {
			return nil, errs.Malformed("decode account update", errors.New("missing update data"))
		}
		updates, parseErr := parseAccountUpdate(evt.Data)
		if parseErr != nil {
			log.WithError(parseErr).Warn("skipping malformed position entries")
		}
		events := t.Apply(account, updates, eventTime(evt.UserDataEnvelope, t.now()))
		return events, parseErr

	case models.EventOrderTradeUpdate:
		var evt models.OrderTradeUpdateEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, errs.Malformed("decode order update", err)
		}
		if evt.Order == nil {
			return nil, errs.Malformed("decode order update", errors.New("missing order data"))
		}
		return nil, t.recordFill(account, evt.Order)

	case models.EventAccountConfigUpdate:
		var evt models.AccountConfigUpdateEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, errs.Malformed("decode account config update", err)
		}
		if evt.Leverage != nil && evt.Leverage.Symbol != "" && evt.Leverage.Leverage > 0 {
			t.SetLeverage(account, evt.Leverage.Symbol, evt.Leverage.Leverage)
		}
		return nil, nil

	case models.EventListenKeyExpired:
		return nil, errs.SessionExpired("user data stream", errListenKeyExpired)

	default:
		log.WithField("event", env.Event).Debug("ignoring user data event")
		return nil, nil
	}
}

// Apply diffs updates against the stored snapshots of account and returns
// the resulting events in entry order. All entries of one call are applied
// under a single lock of the account's book.
func (t *Tracker) Apply(account string, updates []PositionUpdate, at time.Time) []models.PositionChangeEvent {
	var events []models.PositionChangeEvent
	t.store.Update(account, func(tx *Tx) {
		for _, u := range updates {
			events = append(events, t.diff(tx, account, u, at)...)
		}
	})
	t.report(events)
	return events
}

func (t *Tracker) report(events []models.PositionChangeEvent) {
	log := t.log.WithComponent("tracker")
	for _, ev := range events {
		log.WithFields(logger.Fields{
			"account": ev.Key.Account,
			"symbol":  ev.Key.Symbol,
			"ps":      ev.Key.PositionSide,
			"kind":    ev.Kind,
			"side":    ev.Side,
			"before":  ev.Before.Amount.String(),
			"after":   ev.After.Amount.String(),
		}).Info("position change")
		if t.diagnostics != nil {
			t.diagnostics(ev)
		}
	}
}

func (t *Tracker) diff(tx *Tx, account string, u PositionUpdate, at time.Time) []models.PositionChangeEvent {
	key := models.PositionKey{Account: account, Symbol: u.Symbol, PositionSide: u.PositionSide}
	prev, known := tx.Get(key)
	if !known {
		prev = models.PositionSnapshot{Key: key, LastKnownSide: models.SideNone}
	}

	next := prev
	next.Amount = u.Amount
	if u.EntryPrice.Valid {
		next.EntryPrice = u.EntryPrice.Decimal
	}
	if u.UnrealizedPnl.Valid {
		next.UnrealizedPnl = u.UnrealizedPnl.Decimal
	}
	next.MarkPrice = markPrice(prev, next, u)
	if lev := tx.Leverage(u.Symbol); lev > 0 {
		next.Leverage = lev
	}
	if side := models.SideOf(next.Amount); side != models.SideNone {
		next.LastKnownSide = side
	}
	next.UpdatedAt = at

	oldSign, newSign := prev.Amount.Sign(), next.Amount.Sign()
	switch {
	case oldSign == 0 && newSign == 0:
		if known {
			tx.Put(next)
		}
		return nil

	case oldSign == 0:
		tx.DropRealized(key)
		tx.SetLastClose(key, "")
		tx.Put(next)
		return []models.PositionChangeEvent{newEvent(key, models.ChangeOpen, next.Side(), prev, next, decimal.NullDecimal{}, at)}

	case newSign == 0:
		closed := prev.Closed(at)
		if u.EntryPrice.Valid && !u.EntryPrice.Decimal.IsZero() {
			closed.EntryPrice = u.EntryPrice.Decimal
		}
		closed.Leverage = next.Leverage
		tx.Put(closed)
		ev := closeEvent(tx, key, prev, closed, at)
		tx.SetLastClose(key, ev.ID)
		return []models.PositionChangeEvent{ev}

	case oldSign != newSign:
		closed := prev.Closed(at)
		closed.Leverage = next.Leverage
		tx.Put(next)
		ev := closeEvent(tx, key, prev, closed, at)
		tx.SetLastClose(key, "")
		return []models.PositionChangeEvent{
			ev,
			newEvent(key, models.ChangeOpen, next.Side(), closed, next, decimal.NullDecimal{}, at),
		}
	}

	tx.Put(next)
	switch next.Amount.Abs().Cmp(prev.Amount.Abs()) {
	case 1:
		return []models.PositionChangeEvent{newEvent(key, models.ChangeIncrease, next.Side(), prev, next, decimal.NullDecimal{}, at)}
	case -1:
		pnl := decimal.NullDecimal{}
		if pending, ok := tx.TakeRealized(key); ok {
			pnl = decimal.NewNullDecimal(pending)
		}
		return []models.PositionChangeEvent{newEvent(key, models.ChangeDecrease, next.Side(), prev, next, pnl, at)}
	default:
		return nil
	}
}

// closeEvent consumes the pnl fills accumulated for key. Without any, the
// unrealized pnl last reported for the closed position stands in as an
// estimate.
func closeEvent(tx *Tx, key models.PositionKey, prev, closed models.PositionSnapshot, at time.Time) models.PositionChangeEvent {
	if pending, ok := tx.TakeRealized(key); ok {
		return newEvent(key, models.ChangeClose, prev.Side(), prev, closed, decimal.NewNullDecimal(pending), at)
	}
	if prev.UnrealizedPnl.IsZero() {
		return newEvent(key, models.ChangeClose, prev.Side(), prev, closed, decimal.NullDecimal{}, at)
	}
	ev := newEvent(key, models.ChangeClose, prev.Side(), prev, closed, decimal.NewNullDecimal(prev.UnrealizedPnl), at)
	ev.Estimated = true
	return ev
}

// markPrice uses the reported mark, else derives it from unrealized pnl as
// upnl/amount + entry, else keeps the previous one.
func markPrice(prev, next models.PositionSnapshot, u PositionUpdate) decimal.Decimal {
	if u.MarkPrice.Valid {
		return u.MarkPrice.Decimal
	}
	if !next.Amount.IsZero() && next.EntryPrice.IsPositive() && u.UnrealizedPnl.Valid {
		return u.UnrealizedPnl.Decimal.Div(next.Amount).Add(next.EntryPrice)
	}
	if prev.MarkPrice.IsZero() {
		return next.EntryPrice
	}
	return prev.MarkPrice
}

func newEvent(key models.PositionKey, kind models.ChangeKind, side models.Side, before, after models.PositionSnapshot, pnl decimal.NullDecimal, at time.Time) models.PositionChangeEvent {
	return models.PositionChangeEvent{
		ID:          uuid.NewString(),
		Key:         key,
		Kind:        kind,
		Side:        side,
		Before:      before,
		After:       after,
		RealizedPnl: pnl,
		Timestamp:   at,
	}
}

// recordFill accumulates the realized profit of a trade fill so it can be
// attached to the next reducing change of the same position. A fill for a
// position that is already flat belongs to the close that flattened it and
// never carries over to a later round trip.
func (t *Tracker) recordFill(account string, o *models.OrderTradeData) error {
	if o.ExecutionType != "TRADE" || (o.Status != "FILLED" && o.Status != "PARTIALLY_FILLED") {
		return nil
	}
	rp, err := optionalDecimal(o.RealizedProfit)
	if err != nil {
		return errs.Malformed("order realized profit", err)
	}
	if !rp.Valid || rp.Decimal.IsZero() {
		return nil
	}
	ps := strings.ToUpper(strings.TrimSpace(o.PositionSide))
	if ps == "" {
		ps = defaultPositionSide
	}
	key := models.PositionKey{Account: account, Symbol: strings.ToUpper(o.Symbol), PositionSide: ps}

	var closeID string
	late := false
	t.store.Update(account, func(tx *Tx) {
		if snap, ok := tx.Get(key); ok && snap.IsEmpty() {
			late = true
			closeID, _ = tx.LastClose(key)
			return
		}
		tx.AddRealized(key, rp.Decimal)
	})

	log := t.log.WithComponent("tracker").WithFields(logger.Fields{
		"account":  account,
		"symbol":   key.Symbol,
		"ps":       ps,
		"realized": rp.Decimal.String(),
		"status":   o.Status,
	})
	if !late {
		log.Debug("recorded fill realized pnl")
		return nil
	}
	if closeID != "" && t.lateFill != nil && t.lateFill(key, closeID, rp.Decimal) {
		log.WithField("close_id", closeID).Debug("attached late fill to its close")
		return nil
	}
	log.Debug("discarded fill for a flat position")
	return nil
}

// SetLeverage records the leverage reported for symbol on account.
func (t *Tracker) SetLeverage(account, symbol string, leverage int) {
	t.store.Update(account, func(tx *Tx) {
		tx.SetLeverage(strings.ToUpper(symbol), leverage)
	})
}

// ResetAccount replaces the account's snapshots with a fresh account
// snapshot without emitting any events.
func (t *Tracker) ResetAccount(account string, snaps []models.PositionSnapshot) {
	t.store.Reset(account, snaps)
	t.log.WithComponent("tracker").WithFields(logger.Fields{
		"account":   account,
		"positions": len(snaps),
	}).Info("position snapshots reset")
}

// Resync diffs a fresh account snapshot against the stored positions and
// returns the changes that happened while the stream was not observed.
// Stored open positions missing from snaps are treated as closed.
func (t *Tracker) Resync(account string, snaps []models.PositionSnapshot, at time.Time) []models.PositionChangeEvent {
	var events []models.PositionChangeEvent
	t.store.Update(account, func(tx *Tx) {
		seen := make(map[models.PositionKey]bool, len(snaps))
		for _, snap := range snaps {
			key := models.PositionKey{Account: account, Symbol: strings.ToUpper(snap.Key.Symbol), PositionSide: snap.Key.PositionSide}
			if key.PositionSide == "" {
				key.PositionSide = defaultPositionSide
			}
			seen[key] = true
			if snap.Leverage > 0 {
				tx.SetLeverage(key.Symbol, snap.Leverage)
			}
			u := PositionUpdate{
				Symbol:        key.Symbol,
				PositionSide:  key.PositionSide,
				Amount:        snap.Amount,
				EntryPrice:    decimal.NewNullDecimal(snap.EntryPrice),
				UnrealizedPnl: decimal.NewNullDecimal(snap.UnrealizedPnl),
			}
			if !snap.MarkPrice.IsZero() {
				u.MarkPrice = decimal.NewNullDecimal(snap.MarkPrice)
			}
			events = append(events, t.diff(tx, account, u, at)...)
		}

		var gone []models.PositionKey
		for key, snap := range tx.b.positions {
			if !seen[key] && !snap.IsEmpty() {
				gone = append(gone, key)
			}
		}
		sort.Slice(gone, func(i, j int) bool { return gone[i].String() < gone[j].String() })
		for _, key := range gone {
			u := PositionUpdate{Symbol: key.Symbol, PositionSide: key.PositionSide, Amount: decimal.Zero}
			events = append(events, t.diff(tx, account, u, at)...)
		}
	})

	t.log.WithComponent("tracker").WithFields(logger.Fields{
		"account":   account,
		"positions": len(snaps),
		"changes":   len(events),
	}).Info("position snapshots resynced")
	t.report(events)
	return events
}
