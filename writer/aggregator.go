package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"positionwatch/config"
	"positionwatch/internal/errs"
	"positionwatch/internal/metrics"
	"positionwatch/logger"
	"positionwatch/models"
)

// SummarySink delivers one summary. It must be safe for concurrent use.
type SummarySink func(ctx context.Context, summary models.SummaryEvent) error

// Aggregator coalesces change events per position key. The first event of a
// key opens a buffer and arms a timer for one window; later events join the
// buffer without moving the deadline. Each flush produces exactly one
// summary for the sink and every subscriber.
type Aggregator struct {
	window     time.Duration
	retryDelay time.Duration
	sink       SummarySink
	log        *logger.Log
	now        func() time.Time
	dedupe     *dedupeCache

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	keys      map[models.PositionKey]*keyState
	observers []func(models.SummaryEvent)
	closed    bool
	wg        sync.WaitGroup
}

type keyState struct {
	mu     sync.Mutex // guards buf
	sendMu sync.Mutex // orders deliveries of one key
	buf    *buffer
}

type buffer struct {
	events []models.PositionChangeEvent
	start  time.Time
	timer  *time.Timer
}

// NewAggregator builds an aggregator delivering to sink.
func NewAggregator(cfg config.AggregatorConfig, sink SummarySink) *Aggregator {
	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		window:     window,
		retryDelay: cfg.RetryDelay,
		sink:       sink,
		log:        logger.GetLogger(),
		now:        time.Now,
		dedupe:     newDedupeCache(cfg.DedupeSize),
		ctx:        ctx,
		cancel:     cancel,
		keys:       make(map[models.PositionKey]*keyState),
	}
}

// Subscribe registers fn to receive every flushed summary, including those
// the sink suppresses as duplicates. fn must not block.
func (a *Aggregator) Subscribe(fn func(models.SummaryEvent)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// Ingest adds ev to its key's buffer. Events arriving after FlushAll has
// started are summarized and delivered immediately.
func (a *Aggregator) Ingest(ev models.PositionChangeEvent) {
	ks, ok := a.state(ev.Key)
	if !ok {
		a.flushLate(ev)
		return
	}

	ks.mu.Lock()
	if ks.buf == nil {
		if !a.track() {
			ks.mu.Unlock()
			a.flushLate(ev)
			return
		}
		buf := &buffer{start: a.now()}
		buf.timer = time.AfterFunc(a.window, func() { a.expire(ks, buf) })
		ks.buf = buf
	}
	ks.buf.events = append(ks.buf.events, ev)
	pending := len(ks.buf.events)
	ks.mu.Unlock()

	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"key":     ev.Key.String(),
		"kind":    ev.Kind,
		"pending": pending,
	}).Debug("event buffered")
}

func (a *Aggregator) state(key models.PositionKey) (*keyState, bool) {
	a.mu.RLock()
	ks, ok := a.keys[key]
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, false
	}
	if ok {
		return ks, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false
	}
	if ks, ok = a.keys[key]; !ok {
		ks = &keyState{}
		a.keys[key] = ks
	}
	return ks, true
}

// track registers a new pending buffer unless the aggregator is draining.
func (a *Aggregator) track() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.wg.Add(1)
	return true
}

func (a *Aggregator) expire(ks *keyState, buf *buffer) {
	defer a.wg.Done()

	ks.mu.Lock()
	if ks.buf != buf {
		// claimed by FlushAll
		ks.mu.Unlock()
		return
	}
	ks.buf = nil
	ks.mu.Unlock()

	a.emit(ks, buf.events, buf.start)
}

func (a *Aggregator) flushLate(ev models.PositionChangeEvent) {
	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"key":  ev.Key.String(),
		"kind": ev.Kind,
	}).Warn("event received while draining; delivering immediately")
	a.emit(&keyState{}, []models.PositionChangeEvent{ev}, a.now())
}

// AttachRealized adds amount to the realized pnl of the buffered event
// eventID of key, replacing an estimate. It reports false once the event's
// window has been flushed.
func (a *Aggregator) AttachRealized(key models.PositionKey, eventID string, amount decimal.Decimal) bool {
	a.mu.RLock()
	ks, ok := a.keys[key]
	a.mu.RUnlock()
	if !ok {
		return false
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.buf == nil {
		return false
	}
	for i := range ks.buf.events {
		ev := &ks.buf.events[i]
		if ev.ID != eventID {
			continue
		}
		if ev.Estimated || !ev.RealizedPnl.Valid {
			ev.RealizedPnl = decimal.NewNullDecimal(amount)
			ev.Estimated = false
		} else {
			ev.RealizedPnl = decimal.NewNullDecimal(ev.RealizedPnl.Decimal.Add(amount))
		}
		return true
	}
	return false
}

// Pending reports how many keys currently hold a buffer.
func (a *Aggregator) Pending() int {
	a.mu.RLock()
	states := make([]*keyState, 0, len(a.keys))
	for _, ks := range a.keys {
		states = append(states, ks)
	}
	a.mu.RUnlock()

	n := 0
	for _, ks := range states {
		ks.mu.Lock()
		if ks.buf != nil {
			n++
		}
		ks.mu.Unlock()
	}
	return n
}

// FlushAll stops accepting new buffers, flushes every pending buffer now
// instead of waiting for its timer, and waits until all deliveries finish
// or ctx expires.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	log := a.log.WithComponent("aggregator")

	a.mu.Lock()
	a.closed = true
	states := make([]*keyState, 0, len(a.keys))
	for _, ks := range a.keys {
		states = append(states, ks)
	}
	a.mu.Unlock()

	flushed := 0
	for _, ks := range states {
		ks.mu.Lock()
		buf := ks.buf
		ks.buf = nil
		ks.mu.Unlock()
		if buf == nil {
			continue
		}
		flushed++
		stopped := buf.timer.Stop()
		go func(ks *keyState, buf *buffer) {
			if stopped {
				defer a.wg.Done()
			}
			a.emit(ks, buf.events, buf.start)
		}(ks, buf)
	}
	log.WithField("buffers", flushed).Info("forced flush of pending buffers")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all pending summaries delivered")
		return nil
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("drain grace period elapsed with deliveries in flight")
		logger.RecordDroppedOnShutdown()
		return ctx.Err()
	}
}

// Close aborts in-flight deliveries. Call it after FlushAll.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
}

func (a *Aggregator) emit(ks *keyState, events []models.PositionChangeEvent, start time.Time) {
	if len(events) == 0 {
		return
	}
	ks.sendMu.Lock()
	defer ks.sendMu.Unlock()

	summary := Summarize(events, start, a.now())
	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"key":      summary.Key.String(),
		"net_kind": summary.NetKind,
		"events":   summary.EventCount,
		"legs":     len(summary.Legs),
		"realized": summary.TotalRealizedPnl.String(),
	})
	log.Info("window flushed")
	logger.RecordSummary()
	metrics.Summary(summary.Key.Account, string(summary.NetKind))

	a.mu.RLock()
	observers := append([]func(models.SummaryEvent){}, a.observers...)
	a.mu.RUnlock()
	for _, fn := range observers {
		fn(summary)
	}

	if a.sink == nil {
		return
	}
	if a.dedupe.duplicate(summary) {
		log.Debug("duplicate summary suppressed")
		metrics.Delivery(summary.Key.Account, "suppressed")
		return
	}

	err := a.sink(a.ctx, summary)
	if err != nil && a.ctx.Err() == nil {
		log.WithError(err).Warn("summary delivery failed; retrying once")
		metrics.Delivery(summary.Key.Account, "retried")
		if a.wait(a.retryDelay) {
			err = a.sink(a.ctx, summary)
		}
	}
	if err != nil {
		log.WithError(errs.Delivery("deliver summary", fmt.Errorf("%s: %w", summary.Key, err))).Error("summary dropped")
		logger.RecordDelivery(false)
		metrics.Delivery(summary.Key.Account, "failed")
		return
	}

	a.dedupe.remember(summary)
	logger.RecordDelivery(true)
	metrics.Delivery(summary.Key.Account, "ok")
}

func (a *Aggregator) wait(d time.Duration) bool {
	if d <= 0 {
		return a.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-a.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
