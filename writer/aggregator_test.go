package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionwatch/config"
	"positionwatch/models"
)

var testKey = models.PositionKey{Account: "main", Symbol: "BTCUSDT", PositionSide: "BOTH"}

func snap(amount, entry string) models.PositionSnapshot {
	s := models.PositionSnapshot{
		Key:        testKey,
		Amount:     decimal.RequireFromString(amount),
		EntryPrice: decimal.RequireFromString(entry),
	}
	s.LastKnownSide = s.Side()
	return s
}

func change(kind models.ChangeKind, before, after string, realized string) models.PositionChangeEvent {
	ev := models.PositionChangeEvent{
		ID:        uuid.NewString(),
		Key:       testKey,
		Kind:      kind,
		Before:    snap(before, "40000"),
		After:     snap(after, "40000"),
		Timestamp: time.Now(),
	}
	ev.Side = ev.After.Side()
	if kind == models.ChangeClose {
		ev.Side = ev.Before.Side()
	}
	if realized != "" {
		ev.RealizedPnl = decimal.NewNullDecimal(decimal.RequireFromString(realized))
	}
	return ev
}

type recordingSink struct {
	mu        sync.Mutex
	summaries []models.SummaryEvent
	times     []time.Time
	calls     int
	failFirst int
	delivered chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{delivered: make(chan struct{}, 64)}
}

func (r *recordingSink) deliver(_ context.Context, s models.SummaryEvent) error {
	r.mu.Lock()
	r.calls++
	if r.calls <= r.failFirst {
		r.mu.Unlock()
		return errors.New("sink unavailable")
	}
	r.summaries = append(r.summaries, s)
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
	r.delivered <- struct{}{}
	return nil
}

func (r *recordingSink) wait(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.delivered:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries (got %d)", n, i)
		}
	}
}

func (r *recordingSink) snapshot() ([]models.SummaryEvent, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SummaryEvent(nil), r.summaries...), r.calls
}

func newTestAggregator(window time.Duration, sink *recordingSink) *Aggregator {
	return NewAggregator(config.AggregatorConfig{Window: window, RetryDelay: 10 * time.Millisecond, DedupeSize: 100}, sink.deliver)
}

func TestAggregatorCoalescesBurst(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(200*time.Millisecond, sink)
	defer agg.Close()

	agg.Ingest(change(models.ChangeOpen, "0", "0.1", ""))
	time.Sleep(100 * time.Millisecond)
	agg.Ingest(change(models.ChangeIncrease, "0.1", "0.15", ""))

	sink.wait(t, 1, 2*time.Second)
	got, _ := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, models.ChangeOpen, got[0].NetKind)
	assert.Equal(t, 2, got[0].EventCount)
	assert.True(t, got[0].Last.Amount.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, got[0].First.Amount.IsZero())
	assert.Equal(t, 0, agg.Pending())
}

func TestAggregatorSumsRealizedPnl(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(100*time.Millisecond, sink)
	defer agg.Close()

	agg.Ingest(change(models.ChangeDecrease, "1", "0.8", "10"))
	agg.Ingest(change(models.ChangeDecrease, "0.8", "0.5", "2.5"))
	agg.Ingest(change(models.ChangeClose, "0.5", "0", "7.5"))

	sink.wait(t, 1, 2*time.Second)
	got, _ := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].EventCount)
	assert.Equal(t, models.ChangeClose, got[0].NetKind)
	assert.Equal(t, models.SideLong, got[0].Side)
	assert.True(t, got[0].TotalRealizedPnl.Equal(decimal.RequireFromString("20")))
}

func TestAggregatorAttachRealizedToBufferedClose(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(150*time.Millisecond, sink)
	defer agg.Close()

	closeEv := change(models.ChangeClose, "0.1", "0", "4")
	closeEv.Estimated = true
	agg.Ingest(closeEv)

	assert.True(t, agg.AttachRealized(testKey, closeEv.ID, decimal.RequireFromString("50")))
	assert.True(t, agg.AttachRealized(testKey, closeEv.ID, decimal.RequireFromString("-1.5")))
	assert.False(t, agg.AttachRealized(testKey, uuid.NewString(), decimal.RequireFromString("9")))

	sink.wait(t, 1, 2*time.Second)
	got, _ := sink.snapshot()
	require.Len(t, got, 1)
	assert.True(t, got[0].TotalRealizedPnl.Equal(decimal.RequireFromString("48.5")))
	assert.False(t, got[0].Estimated)

	assert.False(t, agg.AttachRealized(testKey, closeEv.ID, decimal.RequireFromString("1")), "window already flushed")
	other := testKey
	other.Symbol = "ETHUSDT"
	assert.False(t, agg.AttachRealized(other, closeEv.ID, decimal.RequireFromString("1")))
}

func TestAggregatorBoundedDelay(t *testing.T) {
	sink := newRecordingSink()
	window := 150 * time.Millisecond
	agg := newTestAggregator(window, sink)
	defer agg.Close()

	start := time.Now()
	amount := int64(1)
	stop := time.After(2 * window)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	agg.Ingest(change(models.ChangeOpen, "0", "1", ""))
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			before := decimal.NewFromInt(amount).String()
			amount++
			agg.Ingest(change(models.ChangeIncrease, before, decimal.NewFromInt(amount).String(), ""))
		}
	}

	sink.wait(t, 1, 2*time.Second)
	sink.mu.Lock()
	first := sink.times[0]
	sink.mu.Unlock()
	assert.LessOrEqual(t, first.Sub(start), window+100*time.Millisecond, "continuous events must not postpone the flush")
}

func TestAggregatorZeroCrossingKeepsBothLegs(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(100*time.Millisecond, sink)
	defer agg.Close()

	agg.Ingest(change(models.ChangeClose, "0.5", "0", "12"))
	agg.Ingest(change(models.ChangeOpen, "0", "-0.3", ""))

	sink.wait(t, 1, 2*time.Second)
	got, _ := sink.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0].Legs, 2)
	assert.Equal(t, models.ChangeClose, got[0].Legs[0].Kind)
	assert.Equal(t, models.SideLong, got[0].Legs[0].Side)
	assert.Equal(t, models.ChangeOpen, got[0].Legs[1].Kind)
	assert.Equal(t, models.SideShort, got[0].Legs[1].Side)
	assert.Equal(t, models.ChangeOpen, got[0].NetKind)
}

func TestAggregatorRetriesOnce(t *testing.T) {
	sink := newRecordingSink()
	sink.failFirst = 1
	agg := newTestAggregator(50*time.Millisecond, sink)
	defer agg.Close()

	agg.Ingest(change(models.ChangeOpen, "0", "1", ""))
	sink.wait(t, 1, 2*time.Second)
	_, calls := sink.snapshot()
	assert.Equal(t, 2, calls)
}

func TestAggregatorDropsAfterSecondFailure(t *testing.T) {
	sink := newRecordingSink()
	sink.failFirst = 100
	agg := newTestAggregator(50*time.Millisecond, sink)
	defer agg.Close()

	agg.Ingest(change(models.ChangeOpen, "0", "1", ""))
	require.NoError(t, agg.FlushAll(context.Background()))

	got, calls := sink.snapshot()
	assert.Empty(t, got)
	assert.Equal(t, 2, calls, "one attempt plus a single retry")
}

func TestAggregatorFlushAllForcesPendingBuffers(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(time.Hour, sink)
	defer agg.Close()

	agg.Ingest(change(models.ChangeOpen, "0", "1", ""))
	other := change(models.ChangeOpen, "0", "2", "")
	other.Key.Symbol = "ETHUSDT"
	agg.Ingest(other)
	require.Equal(t, 2, agg.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, agg.FlushAll(ctx))

	got, _ := sink.snapshot()
	assert.Len(t, got, 2)
	assert.Equal(t, 0, agg.Pending())

	agg.Ingest(change(models.ChangeIncrease, "1", "3", ""))
	sink.wait(t, 3, time.Second)
}

func TestAggregatorSuppressesDuplicateSummary(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(30*time.Millisecond, sink)
	defer agg.Close()

	var observed int
	var mu sync.Mutex
	agg.Subscribe(func(models.SummaryEvent) {
		mu.Lock()
		observed++
		mu.Unlock()
	})

	agg.Ingest(change(models.ChangeOpen, "0", "1", ""))
	sink.wait(t, 1, time.Second)
	agg.Ingest(change(models.ChangeOpen, "0", "1", ""))
	require.NoError(t, agg.FlushAll(context.Background()))
	time.Sleep(50 * time.Millisecond)

	got, _ := sink.snapshot()
	assert.Len(t, got, 1)
	mu.Lock()
	assert.Equal(t, 2, observed)
	mu.Unlock()
}

func TestAggregatorConcurrentSameKey(t *testing.T) {
	sink := newRecordingSink()
	agg := newTestAggregator(time.Hour, sink)
	defer agg.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Ingest(change(models.ChangeIncrease, "1", "2", "1"))
		}()
	}
	wg.Wait()
	require.NoError(t, agg.FlushAll(context.Background()))

	got, _ := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, 50, got[0].EventCount)
	assert.True(t, got[0].TotalRealizedPnl.Equal(decimal.NewFromInt(50)))
}

func TestDedupeCacheIsBounded(t *testing.T) {
	c := newDedupeCache(3)
	for _, sym := range []string{"A", "B", "C", "D"} {
		c.remember(models.SummaryEvent{Key: models.PositionKey{Symbol: sym}, NetKind: models.ChangeOpen})
	}
	assert.Equal(t, 3, c.len())
	assert.False(t, c.duplicate(models.SummaryEvent{Key: models.PositionKey{Symbol: "A"}, NetKind: models.ChangeOpen}))
	assert.True(t, c.duplicate(models.SummaryEvent{Key: models.PositionKey{Symbol: "D"}, NetKind: models.ChangeOpen}))
}
