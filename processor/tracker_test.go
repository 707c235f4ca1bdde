package processor

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionwatch/internal/errs"
	"positionwatch/models"
)

func entry(symbol, ps, amt, ep, up string) string {
	return fmt.Sprintf(`{"s":%q,"ps":%q,"pa":%q,"ep":%q,"bep":"0","cr":"0","up":%q,"mt":"cross","iw":"0"}`, symbol, ps, amt, ep, up)
}

func accountUpdate(entries ...string) []byte {
	return []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"T":1700000000000,"a":{"m":"ORDER","B":[],"P":[` +
		strings.Join(entries, ",") + `]}}`)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestTracker() *Tracker {
	return NewTracker(NewStore())
}

func TestTrackerOpenIncreaseDecreaseClose(t *testing.T) {
	tr := newTestTracker()

	steps := []struct {
		amt  string
		kind models.ChangeKind
	}{
		{"0.1", models.ChangeOpen},
		{"0.15", models.ChangeIncrease},
		{"0.05", models.ChangeDecrease},
		{"0", models.ChangeClose},
	}
	for _, step := range steps {
		events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", step.amt, "40000", "0")))
		require.NoError(t, err)
		require.Len(t, events, 1, "amount %s", step.amt)
		assert.Equal(t, step.kind, events[0].Kind)
		assert.Equal(t, models.SideLong, events[0].Side)
		assert.True(t, events[0].After.Amount.Equal(dec(step.amt)))
		assert.NotEmpty(t, events[0].ID)
	}

	snap, ok := tr.Store().Get(models.PositionKey{Account: "main", Symbol: "BTCUSDT", PositionSide: "BOTH"})
	require.True(t, ok)
	assert.True(t, snap.IsEmpty())
	assert.Equal(t, models.SideLong, snap.LastKnownSide)
	assert.Empty(t, tr.Store().Positions("main"))
}

func TestTrackerCloseUsesPriorSideAndRealized(t *testing.T) {
	tr := newTestTracker()
	at := time.Now()

	tr.Apply("main", []PositionUpdate{{Symbol: "ETHUSDT", PositionSide: "BOTH", Amount: dec("0.1")}}, at)
	_, err := tr.Feed("main", fill("ETHUSDT", "BOTH", "FILLED", "50"))
	require.NoError(t, err)
	events := tr.Apply("main", []PositionUpdate{{Symbol: "ETHUSDT", PositionSide: "BOTH", Amount: decimal.Zero}}, at)

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.ChangeClose, ev.Kind)
	assert.Equal(t, models.SideLong, ev.Side)
	assert.True(t, ev.Realized().Equal(dec("50")))
	assert.False(t, ev.Estimated)
	assert.True(t, ev.Before.Amount.Equal(dec("0.1")))
}

func TestTrackerCloseWithoutFillEstimatesFromUnrealized(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.1", "40000", "-12.5")))
	require.NoError(t, err)

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].RealizedPnl.Valid)
	assert.True(t, events[0].Realized().Equal(dec("-12.5")))
	assert.True(t, events[0].Estimated)

	_, err = tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.1", "40000", "0")))
	require.NoError(t, err)
	events, err = tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].RealizedPnl.Valid, "no fill and no unrealized pnl leaves the close without pnl")
	assert.False(t, events[0].Estimated)
}

func TestTrackerShortCloseKeepsShortSide(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(entry("SOLUSDT", "SHORT", "-3", "150", "0")))
	require.NoError(t, err)

	events, err := tr.Feed("main", accountUpdate(entry("SOLUSDT", "SHORT", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ChangeClose, events[0].Kind)
	assert.Equal(t, models.SideShort, events[0].Side)
	assert.True(t, events[0].After.EntryPrice.Equal(dec("150")), "close keeps the last entry price")
}

func TestTrackerSignFlipEmitsCloseThenOpen(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.5", "40000", "0")))
	require.NoError(t, err)

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "-0.3", "41000", "0")))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, models.ChangeClose, events[0].Kind)
	assert.Equal(t, models.SideLong, events[0].Side)
	assert.True(t, events[0].After.Amount.IsZero())

	assert.Equal(t, models.ChangeOpen, events[1].Kind)
	assert.Equal(t, models.SideShort, events[1].Side)
	assert.True(t, events[1].Before.Amount.IsZero())
	assert.True(t, events[1].After.Amount.Equal(dec("-0.3")))
}

func TestTrackerUnrealizedOnlyUpdateProducesNoEvent(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "1", "100", "0")))
	require.NoError(t, err)

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "1", "100", "12.5")))
	require.NoError(t, err)
	assert.Empty(t, events)

	snap, _ := tr.Store().Get(models.PositionKey{Account: "main", Symbol: "BTCUSDT", PositionSide: "BOTH"})
	assert.True(t, snap.UnrealizedPnl.Equal(dec("12.5")))
	assert.True(t, snap.MarkPrice.Equal(dec("112.5")))
}

func TestTrackerZeroToZeroIsIgnored(t *testing.T) {
	tr := newTestTracker()
	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	assert.Empty(t, events)
	_, ok := tr.Store().Get(models.PositionKey{Account: "main", Symbol: "BTCUSDT", PositionSide: "BOTH"})
	assert.False(t, ok)
}

func TestTrackerMultipleEntriesSplit(t *testing.T) {
	tr := newTestTracker()
	events, err := tr.Feed("main", accountUpdate(
		entry("BTCUSDT", "LONG", "0.2", "40000", "0"),
		entry("BTCUSDT", "SHORT", "-0.1", "40000", "0"),
		entry("ETHUSDT", "BOTH", "3", "2000", "0"),
	))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "LONG", events[0].Key.PositionSide)
	assert.Equal(t, models.SideShort, events[1].Side)
	assert.Equal(t, "ETHUSDT", events[2].Key.Symbol)
	assert.Len(t, tr.Store().Positions("main"), 3)
}

func TestTrackerMalformedEntryIsSkipped(t *testing.T) {
	tr := newTestTracker()
	bad := `{"s":"XRPUSDT","ps":"BOTH","ep":"0.5","up":"0"}`
	events, err := tr.Feed("main", accountUpdate(bad, entry("ETHUSDT", "BOTH", "1", "2000", "0")))

	require.Error(t, err)
	assert.True(t, errs.IsMalformed(err))
	require.Len(t, events, 1)
	assert.Equal(t, "ETHUSDT", events[0].Key.Symbol)

	_, ok := tr.Store().Get(models.PositionKey{Account: "main", Symbol: "XRPUSDT", PositionSide: "BOTH"})
	assert.False(t, ok, "malformed entry must leave the store unchanged")
}

func TestTrackerNonJSONIsMalformed(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", []byte("not json"))
	require.Error(t, err)
	assert.True(t, errs.IsMalformed(err))

	_, err = tr.Feed("main", []byte(`{"e":"ACCOUNT_UPDATE","E":1}`))
	assert.True(t, errs.IsMalformed(err))
}

func TestTrackerListenKeyExpired(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", []byte(`{"e":"listenKeyExpired","E":1700000000000,"listenKey":"abc"}`))
	require.Error(t, err)
	assert.True(t, errs.IsSessionExpired(err))
}

func TestTrackerIgnoresOtherEvents(t *testing.T) {
	tr := newTestTracker()
	for _, raw := range []string{
		`{"e":"TRADE_LITE","E":1}`,
		`{"e":"MARGIN_CALL","E":1}`,
		`{"e":"SOMETHING_NEW","E":1}`,
	} {
		events, err := tr.Feed("main", []byte(raw))
		assert.NoError(t, err)
		assert.Empty(t, events)
	}
}

func fill(symbol, ps, status, rp string) []byte {
	return []byte(fmt.Sprintf(`{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{"s":%q,"S":"SELL","o":"MARKET","x":"TRADE","X":%q,"ps":%q,"rp":%q}}`,
		symbol, status, ps, rp))
}

func TestTrackerFillRealizedAttachedOnce(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "1", "40000", "0")))
	require.NoError(t, err)

	_, err = tr.Feed("main", fill("BTCUSDT", "BOTH", "PARTIALLY_FILLED", "10"))
	require.NoError(t, err)
	_, err = tr.Feed("main", fill("BTCUSDT", "BOTH", "FILLED", "5.5"))
	require.NoError(t, err)
	_, err = tr.Feed("main", fill("BTCUSDT", "BOTH", "NEW", "100"))
	require.NoError(t, err)

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.4", "40000", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ChangeDecrease, events[0].Kind)
	assert.True(t, events[0].Realized().Equal(dec("15.5")))

	events, err = tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].RealizedPnl.Valid, "accumulated pnl is consumed by the first reducing change")
}

func TestTrackerFillAfterCloseNeverCarriesToNextRoundTrip(t *testing.T) {
	tr := newTestTracker()
	feed := func(raw []byte) []models.PositionChangeEvent {
		t.Helper()
		events, err := tr.Feed("main", raw)
		require.NoError(t, err)
		return events
	}

	feed(accountUpdate(entry("BTCUSDT", "BOTH", "0.1", "40000", "0")))
	first := feed(accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.Len(t, first, 1)
	feed(fill("BTCUSDT", "BOTH", "FILLED", "50"))

	reopen := feed(accountUpdate(entry("BTCUSDT", "BOTH", "0.2", "41000", "0")))
	require.Len(t, reopen, 1)
	assert.Equal(t, models.ChangeOpen, reopen[0].Kind)
	feed(fill("BTCUSDT", "BOTH", "FILLED", "-3"))
	second := feed(accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))

	require.Len(t, second, 1)
	assert.Equal(t, models.ChangeClose, second[0].Kind)
	assert.True(t, second[0].Realized().Equal(dec("-3")), "got %s", second[0].Realized())
	assert.False(t, first[0].RealizedPnl.Valid)
}

func TestTrackerLateFillGoesToItsClose(t *testing.T) {
	tr := newTestTracker()
	type attach struct {
		key     models.PositionKey
		closeID string
		amount  decimal.Decimal
	}
	var got []attach
	accept := true
	tr.SetLateFill(func(key models.PositionKey, closeID string, amount decimal.Decimal) bool {
		got = append(got, attach{key, closeID, amount})
		return accept
	})

	_, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.1", "40000", "0")))
	require.NoError(t, err)
	closed, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, closed, 1)

	_, err = tr.Feed("main", fill("BTCUSDT", "BOTH", "FILLED", "50"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, closed[0].ID, got[0].closeID)
	assert.Equal(t, closed[0].Key, got[0].key)
	assert.True(t, got[0].amount.Equal(dec("50")))

	accept = false
	_, err = tr.Feed("main", fill("BTCUSDT", "BOTH", "FILLED", "7"))
	require.NoError(t, err)
	require.Len(t, got, 2)

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "-0.5", "41000", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, err = tr.Feed("main", fill("BTCUSDT", "BOTH", "FILLED", "2"))
	require.NoError(t, err)
	assert.Len(t, got, 2, "fills for an open position accumulate instead")

	events, err = tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Realized().Equal(dec("2")), "rejected late fills are discarded")
}

func TestTrackerAccountConfigLeverage(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", []byte(`{"e":"ACCOUNT_CONFIG_UPDATE","E":1,"T":1,"ac":{"s":"BTCUSDT","l":25}}`))
	require.NoError(t, err)

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.01", "40000", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 25, events[0].After.Leverage)
}

func TestTrackerResetAccountIsSilent(t *testing.T) {
	tr := newTestTracker()
	tr.ResetAccount("main", []models.PositionSnapshot{{
		Key:        models.PositionKey{Symbol: "BTCUSDT", PositionSide: "BOTH"},
		Amount:     dec("-2"),
		EntryPrice: dec("30000"),
		Leverage:   10,
	}})

	events, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "-2", "30000", "5")))
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0", "0", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.SideShort, events[0].Side)
	assert.Equal(t, 10, events[0].Before.Leverage)
}

func TestTrackerAccountsAreIndependent(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("a", accountUpdate(entry("BTCUSDT", "BOTH", "1", "100", "0")))
	require.NoError(t, err)
	events, err := tr.Feed("b", accountUpdate(entry("BTCUSDT", "BOTH", "1", "100", "0")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ChangeOpen, events[0].Kind)
	assert.Equal(t, []string{"a", "b"}, tr.Store().Accounts())
}

func TestTrackerPositiveSequenceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 50; run++ {
		tr := newTestTracker()
		prev := decimal.Zero
		n := 1 + rng.Intn(20)
		for i := 0; i < n; i++ {
			amt := decimal.NewFromInt(int64(1 + rng.Intn(10)))
			events := tr.Apply("main", []PositionUpdate{{Symbol: "BTCUSDT", PositionSide: "BOTH", Amount: amt}}, time.Now())

			var want models.ChangeKind
			switch {
			case i == 0:
				want = models.ChangeOpen
			case amt.GreaterThan(prev):
				want = models.ChangeIncrease
			case amt.LessThan(prev):
				want = models.ChangeDecrease
			}
			if want == "" {
				assert.Empty(t, events, "run %d step %d", run, i)
			} else {
				require.Len(t, events, 1, "run %d step %d", run, i)
				assert.Equal(t, want, events[0].Kind, "run %d step %d", run, i)
				assert.Equal(t, models.SideLong, events[0].Side)
			}
			prev = amt
		}
	}
}

func TestTrackerResyncEmitsMissedChanges(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(
		entry("BTCUSDT", "BOTH", "0.1", "40000", "0"),
		entry("ETHUSDT", "BOTH", "2", "2000", "30"),
		entry("SOLUSDT", "BOTH", "-5", "150", "0"),
	))
	require.NoError(t, err)

	var diag []models.PositionChangeEvent
	tr.SetDiagnostics(func(ev models.PositionChangeEvent) { diag = append(diag, ev) })

	events := tr.Resync("main", []models.PositionSnapshot{
		{Key: models.PositionKey{Symbol: "ETHUSDT", PositionSide: "BOTH"}, Amount: dec("3"), EntryPrice: dec("2100"), MarkPrice: dec("2150"), UnrealizedPnl: dec("150"), Leverage: 5},
		{Key: models.PositionKey{Symbol: "SOLUSDT", PositionSide: "BOTH"}, Amount: dec("-5"), EntryPrice: dec("150"), MarkPrice: dec("140")},
		{Key: models.PositionKey{Symbol: "XRPUSDT", PositionSide: "BOTH"}, Amount: dec("100"), EntryPrice: dec("0.5")},
	}, time.Now())

	require.Len(t, events, 3)
	assert.Equal(t, models.ChangeIncrease, events[0].Kind)
	assert.Equal(t, "ETHUSDT", events[0].Key.Symbol)
	assert.Equal(t, 5, events[0].After.Leverage)
	assert.Equal(t, models.ChangeOpen, events[1].Kind)
	assert.Equal(t, "XRPUSDT", events[1].Key.Symbol)
	assert.Equal(t, models.ChangeClose, events[2].Kind)
	assert.Equal(t, "BTCUSDT", events[2].Key.Symbol)
	assert.Equal(t, models.SideLong, events[2].Side)
	assert.Len(t, diag, 3)

	sol, ok := tr.Store().Get(models.PositionKey{Account: "main", Symbol: "SOLUSDT", PositionSide: "BOTH"})
	require.True(t, ok)
	assert.True(t, sol.MarkPrice.Equal(dec("140")))

	assert.Empty(t, tr.Resync("main", []models.PositionSnapshot{
		{Key: models.PositionKey{Symbol: "ETHUSDT", PositionSide: "BOTH"}, Amount: dec("3"), EntryPrice: dec("2100")},
		{Key: models.PositionKey{Symbol: "SOLUSDT", PositionSide: "BOTH"}, Amount: dec("-5"), EntryPrice: dec("150")},
		{Key: models.PositionKey{Symbol: "XRPUSDT", PositionSide: "BOTH"}, Amount: dec("100"), EntryPrice: dec("0.5")},
	}, time.Now()))
}

func TestTrackerResyncClosesPositionMissingFromSnapshot(t *testing.T) {
	tr := newTestTracker()
	_, err := tr.Feed("main", accountUpdate(entry("BTCUSDT", "BOTH", "0.1", "40000", "8")))
	require.NoError(t, err)

	events := tr.Resync("main", nil, time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, models.ChangeClose, events[0].Kind)
	assert.True(t, events[0].Before.Amount.Equal(dec("0.1")))
	assert.True(t, events[0].Estimated)
	assert.True(t, events[0].Realized().Equal(dec("8")))
	assert.Empty(t, tr.Store().Positions("main"))
}
