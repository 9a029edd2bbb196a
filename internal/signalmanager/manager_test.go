package signalmanager

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/model"
)

func newTestManager() *Manager {
	return New(Config{DedupeThreshold: 3}, nil, zerolog.Nop())
}

func TestManager_SubmitFirstMatchCreatesSignal(t *testing.T) {
	m := newTestManager()
	sig := m.Submit("t1", "BTCUSDT", 1000, 100, map[string]any{"interval": "1m"})
	if sig.Count != 1 {
		t.Fatalf("Count = %d, want 1", sig.Count)
	}
	if sig.Status != model.SignalActive {
		t.Fatalf("Status = %v, want active", sig.Status)
	}
}

func TestManager_SubmitWithinThresholdIncrementsCount(t *testing.T) {
	m := newTestManager()
	first := m.Submit("t1", "BTCUSDT", 0, 100, map[string]any{"interval": "1m"})

	// 2 bars later (threshold is 3): still within window -> increments.
	second := m.Submit("t1", "BTCUSDT", 2*time.Minute.Milliseconds(), 101, map[string]any{"interval": "1m"})

	if second.ID != first.ID {
		t.Fatalf("expected the same signal ID to be reused, got %q vs %q", second.ID, first.ID)
	}
	if second.Count != 2 {
		t.Fatalf("Count = %d, want 2", second.Count)
	}
}

func TestManager_SubmitPastThresholdCreatesNewSignal(t *testing.T) {
	m := newTestManager()
	first := m.Submit("t1", "BTCUSDT", 0, 100, map[string]any{"interval": "1m"})

	// 5 bars later (threshold is 3): past the window -> new signal.
	second := m.Submit("t1", "BTCUSDT", 5*time.Minute.Milliseconds(), 101, map[string]any{"interval": "1m"})

	if second.ID == first.ID {
		t.Fatalf("expected a new signal ID past the dedupe window")
	}
	if second.Count != 1 {
		t.Fatalf("Count = %d, want 1 for a fresh signal", second.Count)
	}
}

func TestManager_SubmitDifferentSymbolsAreIndependent(t *testing.T) {
	m := newTestManager()
	btc := m.Submit("t1", "BTCUSDT", 0, 100, map[string]any{"interval": "1m"})
	eth := m.Submit("t1", "ETHUSDT", 0, 100, map[string]any{"interval": "1m"})
	if btc.ID == eth.ID {
		t.Fatalf("expected independent dedup state per symbol")
	}
}

func TestManager_UpdatePriceOnlyTouchesActiveSignalsForSymbol(t *testing.T) {
	m := newTestManager()
	sig := m.Submit("t1", "BTCUSDT", 0, 100, map[string]any{"interval": "1m"})
	m.Submit("t1", "ETHUSDT", 0, 50, map[string]any{"interval": "1m"})

	m.UpdatePrice("BTCUSDT", 250)

	got := m.List(ListFilter{TraderIDs: []string{"t1"}, Symbol: "BTCUSDT"})
	if len(got) != 1 || got[0].PriceAtSignal != 250 {
		t.Fatalf("BTCUSDT signal price not updated: %+v", got)
	}

	ethList := m.List(ListFilter{TraderIDs: []string{"t1"}, Symbol: "ETHUSDT"})
	if len(ethList) != 1 || ethList[0].PriceAtSignal != 50 {
		t.Fatalf("ETHUSDT signal price should be untouched: %+v", ethList)
	}
	_ = sig
}

func TestManager_CloseMovesSignalToClosedStore(t *testing.T) {
	m := newTestManager()
	sig := m.Submit("t1", "BTCUSDT", 0, 100, nil)

	if !m.Close(sig.ID) {
		t.Fatalf("Close() = false, want true")
	}
	if m.Close(sig.ID) {
		t.Fatalf("second Close() = true, want false (already closed)")
	}

	active := m.List(ListFilter{Status: model.SignalActive})
	if len(active) != 0 {
		t.Fatalf("expected no active signals after Close, got %d", len(active))
	}
	closed := m.List(ListFilter{Status: model.SignalClosed})
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed signal, got %d", len(closed))
	}
}

func TestManager_CleanupOldSignalsEvictsByAge(t *testing.T) {
	m := newTestManager()
	m.Submit("t1", "BTCUSDT", 0, 100, nil)

	evictedActive, evictedClosed := m.CleanupOldSignals(-time.Second, time.Hour)
	if evictedActive != 1 {
		t.Fatalf("evictedActive = %d, want 1 for a negative maxAge", evictedActive)
	}
	if evictedClosed != 0 {
		t.Fatalf("evictedClosed = %d, want 0", evictedClosed)
	}
	if len(m.List(ListFilter{})) != 0 {
		t.Fatalf("expected the store to be empty after eviction")
	}
}

func TestManager_InsertRemoteSkipsDedupAndTagsRemote(t *testing.T) {
	var captured func(model.Signal)
	feed := fakeFeed{subscribe: func(fn func(model.Signal)) func() {
		captured = fn
		return func() {}
	}}
	m := New(Config{}, feed, zerolog.Nop())

	captured(model.Signal{ID: "remote-1", TraderID: "t1", Symbol: "BTCUSDT", Status: model.SignalActive, Count: 1})
	captured(model.Signal{ID: "remote-2", TraderID: "t1", Symbol: "BTCUSDT", Status: model.SignalActive, Count: 1})

	all := m.List(ListFilter{Symbol: "BTCUSDT"})
	if len(all) != 2 {
		t.Fatalf("expected both remote signals inserted without dedup, got %d", len(all))
	}
	remoteOnly := m.List(ListFilter{Symbol: "BTCUSDT", RemoteOnly: true})
	if len(remoteOnly) != 2 {
		t.Fatalf("expected RemoteOnly filter to include fused signals, got %d", len(remoteOnly))
	}
}

func TestManager_RecentSymbolsOrdersNewestFirstAndDedups(t *testing.T) {
	m := newTestManager()
	m.Submit("t1", "BTCUSDT", 0, 100, nil)
	m.Submit("t1", "ETHUSDT", 3*time.Minute.Milliseconds(), 50, nil)
	m.Submit("t2", "BTCUSDT", 4*time.Minute.Milliseconds(), 110, nil)

	got := m.RecentSymbols(2)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0] != "BTCUSDT" {
		t.Fatalf("got[0] = %q, want BTCUSDT (most recently detected)", got[0])
	}
}

func TestManager_TruncateClosedLogKeepsMostRecent(t *testing.T) {
	m := newTestManager()
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		sig := m.Submit("t1", "SYM"+string(rune('A'+i)), 0, 100, nil)
		ids = append(ids, sig.ID)
	}
	for _, id := range ids {
		m.Close(id)
	}

	removed := m.TruncateClosedLog(2)
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if len(m.List(ListFilter{Status: model.SignalClosed})) != 2 {
		t.Fatalf("expected 2 closed signals to remain")
	}
}

func TestManager_OnSignalNotifiesOnFirstDetectionOnly(t *testing.T) {
	m := newTestManager()
	var received []model.Signal
	unsubscribe := m.OnSignal(func(sig model.Signal) {
		received = append(received, sig)
	})
	defer unsubscribe()

	m.Submit("t1", "BTCUSDT", 0, 100, map[string]any{"interval": "1m"})
	m.Submit("t1", "BTCUSDT", 2*time.Minute.Milliseconds(), 101, map[string]any{"interval": "1m"})

	if len(received) != 1 {
		t.Fatalf("len(received) = %d, want 1 (only the first detection notifies)", len(received))
	}
}

func TestManager_UnsubscribeStopsNotifications(t *testing.T) {
	m := newTestManager()
	calls := 0
	unsubscribe := m.OnSignal(func(model.Signal) { calls++ })
	unsubscribe()

	m.Submit("t1", "BTCUSDT", 0, 100, nil)
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestManager_ListFiltersByTraderIDSet(t *testing.T) {
	m := newTestManager()
	m.Submit("t1", "BTCUSDT", 0, 100, nil)
	m.Submit("t2", "BTCUSDT", 0, 100, nil)
	m.Submit("t3", "BTCUSDT", 0, 100, nil)

	got := m.List(ListFilter{TraderIDs: []string{"t1", "t3"}})
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	for _, sig := range got {
		if sig.TraderID == "t2" {
			t.Fatalf("t2 should have been excluded by the TraderIDs filter")
		}
	}
}

func TestManager_ListAppliesOffsetAndLimitNewestFirst(t *testing.T) {
	m := newTestManager()
	first := m.Submit("t1", "BTCUSDT", 0, 100, nil)
	time.Sleep(time.Millisecond)
	second := m.Submit("t1", "ETHUSDT", 0, 100, nil)
	time.Sleep(time.Millisecond)
	third := m.Submit("t1", "SOLUSDT", 0, 100, nil)

	all := m.List(ListFilter{})
	if len(all) != 3 || all[0].ID != third.ID || all[2].ID != first.ID {
		t.Fatalf("expected newest-first ordering, got %+v", all)
	}

	page := m.List(ListFilter{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != second.ID {
		t.Fatalf("expected the middle signal from offset=1,limit=1, got %+v", page)
	}
}

func TestManager_ListOffsetBeyondResultsReturnsEmpty(t *testing.T) {
	m := newTestManager()
	m.Submit("t1", "BTCUSDT", 0, 100, nil)

	if got := m.List(ListFilter{Offset: 10}); len(got) != 0 {
		t.Fatalf("expected an empty slice for an offset beyond the result set, got %+v", got)
	}
}

type fakePriceSource struct {
	price float64
	ok    bool
}

func (f fakePriceSource) LastPrice(symbol string) (float64, bool) { return f.price, f.ok }

func TestManager_CurrentPriceReadsThroughInstalledSource(t *testing.T) {
	m := newTestManager()
	if _, ok := m.CurrentPrice("BTCUSDT"); ok {
		t.Fatalf("expected CurrentPrice to report false with no PriceSource installed")
	}

	m.SetPriceSource(fakePriceSource{price: 50000, ok: true})
	price, ok := m.CurrentPrice("BTCUSDT")
	if !ok || price != 50000 {
		t.Fatalf("CurrentPrice() = (%v, %v), want (50000, true)", price, ok)
	}
}

type fakeFeed struct {
	subscribe func(func(model.Signal)) func()
}

func (f fakeFeed) Subscribe(fn func(model.Signal)) func() {
	return f.subscribe(fn)
}
