package errormonitor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMonitor_RecordErrorCreatesEvent(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	ev := m.RecordError(CategoryNetwork, SeverityHigh, "dial timeout", nil)
	if ev.Count != 1 {
		t.Fatalf("Count = %d, want 1", ev.Count)
	}
	if ev.Category != CategoryNetwork || ev.Severity != SeverityHigh {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestMonitor_DuplicateWithinWindowIncrementsCount(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	m.RecordError(CategoryNetwork, SeverityHigh, "dial timeout", nil)
	second := m.RecordError(CategoryNetwork, SeverityHigh, "dial timeout", nil)
	if second.Count != 2 {
		t.Fatalf("Count = %d, want 2", second.Count)
	}
	stats := m.Stats()
	if stats.TotalErrors != 1 {
		t.Fatalf("TotalErrors = %d, want 1 (deduped)", stats.TotalErrors)
	}
}

func TestMonitor_DifferentMessagesAreIndependent(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	m.RecordError(CategoryNetwork, SeverityHigh, "dial timeout", nil)
	m.RecordError(CategoryNetwork, SeverityHigh, "connection reset", nil)
	stats := m.Stats()
	if stats.TotalErrors != 2 {
		t.Fatalf("TotalErrors = %d, want 2", stats.TotalErrors)
	}
}

func TestMonitor_LongMessageIsTruncated(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	long := make([]byte, DefaultMaxMessageLen+50)
	for i := range long {
		long[i] = 'x'
	}
	ev := m.RecordError(CategoryParsing, SeverityLow, string(long), nil)
	if len(ev.Message) != DefaultMaxMessageLen {
		t.Fatalf("len(Message) = %d, want %d", len(ev.Message), DefaultMaxMessageLen)
	}
}

func TestMonitor_SensitiveMetadataKeysAreStripped(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	ev := m.RecordError(CategoryDataFetch, SeverityMedium, "fetch failed", map[string]string{
		"api_key":  "shouldnotappear",
		"Password": "shouldnotappear",
		"symbol":   "BTCUSDT",
	})
	if _, ok := ev.Metadata["api_key"]; ok {
		t.Fatalf("expected api_key to be stripped")
	}
	if _, ok := ev.Metadata["Password"]; ok {
		t.Fatalf("expected Password to be stripped")
	}
	if ev.Metadata["symbol"] != "BTCUSDT" {
		t.Fatalf("expected non-sensitive key to survive, got %+v", ev.Metadata)
	}
}

func TestMonitor_ExceedingThresholdSynthesizesCriticalAlert(t *testing.T) {
	m := New(Config{Thresholds: map[Category]int{CategoryNetwork: 2}}, zerolog.Nop())
	var alerts []ErrorEvent
	unsub := m.Subscribe(func(ev ErrorEvent) { alerts = append(alerts, ev) })
	defer unsub()

	for i := 0; i < 4; i++ {
		m.RecordError(CategoryNetwork, SeverityHigh, "timeout "+string(rune('a'+i)), nil)
	}

	if len(alerts) == 0 {
		t.Fatalf("expected at least one CRITICAL alert once the threshold was exceeded")
	}
	for _, a := range alerts {
		if a.Severity != SeverityCritical {
			t.Errorf("alert severity = %v, want CRITICAL", a.Severity)
		}
	}
}

func TestMonitor_ShouldRecoverFalseWhileOverThreshold(t *testing.T) {
	m := New(Config{Thresholds: map[Category]int{CategoryNetwork: 1}}, zerolog.Nop())
	m.RecordError(CategoryNetwork, SeverityHigh, "a", nil)
	m.RecordError(CategoryNetwork, SeverityHigh, "b", nil)
	if m.ShouldRecover(CategoryNetwork) {
		t.Fatalf("ShouldRecover = true, want false while over threshold")
	}
}

func TestMonitor_ShouldRecoverTrueForQuietCategory(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	if !m.ShouldRecover(CategoryCache) {
		t.Fatalf("ShouldRecover = false, want true for a category with no recorded errors")
	}
}

func TestMonitor_StatsReflectsByCategoryAndBySeverity(t *testing.T) {
	m := New(Config{}, zerolog.Nop())
	m.RecordError(CategoryNetwork, SeverityHigh, "a", nil)
	m.RecordError(CategoryCache, SeverityLow, "b", nil)
	stats := m.Stats()
	if stats.ByCategory[CategoryNetwork] != 1 || stats.ByCategory[CategoryCache] != 1 {
		t.Fatalf("ByCategory = %+v", stats.ByCategory)
	}
	if stats.BySeverity[SeverityHigh] != 1 || stats.BySeverity[SeverityLow] != 1 {
		t.Fatalf("BySeverity = %+v", stats.BySeverity)
	}
	if len(stats.RecentErrors) != 2 {
		t.Fatalf("RecentErrors = %d, want 2", len(stats.RecentErrors))
	}
}

func TestMonitor_UnsubscribeStopsDelivery(t *testing.T) {
	m := New(Config{Thresholds: map[Category]int{CategoryNetwork: 1}}, zerolog.Nop())
	calls := 0
	unsub := m.Subscribe(func(ErrorEvent) { calls++ })
	unsub()

	for i := 0; i < 3; i++ {
		m.RecordError(CategoryNetwork, SeverityHigh, "x "+string(rune('a'+i)), nil)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after unsubscribe", calls)
	}
}

func TestMonitor_BufferRetainsAtMostCapacity(t *testing.T) {
	m := New(Config{BufferCapacity: 3}, zerolog.Nop())
	for i := 0; i < 10; i++ {
		m.RecordError(CategoryUnknown, SeverityLow, time.Now().String()+string(rune('a'+i)), nil)
	}
	stats := m.Stats()
	if len(stats.RecentErrors) != 3 {
		t.Fatalf("RecentErrors = %d, want 3 (bounded by BufferCapacity)", len(stats.RecentErrors))
	}
}
