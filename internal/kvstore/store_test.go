package kvstore

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFileStore_SetThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("favorites", []byte(`["trader-1","trader-2"]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, ok := s.Get("favorites")
	if !ok {
		t.Fatalf("expected favorites to be present")
	}
	if string(raw) != `["trader-1","trader-2"]` {
		t.Fatalf("Get = %s, want the stored JSON array", raw)
	}
}

func TestFileStore_GetMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get("nope")
	if ok {
		t.Fatalf("expected ok = false for a missing key")
	}
}

func TestFileStore_SetPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s1, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s1.Set("signalDedupeThreshold", []byte("50")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore (reload): %v", err)
	}
	raw, ok := s2.Get("signalDedupeThreshold")
	if !ok || string(raw) != "50" {
		t.Fatalf("Get after reload = (%s, %v), want (50, true)", raw, ok)
	}
}

func TestFileStore_MultipleKeysCoexist(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", []byte(`1`))
	s.Set("b", []byte(`2`))

	raw, ok := s.Get("a")
	if !ok || string(raw) != "1" {
		t.Fatalf("Get(a) = (%s, %v), want (1, true)", raw, ok)
	}
	raw, ok = s.Get("b")
	if !ok || string(raw) != "2" {
		t.Fatalf("Get(b) = (%s, %v), want (2, true)", raw, ok)
	}
}

func TestSetSignalHistory_TruncatesToMostRecent(t *testing.T) {
	s := newTestStore(t)
	history := make(map[string]SignalHistoryEntry, MaxSignalHistoryEntries+10)
	for i := 0; i < MaxSignalHistoryEntries+10; i++ {
		history[fmt.Sprintf("trader-1:SYM%d", i)] = SignalHistoryEntry{BarCount: 1, LastOpenTime: int64(i)}
	}

	if err := SetSignalHistory(s, history); err != nil {
		t.Fatalf("SetSignalHistory: %v", err)
	}

	got, ok := GetSignalHistory(s)
	if !ok {
		t.Fatalf("expected signalHistory to be present after Set")
	}
	if len(got) != MaxSignalHistoryEntries {
		t.Fatalf("len(got) = %d, want %d", len(got), MaxSignalHistoryEntries)
	}
}

func TestKlineHistoryConfig_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	want := KlineHistoryConfig{ScreenerLimit: 200, AnalysisLimit: 1440}
	if err := SetKlineHistoryConfig(s, want); err != nil {
		t.Fatalf("SetKlineHistoryConfig: %v", err)
	}
	got, ok := GetKlineHistoryConfig(s)
	if !ok || got != want {
		t.Fatalf("GetKlineHistoryConfig = (%+v, %v), want (%+v, true)", got, ok, want)
	}
}
