package tickerstore

import (
	"testing"
	"time"

	"github.com/vyx/screener/internal/model"
)

func TestStore_UpdateAndLastPrice(t *testing.T) {
	s := New()
	s.Update("BTCUSDT", model.Ticker{Symbol: "BTCUSDT", LastPrice: 100})
	price, ok := s.LastPrice("BTCUSDT")
	if !ok || price != 100 {
		t.Fatalf("LastPrice = (%v, %v), want (100, true)", price, ok)
	}
}

func TestStore_LastPriceMissingSymbol(t *testing.T) {
	s := New()
	_, ok := s.LastPrice("ETHUSDT")
	if ok {
		t.Fatalf("expected ok = false for an untracked symbol")
	}
}

func TestStore_SnapshotReturnsAllTickers(t *testing.T) {
	s := New()
	s.Update("BTCUSDT", model.Ticker{Symbol: "BTCUSDT", LastPrice: 100})
	s.Update("ETHUSDT", model.Ticker{Symbol: "ETHUSDT", LastPrice: 50})
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2", len(snap))
	}
}

func TestStore_PruneStaleRemovesInactiveOldEntries(t *testing.T) {
	s := New()
	s.Update("BTCUSDT", model.Ticker{Symbol: "BTCUSDT", LastPrice: 100})
	s.Update("ETHUSDT", model.Ticker{Symbol: "ETHUSDT", LastPrice: 50})

	removed := s.PruneStale(map[string]struct{}{"BTCUSDT": {}}, -time.Second)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.LastPrice("ETHUSDT"); ok {
		t.Fatalf("expected ETHUSDT to be pruned")
	}
	if _, ok := s.LastPrice("BTCUSDT"); !ok {
		t.Fatalf("expected BTCUSDT (active set) to survive")
	}
}

func TestStore_PruneStaleKeepsRecentInactiveEntries(t *testing.T) {
	s := New()
	s.Update("BTCUSDT", model.Ticker{Symbol: "BTCUSDT", LastPrice: 100})

	removed := s.PruneStale(map[string]struct{}{}, time.Hour)
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 for a fresh entry", removed)
	}
}
