package kvstore

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Persisted key names, named explicitly by the specification.
const (
	KeyKlineHistoryConfig = "klineHistoryConfig"
	KeySignalDedupeThresh = "signalDedupeThreshold"
	KeyFavorites          = "favorites"
	KeySignalHistory      = "signalHistory"
)

// MaxSignalHistoryEntries is the retained-entry cap enforced before every
// persist.
const MaxSignalHistoryEntries = 500

// MaxSignalHistoryBytes is the hard size cap enforced before Set is called.
const MaxSignalHistoryBytes = 2 * 1024 * 1024

// KlineHistoryConfig controls per-timeframe retained-kline limits.
type KlineHistoryConfig struct {
	ScreenerLimit int `json:"screenerLimit"`
	AnalysisLimit int `json:"analysisLimit"`
}

// SignalHistoryEntry tracks per-(trader,symbol) dedup progress across
// restarts.
type SignalHistoryEntry struct {
	BarCount     int   `json:"barCount"`
	LastOpenTime int64 `json:"lastOpenTime"`
}

// GetKlineHistoryConfig reads the klineHistoryConfig key, if present.
func GetKlineHistoryConfig(s Store) (KlineHistoryConfig, bool) {
	var cfg KlineHistoryConfig
	raw, ok := s.Get(KeyKlineHistoryConfig)
	if !ok {
		return cfg, false
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return KlineHistoryConfig{}, false
	}
	return cfg, true
}

// SetKlineHistoryConfig persists cfg under klineHistoryConfig.
func SetKlineHistoryConfig(s Store, cfg KlineHistoryConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("kvstore: marshal klineHistoryConfig: %w", err)
	}
	return s.Set(KeyKlineHistoryConfig, raw)
}

// GetFavorites reads the favorites key (a list of trader IDs).
func GetFavorites(s Store) ([]string, bool) {
	var favorites []string
	raw, ok := s.Get(KeyFavorites)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal(raw, &favorites); err != nil {
		return nil, false
	}
	return favorites, true
}

// SetFavorites persists favorites under the favorites key.
func SetFavorites(s Store, favorites []string) error {
	raw, err := json.Marshal(favorites)
	if err != nil {
		return fmt.Errorf("kvstore: marshal favorites: %w", err)
	}
	return s.Set(KeyFavorites, raw)
}

// GetSignalHistory reads the signalHistory map, keyed "traderId:symbol".
func GetSignalHistory(s Store) (map[string]SignalHistoryEntry, bool) {
	history := make(map[string]SignalHistoryEntry)
	raw, ok := s.Get(KeySignalHistory)
	if !ok {
		return history, false
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, false
	}
	return history, true
}

// SetSignalHistory truncates history to its MaxSignalHistoryEntries
// most-recently-touched entries (by LastOpenTime), then persists it --
// refusing to call Set at all if the truncated encoding still exceeds
// MaxSignalHistoryBytes, per the specification's hard cap.
func SetSignalHistory(s Store, history map[string]SignalHistoryEntry) error {
	truncated := truncateSignalHistory(history, MaxSignalHistoryEntries)

	raw, err := json.Marshal(truncated)
	if err != nil {
		return fmt.Errorf("kvstore: marshal signalHistory: %w", err)
	}
	if len(raw) > MaxSignalHistoryBytes {
		return fmt.Errorf("kvstore: signalHistory encoding is %d bytes, exceeds %d byte cap", len(raw), MaxSignalHistoryBytes)
	}
	return s.Set(KeySignalHistory, raw)
}

func truncateSignalHistory(history map[string]SignalHistoryEntry, maxEntries int) map[string]SignalHistoryEntry {
	if len(history) <= maxEntries {
		return history
	}

	type keyed struct {
		key   string
		entry SignalHistoryEntry
	}
	all := make([]keyed, 0, len(history))
	for k, v := range history {
		all = append(all, keyed{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].entry.LastOpenTime > all[j].entry.LastOpenTime })

	out := make(map[string]SignalHistoryEntry, maxEntries)
	for _, kv := range all[:maxEntries] {
		out[kv.key] = kv.entry
	}
	return out
}
