// Package kvstore is the implementation-neutral configuration-persistence
// layer the core defines and consumes: a flat string-keyed JSON-value map.
// The default implementation is a single file-backed JSON document, read and
// patched with gjson/sjson rather than a full unmarshal/remarshal round
// trip -- grounded on the teacher's env/file config-loading pattern
// (pkg/config/config.go), generalized from process-start-only reads to a
// read/write store the running core can persist into.
package kvstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store is the KVStore contract the core depends on.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
}

// FileStore persists a flat key -> JSON-value document to a single file on
// every Set, guarded by a mutex for concurrent callers.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
	doc  string // raw JSON object, "{}" when empty
}

// NewFileStore loads path if it exists, or starts from an empty document.
func NewFileStore(path string, log zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		path: path,
		log:  log.With().Str("component", "kvstore").Logger(),
		doc:  "{}",
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("kvstore: reading %s: %w", path, err)
	}
	if len(raw) > 0 {
		s.doc = string(raw)
	}
	return s, nil
}

// Get returns the raw JSON value stored under key, if present.
func (s *FileStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := gjson.Get(s.doc, gjson.Escape(key))
	if !result.Exists() {
		return nil, false
	}
	return []byte(result.Raw), true
}

// Set patches key to value in the in-memory document and flushes the whole
// document to disk. value must be valid JSON (a JSON-encoded scalar,
// object, or array).
func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := sjson.SetRawBytes([]byte(s.doc), gjson.Escape(key), value)
	if err != nil {
		return fmt.Errorf("kvstore: setting %s: %w", key, err)
	}
	s.doc = string(updated)

	if err := os.WriteFile(s.path, updated, 0o644); err != nil {
		return fmt.Errorf("kvstore: writing %s: %w", s.path, err)
	}
	return nil
}
