// Package errormonitor is a categorized, deduplicated error tracker.
// Grounded on internal/container.CircularBuffer (the last-100-events ring)
// and internal/trader/metrics.go's RecordError(traderID, errorType) helper,
// generalized here from a pair of Prometheus labels into a stored,
// queryable event with its own dedup and sanitization rules -- the teacher
// has no equivalent in-process error store, only the metric counter.
package errormonitor

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/container"
)

// Category classifies the subsystem an error originated from.
type Category string

const (
	CategoryNetwork   Category = "NETWORK"
	CategoryRealtime  Category = "REALTIME"
	CategoryDataFetch Category = "DATA_FETCH"
	CategoryCache     Category = "CACHE"
	CategoryWebsocket Category = "WEBSOCKET"
	CategoryParsing   Category = "PARSING"
	CategoryUnknown   Category = "UNKNOWN"
)

// Severity ranks how urgent an error is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

const (
	// DefaultBufferCapacity is the size of the retained-event ring.
	DefaultBufferCapacity = 100
	// DefaultCriticalAlertCapacity is the size of the retained-alert ring.
	DefaultCriticalAlertCapacity = 50
	// DefaultDedupWindow is how close together two same-key errors must be
	// to collapse into one stored event.
	DefaultDedupWindow = 5 * time.Second
	// DefaultMaxMessageLen truncates stored error messages.
	DefaultMaxMessageLen = 500
	// DefaultMaxPerMinute is the threshold used for any category without
	// an explicit Config.Thresholds entry.
	DefaultMaxPerMinute = 30

	rateWindowSeconds = 60
)

var sensitiveKeyFragments = []string{"api key", "password", "token", "secret", "credential"}

// ErrorEvent is one (possibly deduplicated) tracked error.
type ErrorEvent struct {
	Category  Category
	Severity  Severity
	Message   string
	Metadata  map[string]string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// MemoryStats approximates the monitor's footprint and dedup effectiveness.
type MemoryStats struct {
	ApproxBytes    int64
	DedupSaveRatio float64
	// ErrorHistorySize is how many raw events the retained-event ring holds.
	ErrorHistorySize int
}

// ErrorStats is the snapshot returned by Stats.
type ErrorStats struct {
	TotalErrors    int
	ByCategory     map[Category]int
	BySeverity     map[Severity]int
	RecentErrors   []ErrorEvent
	CriticalAlerts []ErrorEvent
	ErrorRate      float64
	Memory         MemoryStats
}

// Config controls Monitor sizing and per-category thresholds.
type Config struct {
	BufferCapacity      int // <= 0 uses DefaultBufferCapacity
	Thresholds          map[Category]int
	DefaultMaxPerMinute int // <= 0 uses the package DefaultMaxPerMinute
}

// secondRing is a 60-bucket ring of per-second counts used to derive a
// trailing one-minute rate without storing individual timestamps.
type secondRing struct {
	buckets [rateWindowSeconds]int
	lastSec int64
}

func (r *secondRing) advance(now time.Time) {
	sec := now.Unix()
	if r.lastSec == 0 {
		r.lastSec = sec
		return
	}
	delta := sec - r.lastSec
	if delta <= 0 {
		return
	}
	if delta >= rateWindowSeconds {
		r.buckets = [rateWindowSeconds]int{}
	} else {
		for i := int64(1); i <= delta; i++ {
			r.buckets[(r.lastSec+i)%rateWindowSeconds] = 0
		}
	}
	r.lastSec = sec
}

func (r *secondRing) add(now time.Time) {
	r.advance(now)
	r.buckets[now.Unix()%rateWindowSeconds]++
}

func (r *secondRing) sum() int {
	total := 0
	for _, c := range r.buckets {
		total += c
	}
	return total
}

// Monitor tracks, deduplicates, and rate-limits errors across categories.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	mu             sync.Mutex
	buf            *container.CircularBuffer[ErrorEvent]
	critical       *container.CircularBuffer[ErrorEvent]
	dedup          map[string]*ErrorEvent
	byCategory     map[Category]int
	bySeverity     map[Severity]int
	overallRate    secondRing
	categoryRates  map[Category]*secondRing
	totalRaw       int
	totalStored    int
	listeners      map[int]func(ErrorEvent)
	nextListenerID int
}

// New constructs a Monitor.
func New(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}
	if cfg.DefaultMaxPerMinute <= 0 {
		cfg.DefaultMaxPerMinute = DefaultMaxPerMinute
	}
	return &Monitor{
		cfg:           cfg,
		log:           log.With().Str("component", "errormonitor").Logger(),
		buf:           container.NewCircularBuffer[ErrorEvent](cfg.BufferCapacity),
		critical:      container.NewCircularBuffer[ErrorEvent](DefaultCriticalAlertCapacity),
		dedup:         make(map[string]*ErrorEvent),
		byCategory:    make(map[Category]int),
		bySeverity:    make(map[Severity]int),
		categoryRates: make(map[Category]*secondRing),
		listeners:     make(map[int]func(ErrorEvent)),
	}
}

// Subscribe registers fn to be called for every synthesized CRITICAL alert
// event (not for every RecordError call). The returned func unsubscribes.
func (m *Monitor) Subscribe(fn func(ErrorEvent)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// RecordError records one error occurrence, sanitizing the message and
// metadata, collapsing it into an existing event if an equal
// category:message pair was seen within DefaultDedupWindow, and returns the
// stored (possibly incremented) event.
func (m *Monitor) RecordError(category Category, severity Severity, message string, metadata map[string]string) ErrorEvent {
	message = sanitizeMessage(message)
	metadata = sanitizeMetadata(metadata)
	now := time.Now().UTC()
	key := string(category) + ":" + message

	m.mu.Lock()
	m.totalRaw++
	m.overallRate.add(now)
	rate := m.categoryRate(category)
	rate.add(now)

	if existing, ok := m.dedup[key]; ok && now.Sub(existing.LastSeen) <= DefaultDedupWindow {
		existing.Count++
		existing.LastSeen = now
		result := *existing
		m.mu.Unlock()
		errorsDeduped.WithLabelValues(string(category)).Inc()
		return result
	}

	ev := &ErrorEvent{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	m.dedup[key] = ev
	m.byCategory[category]++
	m.bySeverity[severity]++
	m.totalStored++
	_ = m.buf.Push(*ev)

	threshold := m.thresholdFor(category)
	rateCount := rate.sum()
	var alert *ErrorEvent
	if rateCount > threshold {
		alert = &ErrorEvent{
			Category:  category,
			Severity:  SeverityCritical,
			Message:   "error rate exceeded threshold for " + string(category),
			Count:     rateCount,
			FirstSeen: now,
			LastSeen:  now,
		}
		_ = m.critical.Push(*alert)
	}

	listeners := make([]func(ErrorEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	result := *ev
	m.mu.Unlock()

	errorsRecorded.WithLabelValues(string(category), string(severity)).Inc()
	if alert != nil {
		m.log.Warn().Str("category", string(category)).Int("rate", rateCount).Msg("error rate threshold exceeded, synthesizing CRITICAL alert")
		criticalAlerts.WithLabelValues(string(category)).Inc()
		for _, fn := range listeners {
			fn(*alert)
		}
	}
	return result
}

// ShouldRecover reports whether category's trailing one-minute error rate
// is currently at or below its threshold -- FallbackController consults this
// before attempting a recovery probe for a NETWORK or REALTIME degrade, so
// a recovery attempt is not scheduled while the same category is still
// actively erroring.
func (m *Monitor) ShouldRecover(category Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate := m.categoryRate(category)
	rate.advance(time.Now().UTC())
	return rate.sum() <= m.thresholdFor(category)
}

// Stats returns a snapshot of accumulated error state.
func (m *Monitor) Stats() ErrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCategory := make(map[Category]int, len(m.byCategory))
	for k, v := range m.byCategory {
		byCategory[k] = v
	}
	bySeverity := make(map[Severity]int, len(m.bySeverity))
	for k, v := range m.bySeverity {
		bySeverity[k] = v
	}

	dedupSaveRatio := 0.0
	if m.totalRaw > 0 {
		dedupSaveRatio = 1 - float64(m.totalStored)/float64(m.totalRaw)
	}
	approxBytes := int64(m.buf.Len()+len(m.dedup)+m.critical.Len()) * approxBytesPerEvent

	return ErrorStats{
		TotalErrors:    m.totalStored,
		ByCategory:     byCategory,
		BySeverity:     bySeverity,
		RecentErrors:   m.buf.GetAll(),
		CriticalAlerts: m.critical.GetAll(),
		ErrorRate:      float64(m.overallRate.sum()),
		Memory: MemoryStats{
			ApproxBytes:      approxBytes,
			DedupSaveRatio:   dedupSaveRatio,
			ErrorHistorySize: m.buf.Len(),
		},
	}
}

const approxBytesPerEvent = 200

func (m *Monitor) categoryRate(category Category) *secondRing {
	r, ok := m.categoryRates[category]
	if !ok {
		r = &secondRing{}
		m.categoryRates[category] = r
	}
	return r
}

func (m *Monitor) thresholdFor(category Category) int {
	if t, ok := m.cfg.Thresholds[category]; ok && t > 0 {
		return t
	}
	return m.cfg.DefaultMaxPerMinute
}

func sanitizeMessage(message string) string {
	if len(message) > DefaultMaxMessageLen {
		return message[:DefaultMaxMessageLen]
	}
	return message
}

// sanitizeMetadata drops any key that, once underscores are normalized to
// spaces, contains one of the sensitive fragments as a case-insensitive
// substring (so "api_key" and "api key" are both caught).
func sanitizeMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		normalized := strings.ToLower(strings.ReplaceAll(k, "_", " "))
		sensitive := false
		for _, frag := range sensitiveKeyFragments {
			if strings.Contains(normalized, frag) {
				sensitive = true
				break
			}
		}
		if sensitive {
			continue
		}
		out[k] = v
	}
	return out
}
