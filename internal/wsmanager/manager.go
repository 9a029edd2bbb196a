// Package wsmanager manages a keyed table of named websocket connections
// over gorilla/websocket, generalizing the teacher's single hard-coded
// connection (pkg/binance/websocket.go) into one Connect/Disconnect per key
// with independent reconnect state.
package wsmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Reconnect backoff parameters. REDESIGN FLAG: the teacher's websocket
// client uses a 1s base, x2 multiplier, 60s cap; this manager implements
// the corrected 1000ms/x1.5/30000ms formula exactly.
const (
	initialBackoff = 1000 * time.Millisecond
	backoffFactor  = 1.5
	maxBackoff     = 30000 * time.Millisecond
)

// ConnStatus is the lifecycle state of a connection or the manager overall.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// Handlers are the callbacks invoked for a single named connection. A panic
// raised from any handler is recovered and reported to the manager's error
// sink rather than crashing the connection's goroutine.
type Handlers struct {
	OnMessage    func(message []byte)
	OnConnect    func()
	OnDisconnect func(err error)
}

type connection struct {
	key           string
	url           string
	handlers      Handlers
	autoReconnect bool

	mu        sync.Mutex
	conn      *websocket.Conn
	status    ConnStatus
	intentional bool
	backoff   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns a keyed table of named websocket connections.
type Manager struct {
	mu      sync.RWMutex
	conns   map[string]*connection
	closing bool

	log     zerolog.Logger
	onError func(component string, err error)

	listenersMu sync.Mutex
	listeners   []func(ConnStatus)
}

// New constructs a Manager. onError reports dial failures and recovered
// handler panics under the WEBSOCKET category; pass nil to ignore.
func New(log zerolog.Logger, onError func(component string, err error)) *Manager {
	return &Manager{
		conns:   make(map[string]*connection),
		log:     log.With().Str("component", "wsmanager").Logger(),
		onError: onError,
	}
}

// Connect opens a websocket connection under key, replacing any existing
// connection registered under the same key.
func (m *Manager) Connect(key, url string, handlers Handlers, autoReconnect bool) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return fmt.Errorf("wsmanager: shutting down, refusing connect for %q", key)
	}
	if old, ok := m.conns[key]; ok {
		m.teardown(old)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		key:           key,
		url:           url,
		handlers:      handlers,
		autoReconnect: autoReconnect,
		status:        StatusConnecting,
		backoff:       initialBackoff,
		ctx:           ctx,
		cancel:        cancel,
	}
	m.conns[key] = c
	m.mu.Unlock()

	return m.dialAndServe(c)
}

// dialAndServe performs one dial attempt, starting the read loop on
// success. On failure it schedules a reconnect (if enabled) instead of
// returning an error from within the loop; the initial call does return the
// dial error so Connect's caller learns about an immediately-bad URL.
func (m *Manager) dialAndServe(c *connection) error {
	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		m.reportError(fmt.Errorf("dial %s: %w", c.key, err))
		m.scheduleReconnect(c)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.backoff = initialBackoff
	c.mu.Unlock()
	m.setOverallStatus(StatusConnected)

	if c.handlers.OnConnect != nil {
		m.guard(c, c.handlers.OnConnect)
	}

	go m.readLoop(c)
	return nil
}

func (m *Manager) readLoop(c *connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.intentional
			c.mu.Unlock()
			if c.handlers.OnDisconnect != nil {
				m.guard(c, func() { c.handlers.OnDisconnect(err) })
			}
			if !intentional {
				m.reportError(fmt.Errorf("read %s: %w", c.key, err))
				m.scheduleReconnect(c)
			}
			return
		}

		if c.handlers.OnMessage != nil {
			m.guard(c, func() { c.handlers.OnMessage(message) })
		}
	}
}

// guard invokes fn, recovering any panic and routing it to the error sink
// so one bad handler never takes down a connection's read loop.
func (m *Manager) guard(c *connection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.reportError(fmt.Errorf("handler panic on %s: %v", c.key, r))
		}
	}()
	fn()
}

func (m *Manager) scheduleReconnect(c *connection) {
	if !c.autoReconnect {
		m.setOverallStatus(StatusDisconnected)
		return
	}

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.status = StatusReconnecting
	delay := c.backoff
	c.backoff = time.Duration(float64(c.backoff) * backoffFactor)
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	c.mu.Unlock()
	m.setOverallStatus(StatusReconnecting)

	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_ = m.dialAndServe(c)
	}()
}

// Disconnect closes the connection under key cleanly and cancels any
// pending reconnect. It is not an error to disconnect an unknown key.
func (m *Manager) Disconnect(key string) error {
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.teardown(c)
	return nil
}

func (m *Manager) teardown(c *connection) {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.conn = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

// Shutdown closes every connection, cancels every pending reconnect, and
// refuses further Connect calls.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closing = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	for _, c := range conns {
		m.teardown(c)
	}
	m.setOverallStatus(StatusDisconnected)
}

// IsConnected reports whether key currently has an open connection.
func (m *Manager) IsConnected(key string) bool {
	m.mu.RLock()
	c, ok := m.conns[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected
}

// OverallStatus summarizes every tracked connection: Reconnecting if any
// connection is reconnecting, Connected if every connection is connected,
// Disconnected otherwise.
func (m *Manager) OverallStatus() ConnStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.conns) == 0 {
		return StatusDisconnected
	}
	anyReconnecting := false
	allConnected := true
	for _, c := range m.conns {
		c.mu.Lock()
		st := c.status
		c.mu.Unlock()
		if st == StatusReconnecting {
			anyReconnecting = true
		}
		if st != StatusConnected {
			allConnected = false
		}
	}
	switch {
	case anyReconnecting:
		return StatusReconnecting
	case allConnected:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// AddStatusListener registers fn to be called whenever the manager's
// OverallStatus transitions.
func (m *Manager) AddStatusListener(fn func(ConnStatus)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) setOverallStatus(_ ConnStatus) {
	status := m.OverallStatus()
	m.listenersMu.Lock()
	listeners := make([]func(ConnStatus), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(status)
	}
}

func (m *Manager) reportError(err error) {
	if m.onError != nil {
		m.onError("WEBSOCKET", err)
		return
	}
	m.log.Error().Err(err).Msg("wsmanager error")
}
