// Package connection owns the single duplex connection of a client session:
// connect, heartbeat, outbound queueing and bounded reconnection.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/router"
)

var ErrSuperseded = errors.New("connection: attempt superseded")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

type Config struct {
	BaseURL           string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           "ws://localhost:8080",
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		DialTimeout:       10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectCap:      30 * time.Second,
		MaxReconnects:     5,
	}
}

// Backoff is the bounded linear reconnect delay: min(base*attempt, cap).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if d > cap || d < 0 {
		return cap
	}
	return d
}

// link is one physical connection; a reconnect creates a new link.
type link struct {
	conn Conn
	done chan struct{}
	once sync.Once
}

func (l *link) stop() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// Manager keeps one logical connection alive for an endpoint and routes
// everything it reads through the router.
type Manager struct {
	cfg    Config
	router *router.Router
	dialer Dialer
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	endpoint    Endpoint
	link        *link
	queue       []models.Envelope
	attempts    int
	exhausted   bool
	intentional bool
	gen         uint64
	retry       *time.Timer
}

func NewManager(cfg Config, r *router.Router, d Dialer, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectCap < cfg.ReconnectBase {
		cfg.ReconnectCap = cfg.ReconnectBase
	}
	if cfg.MaxReconnects < 0 {
		cfg.MaxReconnects = 0
	}
	if d == nil {
		d = WebsocketDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, router: r, dialer: d, logger: logger.With("component", "connection")}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the number of reconnects scheduled since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports that the reconnect budget ran out; only a new Connect recovers.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Connect opens the connection for ep. It is a no-op while a connect is
// already in flight and replaces any existing connection otherwise.
func (m *Manager) Connect(ctx context.Context, ep Endpoint) error {
	m.mu.Lock()
	if m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked()
	m.endpoint = ep
	m.intentional = false
	m.exhausted = false
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.gen++
	gen := m.gen
	ep := m.endpoint
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	target, err := ep.URL(m.cfg.BaseURL)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		return err
	}

	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		m.setStateLocked(StateDisconnected)
		m.logger.Warn("connect failed", "url", redact(target), "error", err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return fmt.Errorf("connect %s/%s: %w", ep.Role, ep.UserID, err)
	}

	l := &link{conn: conn, done: make(chan struct{})}
	m.link = l
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.flushLocked(l)
	m.mu.Unlock()

	m.logger.Info("connected", "url", redact(target))
	go m.readLoop(l)
	go m.heartbeat(l)
	return nil
}

// must hold mu
func (m *Manager) flushLocked(l *link) {
	pending := m.queue
	m.queue = nil
	for i, env := range pending {
		if err := m.writeLocked(l, env); err != nil {
			m.queue = append(pending[i:], m.queue...)
			m.logger.Warn("flush interrupted", "remaining", len(m.queue), "error", err)
			break
		}
	}
	observability.OutboundQueued.Set(float64(len(m.queue)))
	if n := len(pending) - len(m.queue); n > 0 {
		m.logger.Debug("flushed outbound queue", "count", n)
	}
}

// Send writes immediately when connected and returns true. Otherwise the
// envelope is queued for the next connection and Send returns false.
func (m *Manager) Send(t models.MessageType, data any) bool {
	env, err := models.NewEnvelope(t, data)
	if err != nil {
		m.logger.Error("dropping unencodable envelope", "type", t, "error", err)
		return false
	}
	return m.SendEnvelope(env)
}

func (m *Manager) SendEnvelope(env models.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected && m.link != nil {
		if err := m.writeLocked(m.link, env); err == nil {
			return true
		}
	}
	m.queue = append(m.queue, env)
	observability.OutboundQueued.Set(float64(len(m.queue)))
	return false
}

// must hold mu; a failed write closes the link so the read loop reconnects
func (m *Manager) writeLocked(l *link, env models.Envelope) error {
	if m.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := l.conn.WriteJSON(env); err != nil {
		_ = l.conn.Close()
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	observability.EnvelopesSent.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// Disconnect tears the session down on purpose: no reconnect, no handlers,
// no queued envelopes survive it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.setStateLocked(StateClosing)
	m.teardownLocked()
	m.queue = nil
	observability.OutboundQueued.Set(0)
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.router.ClearAll()
	m.logger.Info("disconnected")
}

// must hold mu
func (m *Manager) teardownLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.link != nil {
		l := m.link
		m.link = nil
		m.gen++
		l.stop()
	}
}

// must hold mu
func (m *Manager) setStateLocked(s State) {
	m.state = s
	if s == StateConnected {
		observability.ConnectionState.Set(1)
	} else {
		observability.ConnectionState.Set(0)
	}
}

func (m *Manager) readLoop(l *link) {
	m.router.Dispatch(models.Envelope{Type: models.TypeConnectionEstablished})
	for {
		var env models.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				m.logger.Warn("dropping malformed envelope", "error", err)
				continue
			}
			m.handleClose(l, err)
			return
		}
		switch env.Type {
		case models.TypePong:
			m.logger.Debug("pong")
			continue
		case models.TypeConnectionEstablished:
			// already dispatched locally when the link came up
			m.logger.Debug("server greeting")
			continue
		}
		m.router.Dispatch(env)
	}
}

func (m *Manager) handleClose(l *link, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != l {
		return
	}
	m.link = nil
	l.stop()
	m.setStateLocked(StateDisconnected)
	if m.intentional {
		return
	}
	m.logger.Warn("connection lost", "error", cause)
	m.scheduleReconnectLocked()
}

// must hold mu
func (m *Manager) scheduleReconnectLocked() {
	if m.intentional {
		return
	}
	if m.attempts >= m.cfg.MaxReconnects {
		m.exhausted = true
		observability.ReconnectExhaust.Inc()
		m.logger.Error("reconnect budget exhausted", "attempts", m.attempts)
		return
	}
	m.attempts++
	delay := Backoff(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.attempts)
	observability.ReconnectAttempts.Inc()
	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "max", m.cfg.MaxReconnects, "delay", delay)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := m.retry == t && !m.intentional && m.state == StateDisconnected
		if current {
			m.retry = nil
		}
		m.mu.Unlock()
		if !current {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		defer cancel()
		_ = m.dial(ctx)
	})
	m.retry = t
}

func (m *Manager) heartbeat(l *link) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ping := models.Envelope{Type: models.TypePing}
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.link == l {
				if err := m.writeLocked(l, ping); err != nil {
					m.logger.Debug("ping failed", "error", err)
				}
			}
			m.mu.Unlock()
		}
	}
}
