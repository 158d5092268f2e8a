// Package dispatch keeps the relay's connected clients and delivers
// envelopes to them.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

var ErrNoSession = errors.New("dispatch: no session")

// Conn is the part of *websocket.Conn the hub uses.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one connected participant. Writes are serialized.
type Client struct {
	Role models.Role
	ID   string

	conn         Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

func (c *Client) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoSession
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

type key struct {
	role models.Role
	id   string
}

// Hub holds client sessions keyed by role and id.
type Hub struct {
	writeTimeout time.Duration
	fallback     Pusher
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[key]*Client
}

func NewHub(writeTimeout time.Duration, fallback Pusher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		writeTimeout: writeTimeout,
		fallback:     fallback,
		logger:       logger.With("component", "hub"),
		clients:      make(map[key]*Client),
	}
}

// Register adds a session, closing any older one for the same identity.
func (h *Hub) Register(role models.Role, id string, conn Conn) *Client {
	c := &Client{Role: role, ID: id, conn: conn, writeTimeout: h.writeTimeout}
	h.mu.Lock()
	old := h.clients[key{role, id}]
	h.clients[key{role, id}] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	} else {
		observability.RelayConnections.WithLabelValues(string(role)).Inc()
	}
	h.logger.Info("client connected", "role", role, "id", id, "replaced", old != nil)
	return c
}

// Unregister removes c if it is still the current session for its identity.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	current := h.clients[key{c.Role, c.ID}] == c
	if current {
		delete(h.clients, key{c.Role, c.ID})
	}
	h.mu.Unlock()
	c.close()
	if current {
		observability.RelayConnections.WithLabelValues(string(c.Role)).Dec()
		h.logger.Info("client disconnected", "role", c.Role, "id", c.ID)
	}
}

func (h *Hub) client(role models.Role, id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[key{role, id}]
	return c, ok
}

// Online reports whether role/id has a live session.
func (h *Hub) Online(role models.Role, id string) bool {
	_, ok := h.client(role, id)
	return ok
}

// Connected lists the ids of every connected client of role, sorted.
func (h *Hub) Connected(role models.Role) []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.clients))
	for k := range h.clients {
		if k.role == role {
			out = append(out, k.id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Send delivers env to role/id, falling back to the pusher when the client
// is not connected.
func (h *Hub) Send(role models.Role, id string, env models.Envelope) error {
	c, ok := h.client(role, id)
	if !ok {
		if h.fallback != nil {
			return h.fallback.Push(role, id, env)
		}
		return fmt.Errorf("%w for %s/%s", ErrNoSession, role, id)
	}
	if err := c.Send(env); err != nil {
		h.logger.Warn("ws send error", "role", role, "id", id, "type", env.Type, "error", err)
		h.Unregister(c)
		return err
	}
	return nil
}

// Broadcast sends env to every listed id of role and returns how many got it.
func (h *Hub) Broadcast(role models.Role, ids []string, env models.Envelope) int {
	n := 0
	for _, id := range ids {
		if err := h.Send(role, id, env); err == nil {
			n++
		}
	}
	return n
}

// CloseAll drops every session; their Serve loops return and unregister.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// Serve reads from c until the connection fails, answering pings and
// handing everything else to handle. c is unregistered on return.
func (h *Hub) Serve(c *Client, handle func(*Client, models.Envelope)) {
	defer h.Unregister(c)
	_ = c.Send(models.Envelope{Type: models.TypeConnectionEstablished})
	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read failed", "role", c.Role, "id", c.ID, "error", err)
			}
			return
		}
		if env.Type == models.TypePing {
			_ = c.Send(models.Envelope{Type: models.TypePong})
			continue
		}
		handle(c, env)
	}
}
