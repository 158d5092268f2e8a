// Package notify keeps the per-role feed of user-facing events.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/models"
)

// Chime plays the audible cue for a new entry.
type Chime interface {
	Play(t models.NotificationType) error
}

// AlertSink shows transient, auto-dismissing alerts that are not retained.
type AlertSink interface {
	Alert(n models.Notification)
}

type Config struct {
	Role       models.Role
	MaxEntries int
}

// Center is an append-only feed with mutable read state, most recent first.
type Center struct {
	cfg    Config
	chime  Chime
	alerts AlertSink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	list   []models.Notification
	unread int
}

func New(cfg Config, chime Chime, alerts AlertSink, logger *slog.Logger) *Center {
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		cfg:    cfg,
		chime:  chime,
		alerts: alerts,
		logger: logger.With("component", "notify", "role", cfg.Role),
		now:    time.Now,
	}
}

// Notify builds and pushes a notification; payload is marshalled as JSON.
func (c *Center) Notify(t models.NotificationType, title, message string, payload any) models.Notification {
	n := models.Notification{Type: t, Title: title, Message: message}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			n.Payload = b
		} else {
			c.logger.Warn("notification payload not encodable", "type", t, "error", err)
		}
	}
	return c.Push(n)
}

// Push records a system notification at the head of the feed and plays the
// chime. Non-system types only go to the alert sink.
func (c *Center) Push(n models.Notification) models.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now()
	}
	if !n.Type.System() {
		if c.alerts != nil {
			c.alerts.Alert(n)
		} else {
			c.logger.Info("alert", "type", n.Type, "title", n.Title, "message", n.Message)
		}
		return n
	}
	n.Read = false

	c.mu.Lock()
	c.list = append([]models.Notification{n}, c.list...)
	if c.cfg.MaxEntries > 0 && len(c.list) > c.cfg.MaxEntries {
		c.list = c.list[:c.cfg.MaxEntries]
	}
	c.recomputeLocked()
	c.mu.Unlock()

	c.play(n.Type)
	return n
}

func (c *Center) play(t models.NotificationType) {
	if c.chime == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Debug("chime panicked", "panic", rec)
		}
	}()
	if err := c.chime.Play(t); err != nil {
		c.logger.Debug("chime failed", "error", err)
	}
}

func (c *Center) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.list {
		if c.list[i].ID == id {
			c.list[i].Read = true
			c.recomputeLocked()
			return true
		}
	}
	return false
}

func (c *Center) MarkAllRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.list {
		c.list[i].Read = true
	}
	c.recomputeLocked()
}

// Clear removes one entry.
func (c *Center) Clear(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.list {
		if c.list[i].ID == id {
			c.list = append(c.list[:i:i], c.list[i+1:]...)
			c.recomputeLocked()
			return true
		}
	}
	return false
}

func (c *Center) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = nil
	c.unread = 0
}

// List returns a copy of the feed, most recent first.
func (c *Center) List() []models.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Notification(nil), c.list...)
}

func (c *Center) Unread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// must hold mu; unread stays within [0, len(list)]
func (c *Center) recomputeLocked() {
	n := 0
	for _, e := range c.list {
		if !e.Read {
			n++
		}
	}
	c.unread = max(0, min(n, len(c.list)))
}
