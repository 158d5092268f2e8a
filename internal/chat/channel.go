// Package chat implements the per-ride message channel between a customer
// and the driver assigned to the ride.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/router"
)

var (
	ErrNotOpen   = errors.New("chat: no open channel")
	ErrEmptyBody = errors.New("chat: empty message")
)

// Sender is the outbound half of the connection manager. Send reports
// false when the envelope was queued for the next connection.
type Sender interface {
	Send(t models.MessageType, data any) bool
}

// HistoryLoader fetches the stored messages of a ride.
type HistoryLoader interface {
	ChatHistory(ctx context.Context, rideID string) ([]models.ChatMessage, error)
}

// Notifier raises the new_message notification for unseen messages.
type Notifier interface {
	Notify(t models.NotificationType, title, message string, payload any) models.Notification
}

type Config struct {
	Role   models.Role
	UserID string
}

type Channel struct {
	cfg     Config
	sender  Sender
	history HistoryLoader
	notes   Notifier
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	rideID       string
	counterparty string
	messages     []models.ChatMessage
	seen         map[string]struct{}
	visible      bool
}

func New(cfg Config, sender Sender, history HistoryLoader, notes Notifier, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		sender:  sender,
		history: history,
		notes:   notes,
		logger:  logger.With("component", "chat", "role", cfg.Role),
		now:     time.Now,
		seen:    make(map[string]struct{}),
	}
}

// Open switches the channel to rideID, dropping the previous ride's list,
// and loads the stored history when a loader is configured. A failed load
// leaves the channel open and empty.
func (c *Channel) Open(ctx context.Context, rideID, counterpartyID string) error {
	c.Switch(rideID, counterpartyID)
	return c.LoadHistory(ctx, rideID)
}

// Switch points the channel at rideID without touching the network, so
// Send works right away.
func (c *Channel) Switch(rideID, counterpartyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rideID = rideID
	c.counterparty = counterpartyID
	c.messages = nil
	c.seen = make(map[string]struct{})
}

// LoadHistory merges the stored messages of rideID in front of anything
// received live. It is a no-op once the channel moved to another ride or
// was closed.
func (c *Channel) LoadHistory(ctx context.Context, rideID string) error {
	if c.history == nil || rideID == "" || c.RideID() != rideID {
		return nil
	}
	msgs, err := c.history.ChatHistory(ctx, rideID)
	if err != nil {
		return fmt.Errorf("load chat history for %s: %w", rideID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rideID != rideID {
		// switched to another ride or closed while loading
		return nil
	}
	loaded := make([]models.ChatMessage, 0, len(msgs)+len(c.messages))
	seen := make(map[string]struct{}, len(msgs)+len(c.messages))
	for _, m := range msgs {
		if m.RideID != rideID {
			continue
		}
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			continue
		}
		seen[m.ID] = struct{}{}
		loaded = append(loaded, m)
	}
	// keep anything that arrived live during the load
	for _, m := range c.messages {
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			continue
		}
		seen[m.ID] = struct{}{}
		loaded = append(loaded, m)
	}
	c.messages = loaded
	c.seen = seen
	return nil
}

// RideID returns the ride the channel is open for, or "".
func (c *Channel) RideID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rideID
}

// SetVisible records whether the chat view is currently focused.
func (c *Channel) SetVisible(v bool) {
	c.mu.Lock()
	c.visible = v
	c.mu.Unlock()
}

// Send emits body to the counterparty and appends the local copy at once.
func (c *Channel) Send(body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ChatMessage{}, ErrEmptyBody
	}
	c.mu.Lock()
	if c.rideID == "" {
		c.mu.Unlock()
		return models.ChatMessage{}, ErrNotOpen
	}
	msg := models.ChatMessage{
		ID:           uuid.NewString(),
		RideID:       c.rideID,
		SenderRole:   c.cfg.Role,
		SenderID:     c.cfg.UserID,
		ReceiverRole: counterpartRole(c.cfg.Role),
		ReceiverID:   c.counterparty,
		Body:         body,
		Timestamp:    c.now(),
	}
	c.appendLocked(msg)
	c.mu.Unlock()

	if !c.sender.Send(models.TypeChatMessage, msg) {
		c.logger.Debug("chat message queued until reconnect", "id", msg.ID)
	}
	return msg, nil
}

// Receive appends an inbound message for the open ride and raises a
// notification when the chat is not in view or belongs to another ride.
func (c *Channel) Receive(msg models.ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	c.mu.Lock()
	match := c.rideID != "" && msg.RideID == c.rideID
	dup := false
	if match {
		dup = !c.appendLocked(msg)
	}
	notify := !dup && (!match || !c.visible)
	c.mu.Unlock()

	if dup {
		c.logger.Debug("duplicate chat message ignored", "id", msg.ID)
		return
	}
	if notify && c.notes != nil {
		c.notes.Notify(models.NotifyNewMessage, "New message", preview(msg.Body), msg)
	}
}

// Messages returns the open ride's messages in arrival order.
func (c *Channel) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.messages...)
}

// Close drops the open ride and its messages.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rideID = ""
	c.counterparty = ""
	c.messages = nil
	c.seen = make(map[string]struct{})
}

// Bind routes both inbound chat types into the channel.
func (c *Channel) Bind(s *router.Scope) error {
	h := func(env models.Envelope) error {
		var msg models.ChatMessage
		if err := env.Decode(&msg); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		c.Receive(msg)
		return nil
	}
	return s.OnAll(map[models.MessageType]router.Handler{
		models.TypeCustomerMessage: h,
		models.TypeDriverMessage:   h,
	})
}

// must hold mu; reports false for an already-seen id
func (c *Channel) appendLocked(m models.ChatMessage) bool {
	if m.ID != "" {
		if _, ok := c.seen[m.ID]; ok {
			return false
		}
		c.seen[m.ID] = struct{}{}
	}
	c.messages = append(c.messages, m)
	return true
}

func counterpartRole(r models.Role) models.Role {
	if r == models.RoleDriver {
		return models.RoleCustomer
	}
	return models.RoleDriver
}

func preview(body string) string {
	const limit = 80
	r := []rune(body)
	if len(r) <= limit {
		return body
	}
	return string(r[:limit]) + "…"
}
