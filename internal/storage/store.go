// Package storage persists the relay's rides and chat history.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-realtime/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// Store defines persistence operations for rides and their chat.
type Store interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// OpenRides lists rides still waiting for a driver, oldest first.
	OpenRides(ctx context.Context) ([]*models.Ride, error)
	AppendMessage(ctx context.Context, m models.ChatMessage) error
	// Messages returns a ride's chat, oldest first.
	Messages(ctx context.Context, rideID string) ([]models.ChatMessage, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	messages map[string][]models.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		messages: make(map[string][]models.ChatMessage),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) OpenRides(_ context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == models.StatusRequested {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.RideID] = append(m.messages[msg.RideID], msg)
	return nil
}

func (m *MemoryStore) Messages(_ context.Context, rideID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ChatMessage(nil), m.messages[rideID]...), nil
}
