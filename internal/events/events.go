// Package events publishes ride lifecycle and driver location events for
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

type Kind string

const (
	RideRequested Kind = "ride.requested"
	RideAccepted  Kind = "ride.accepted"
	RideDeclined  Kind = "ride.declined"
	RideStatus    Kind = "ride.status"
	ChatMessage   Kind = "chat.message"
)

// RideEvent is one lifecycle change of a ride.
type RideEvent struct {
	Kind       Kind              `json:"kind"`
	RideID     string            `json:"ride_id"`
	RideKind   models.RideKind   `json:"ride_kind,omitempty"`
	Status     models.RideStatus `json:"status,omitempty"`
	CustomerID string            `json:"customer_id,omitempty"`
	DriverID   string            `json:"driver_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	At         time.Time         `json:"at"`
}

// FromRide builds an event from the ride's current state.
func FromRide(k Kind, r *models.Ride) RideEvent {
	return RideEvent{
		Kind:       k,
		RideID:     r.ID,
		RideKind:   r.Kind,
		Status:     r.Status,
		CustomerID: r.CustomerID,
		DriverID:   r.DriverID,
		Reason:     r.DeclineReason,
		At:         r.UpdatedAt,
	}
}

type Publisher interface {
	PublishRide(ctx context.Context, e RideEvent) error
	PublishLocation(ctx context.Context, d models.Driver) error
	Close() error
}

// Nop drops everything; used when no broker is configured.
type Nop struct{}

func (Nop) PublishRide(context.Context, RideEvent) error         { return nil }
func (Nop) PublishLocation(context.Context, models.Driver) error { return nil }
func (Nop) Close() error                                         { return nil }

// DecodeLocation parses a driver location message as written by PublishLocation.
func DecodeLocation(b []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(b, &d); err != nil {
		return models.Driver{}, fmt.Errorf("decode location: %w", err)
	}
	if d.ID == "" {
		return models.Driver{}, fmt.Errorf("decode location: missing driver id")
	}
	return d, nil
}
