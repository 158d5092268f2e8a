package models

import (
	"encoding/json"
	"fmt"
)

// MessageType selects how an envelope is routed. The set is closed: anything
// not listed here is a protocol error and is dropped by the router.
type MessageType string

const (
	// Wildcard is only meaningful to the router; it never travels on the wire.
	Wildcard MessageType = "*"

	TypeConnectionEstablished MessageType = "connection_established"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"

	TypeRideRequest       MessageType = "ride_request"
	TypeNewRideRequest    MessageType = "new_ride_request"
	TypeNewCourierRequest MessageType = "new_courier_request"
	TypeRideAccepted      MessageType = "ride_accepted"
	TypeRideAcceptedSelf  MessageType = "ride_accepted_self"
	TypeRideTaken         MessageType = "ride_taken"
	TypeRideStatusUpdate  MessageType = "ride_status_update"
	TypeRideDeclined      MessageType = "ride_declined"
	TypeDriverArrived     MessageType = "driver_arrived"
	TypeLocationUpdate    MessageType = "location_update"

	TypeChatMessage     MessageType = "chat_message"
	TypeCustomerMessage MessageType = "customer_message"
	TypeDriverMessage   MessageType = "driver_message"
)

var knownTypes = map[MessageType]struct{}{
	TypeConnectionEstablished: {},
	TypePing:                  {},
	TypePong:                  {},
	TypeRideRequest:           {},
	TypeNewRideRequest:        {},
	TypeNewCourierRequest:     {},
	TypeRideAccepted:          {},
	TypeRideAcceptedSelf:      {},
	TypeRideTaken:             {},
	TypeRideStatusUpdate:      {},
	TypeRideDeclined:          {},
	TypeDriverArrived:         {},
	TypeLocationUpdate:        {},
	TypeChatMessage:           {},
	TypeCustomerMessage:       {},
	TypeDriverMessage:         {},
}

// Known reports whether t belongs to the wire catalog. Wildcard is not a wire type.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// ChatTypeFor returns the inbound chat type a message from sender is delivered as.
func ChatTypeFor(sender Role) MessageType {
	if sender == RoleDriver {
		return TypeDriverMessage
	}
	return TypeCustomerMessage
}

// Envelope is the only unit exchanged over the duplex connection.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type. A nil
// payload produces an envelope without data.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = b
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(t MessageType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
