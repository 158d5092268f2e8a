package models

import "time"

// ChatMessage is one message of a ride's chat. Never mutated after creation.
type ChatMessage struct {
	ID           string    `json:"id"`
	RideID       string    `json:"ride_id"`
	SenderRole   Role      `json:"sender_role"`
	SenderID     string    `json:"sender_id"`
	ReceiverRole Role      `json:"receiver_role"`
	ReceiverID   string    `json:"receiver_id"`
	Body         string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsSelf reports whether the message was written by the given participant.
func (m ChatMessage) IsSelf(role Role, id string) bool {
	return m.SenderRole == role && m.SenderID == id
}
