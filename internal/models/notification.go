package models

import (
	"encoding/json"
	"time"
)

type NotificationType string

// System notification types populate the durable feed.
const (
	NotifyNewRideRequest    NotificationType = "new_ride_request"
	NotifyNewCourierRequest NotificationType = "new_courier_request"
	NotifyRideAccepted      NotificationType = "ride_accepted"
	NotifyRideDeclined      NotificationType = "ride_declined"
	NotifyRideTaken         NotificationType = "ride_taken"
	NotifyDriverArrived     NotificationType = "driver_arrived"
	NotifyRideStarted       NotificationType = "ride_started"
	NotifyRideCompleted     NotificationType = "ride_completed"
	NotifyRideCancelled     NotificationType = "ride_cancelled"
	NotifyNewMessage        NotificationType = "new_message"
)

// Transient types are shown as auto-dismissing alerts and never retained.
const (
	NotifyInfo    NotificationType = "info"
	NotifyError   NotificationType = "error"
	NotifySuccess NotificationType = "success"
)

var systemNotificationTypes = map[NotificationType]struct{}{
	NotifyNewRideRequest:    {},
	NotifyNewCourierRequest: {},
	NotifyRideAccepted:      {},
	NotifyRideDeclined:      {},
	NotifyRideTaken:         {},
	NotifyDriverArrived:     {},
	NotifyRideStarted:       {},
	NotifyRideCompleted:     {},
	NotifyRideCancelled:     {},
	NotifyNewMessage:        {},
}

// System reports whether notifications of this type belong in the durable feed.
func (t NotificationType) System() bool {
	_, ok := systemNotificationTypes[t]
	return ok
}

type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
