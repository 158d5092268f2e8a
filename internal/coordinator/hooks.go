package coordinator

import (
	"context"
	"fmt"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/ride"
)

// hooks turns committed ride transitions into chat and notification effects.
// They run on the connection's read goroutine, so nothing here blocks.
type hooks struct{ c *Coordinator }

func (h hooks) RideAccepted(s ride.Session) {
	c := h.c
	counterparty := s.DriverID
	if c.opts.Role == models.RoleDriver {
		counterparty = s.CustomerID
	}
	c.Chat.Switch(s.ID, counterparty)
	c.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
		if err := c.Chat.LoadHistory(ctx, s.ID); err != nil {
			c.logger.Warn("chat history unavailable", "ride_id", s.ID, "error", err)
		}
	})

	msg := "You got the ride"
	if c.opts.Role == models.RoleCustomer {
		name := s.DriverName
		if name == "" {
			name = s.DriverID
		}
		msg = fmt.Sprintf("%s is on the way", name)
		if s.Vehicle.Plate != "" {
			msg += " (" + s.Vehicle.Plate + ")"
		}
	}
	c.Notifications.Notify(models.NotifyRideAccepted, "Ride accepted", msg, models.AcceptedPayload{
		RideID:     s.ID,
		Kind:       s.Kind,
		DriverID:   s.DriverID,
		DriverName: s.DriverName,
		CustomerID: s.CustomerID,
		Vehicle:    s.Vehicle,
		Fare:       s.Fare,
	})
}

func (h hooks) RideDeclined(s ride.Session) {
	reason := s.DeclineReason
	if reason == "" {
		reason = "The ride was declined"
	}
	h.c.Notifications.Notify(models.NotifyRideDeclined, "Ride declined", reason,
		models.DeclinedPayload{RideID: s.ID, Reason: s.DeclineReason})
}

func (h hooks) RideTaken(rideID, winner string) {
	h.c.removeOffer(rideID)
	h.c.Notifications.Notify(models.NotifyRideTaken, "Ride taken", "Another driver accepted this ride",
		models.TakenPayload{RideID: rideID, DriverID: winner})
}

func (h hooks) RideStatusChanged(s ride.Session) {
	var (
		t     models.NotificationType
		title string
	)
	switch s.Status {
	case models.StatusDriverArrived:
		t, title = models.NotifyDriverArrived, "Driver arrived"
	case models.StatusInProgress:
		t, title = models.NotifyRideStarted, "Ride started"
	case models.StatusCompleted:
		t, title = models.NotifyRideCompleted, "Ride completed"
	case models.StatusCancelled:
		t, title = models.NotifyRideCancelled, "Ride cancelled"
	default:
		return
	}
	h.c.Notifications.Notify(t, title, "", models.StatusPayload{RideID: s.ID, Status: s.Status})
}

func (h hooks) RideCleared(s ride.Session) {
	h.c.removeOffer(s.ID)
	h.c.logger.Debug("ride cleared", "ride_id", s.ID, "status", s.Status)
}
