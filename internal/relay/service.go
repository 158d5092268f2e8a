// Package relay is the server side of the real-time layer: it terminates the
// client connections, settles the accept race and fans ride events out to
// the participants.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/matcher"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/ride"
	"github.com/example/ride-realtime/internal/storage"
)

var (
	ErrNotFound     = storage.ErrNotFound
	ErrForbidden    = errors.New("relay: not a participant of this ride")
	ErrConflict     = errors.New("relay: ride already taken")
	ErrInvalidState = errors.New("relay: action not allowed in current ride status")
	ErrBadRequest   = errors.New("relay: bad request")
)

type Config struct {
	NoDriverReason string
}

type Service struct {
	cfg      Config
	hub      *dispatch.Hub
	store    storage.Store
	arbiter  matcher.Arbiter
	selector *matcher.Selector
	geo      geo.Index
	pub      events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	// serializes read-modify-write of ride records
	mu sync.Mutex
}

type Deps struct {
	Hub       *dispatch.Hub
	Store     storage.Store
	Arbiter   matcher.Arbiter
	Selector  *matcher.Selector
	Geo       geo.Index
	Publisher events.Publisher
	Logger    *slog.Logger
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.NoDriverReason == "" {
		cfg.NoDriverReason = "no drivers"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Selector == nil {
		d.Selector = &matcher.Selector{Geo: d.Geo, Logger: d.Logger}
	}
	return &Service{
		cfg:      cfg,
		hub:      d.Hub,
		store:    d.Store,
		arbiter:  d.Arbiter,
		selector: d.Selector,
		geo:      d.Geo,
		pub:      d.Publisher,
		logger:   d.Logger.With("component", "relay"),
		now:      time.Now,
	}
}

// HandleEnvelope processes one inbound envelope from a connected client.
func (s *Service) HandleEnvelope(ctx context.Context, c *dispatch.Client, env models.Envelope) {
	var err error
	switch env.Type {
	case models.TypeRideRequest:
		var p models.RideRequestPayload
		if err = env.Decode(&p); err == nil {
			if c.Role != models.RoleCustomer {
				err = ErrForbidden
				break
			}
			_, err = s.RequestRide(ctx, c.ID, p)
		}
	case models.TypeLocationUpdate:
		var p models.LocationPayload
		if err = env.Decode(&p); err == nil {
			if c.Role != models.RoleDriver {
				err = ErrForbidden
				break
			}
			err = s.UpdateLocation(ctx, c.ID, p)
		}
	case models.TypeChatMessage:
		var m models.ChatMessage
		if err = env.Decode(&m); err == nil {
			_, err = s.Chat(ctx, c.Role, c.ID, m)
		}
	default:
		s.logger.Debug("ignoring inbound envelope", "type", env.Type, "role", c.Role, "id", c.ID)
		return
	}
	if err != nil {
		s.logger.Warn("inbound envelope rejected", "type", env.Type, "role", c.Role, "id", c.ID, "error", err)
	}
}

// Disconnected marks a driver offline once their last session is gone.
func (s *Service) Disconnected(ctx context.Context, c *dispatch.Client) {
	if c.Role != models.RoleDriver || s.geo == nil || s.hub.Online(c.Role, c.ID) {
		return
	}
	if err := s.geo.Remove(ctx, c.ID); err != nil {
		s.logger.Warn("geo remove failed", "driver_id", c.ID, "error", err)
	}
}

// RequestRide records a customer's request and offers it to candidate
// drivers. With no candidate the customer is told at once.
func (s *Service) RequestRide(ctx context.Context, customerID string, p models.RideRequestPayload) (*models.Ride, error) {
	if p.RideID == "" {
		p.RideID = uuid.NewString()
	}
	if p.Kind == "" {
		p.Kind = models.KindRide
	}
	if p.Kind != models.KindRide && p.Kind != models.KindCourier {
		return nil, fmt.Errorf("%w: kind %q", ErrBadRequest, p.Kind)
	}
	if existing, err := s.store.GetRide(ctx, p.RideID); err == nil {
		return s.replayed(existing, customerID)
	}

	now := s.now()
	r := &models.Ride{
		ID:            p.RideID,
		Kind:          p.Kind,
		CustomerID:    customerID,
		Pickup:        p.Pickup,
		Dropoff:       p.Dropoff,
		PickupAddress: p.PickupAddress,
		DropAddress:   p.DropAddress,
		Fare:          p.Fare,
		Status:        models.StatusRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.OfferedTo = s.selector.Candidates(ctx, p.Pickup, s.hub.Connected(models.RoleDriver))
	if len(r.OfferedTo) == 0 {
		r.Status = models.StatusDeclined
		r.DeclineReason = s.cfg.NoDriverReason
	}
	s.mu.Lock()
	if existing, err := s.store.GetRide(ctx, r.ID); err == nil {
		// a concurrent replay saved it first
		s.mu.Unlock()
		return s.replayed(existing, customerID)
	}
	err := s.store.SaveRide(ctx, r)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("save ride %s: %w", r.ID, err)
	}
	observability.RidesRequested.WithLabelValues(string(r.Kind)).Inc()
	s.publish(ctx, events.FromRide(events.RideRequested, r))
	s.logger.Info("ride requested", "ride_id", r.ID, "kind", r.Kind, "customer_id", customerID, "offered", len(r.OfferedTo))

	if r.Status == models.StatusDeclined {
		s.declineToCustomer(ctx, r)
		return r, nil
	}
	offerType := models.TypeNewRideRequest
	if r.Kind == models.KindCourier {
		offerType = models.TypeNewCourierRequest
	}
	s.hub.Broadcast(models.RoleDriver, r.OfferedTo, models.MustEnvelope(offerType, offerFor(r)))
	return r, nil
}

// replayed answers a ride_request whose id is already known, as happens
// when a client flushes its outbound queue after a reconnect.
func (s *Service) replayed(existing *models.Ride, customerID string) (*models.Ride, error) {
	if existing.CustomerID != customerID {
		return nil, ErrForbidden
	}
	return existing, nil
}

// Accept lets driverID claim a ride. Exactly one driver wins; every other
// claim gets ErrConflict.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (models.AcceptedPayload, error) {
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return models.AcceptedPayload{}, err
	}
	if r.DriverID != "" {
		if r.DriverID == driverID && !r.Status.Terminal() {
			return acceptedFor(r), nil
		}
		observability.AcceptOutcomes.WithLabelValues("lost").Inc()
		return models.AcceptedPayload{}, ErrConflict
	}
	if r.Status != models.StatusRequested {
		return models.AcceptedPayload{}, fmt.Errorf("%w: %s", ErrInvalidState, r.Status)
	}

	winner, won, err := s.arbiter.Claim(ctx, rideID, driverID)
	if err != nil {
		return models.AcceptedPayload{}, err
	}
	if !won {
		observability.AcceptOutcomes.WithLabelValues("lost").Inc()
		s.logger.Info("accept lost", "ride_id", rideID, "driver_id", driverID, "winner", winner)
		return models.AcceptedPayload{}, ErrConflict
	}

	r, err = s.mutate(ctx, rideID, func(r *models.Ride) error {
		if r.Status != models.StatusRequested {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Status)
		}
		r.Status = models.StatusAccepted
		r.DriverID = driverID
		return nil
	})
	if err != nil {
		_ = s.arbiter.Release(ctx, rideID)
		return models.AcceptedPayload{}, err
	}
	observability.AcceptOutcomes.WithLabelValues("won").Inc()
	s.publish(ctx, events.FromRide(events.RideAccepted, r))
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	p := acceptedFor(r)
	s.send(models.RoleDriver, driverID, models.MustEnvelope(models.TypeRideAcceptedSelf, p))
	s.send(models.RoleCustomer, r.CustomerID, models.MustEnvelope(models.TypeRideAccepted, p))
	losers := slices.DeleteFunc(slices.Clone(r.OfferedTo), func(id string) bool { return id == driverID })
	s.hub.Broadcast(models.RoleDriver, losers, models.MustEnvelope(models.TypeRideTaken, models.TakenPayload{RideID: rideID, DriverID: driverID}))
	return p, nil
}

// Decline records a driver's refusal. Once every offered driver refused, the
// customer gets ride_declined. The assigned driver backing out declines the
// ride outright.
func (s *Service) Decline(ctx context.Context, rideID, driverID, reason string) error {
	var released bool
	r, err := s.mutate(ctx, rideID, func(r *models.Ride) error {
		switch {
		case r.Status == models.StatusAccepted && r.DriverID == driverID:
			r.Status = models.StatusDeclined
			r.DeclineReason = reason
			if r.DeclineReason == "" {
				r.DeclineReason = "driver declined"
			}
			released = true
		case r.Status == models.StatusRequested:
			if !slices.Contains(r.DeclinedBy, driverID) {
				r.DeclinedBy = append(r.DeclinedBy, driverID)
			}
			if allDeclined(r) {
				r.Status = models.StatusDeclined
				r.DeclineReason = s.cfg.NoDriverReason
			}
		default:
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if released {
		_ = s.arbiter.Release(ctx, rideID)
	}
	s.logger.Info("ride declined by driver", "ride_id", rideID, "driver_id", driverID, "status", r.Status)
	if r.Status == models.StatusDeclined {
		s.declineToCustomer(ctx, r)
	}
	if released {
		// the driver's own session is accepted too and needs the same reset
		s.send(models.RoleDriver, driverID, models.MustEnvelope(models.TypeRideDeclined,
			models.DeclinedPayload{RideID: r.ID, Reason: r.DeclineReason}))
	}
	return nil
}

// Advance moves the assigned driver's ride to status.
func (s *Service) Advance(ctx context.Context, rideID, driverID string, status models.RideStatus) error {
	r, err := s.mutate(ctx, rideID, func(r *models.Ride) error {
		if r.DriverID != driverID {
			return ErrForbidden
		}
		if !ride.Reachable(r.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidState, r.Status, status)
		}
		r.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	s.broadcastStatus(ctx, r)
	if status == models.StatusDriverArrived {
		s.send(models.RoleCustomer, r.CustomerID, models.MustEnvelope(models.TypeDriverArrived,
			models.DriverArrivedPayload{RideID: r.ID, DriverID: driverID}))
	}
	return nil
}

// Cancel ends a ride on behalf of either participant.
func (s *Service) Cancel(ctx context.Context, rideID string, role models.Role, id, reason string) error {
	var offered []string
	r, err := s.mutate(ctx, rideID, func(r *models.Ride) error {
		if !participant(r, role, id) {
			return ErrForbidden
		}
		if !ride.Reachable(r.Status, models.StatusCancelled) {
			return fmt.Errorf("%w: %s", ErrInvalidState, r.Status)
		}
		if r.Status == models.StatusRequested {
			offered = slices.Clone(r.OfferedTo)
		}
		r.Status = models.StatusCancelled
		r.DeclineReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	s.broadcastStatus(ctx, r)
	if len(offered) > 0 {
		s.hub.Broadcast(models.RoleDriver, offered, models.MustEnvelope(models.TypeRideStatusUpdate,
			models.StatusPayload{RideID: r.ID, Status: r.Status}))
	}
	return nil
}

// UpdateLocation indexes the driver and forwards the position to the
// customer of the driver's active ride.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, p models.LocationPayload) error {
	d := models.Driver{ID: driverID, Loc: models.Coord{Lat: p.Lat, Lon: p.Lng}, Online: true, Updated: s.now()}
	if s.geo != nil {
		if err := s.geo.Upsert(ctx, d); err != nil {
			s.logger.Warn("geo upsert failed", "driver_id", driverID, "error", err)
		}
	}
	if err := s.pub.PublishLocation(ctx, d); err != nil {
		s.logger.Debug("location publish failed", "driver_id", driverID, "error", err)
	}
	if p.RideID == "" {
		return nil
	}
	r, err := s.store.GetRide(ctx, p.RideID)
	if err != nil {
		return err
	}
	if r.DriverID != driverID || r.Status.Terminal() {
		return nil
	}
	p.DriverID = driverID
	s.send(models.RoleCustomer, r.CustomerID, models.MustEnvelope(models.TypeLocationUpdate, p))
	return nil
}

// Chat stores a message and forwards it to the other participant.
func (s *Service) Chat(ctx context.Context, role models.Role, id string, m models.ChatMessage) (models.ChatMessage, error) {
	if m.Body == "" {
		return m, fmt.Errorf("%w: empty message", ErrBadRequest)
	}
	r, err := s.store.GetRide(ctx, m.RideID)
	if err != nil {
		return m, err
	}
	if !participant(r, role, id) || r.DriverID == "" {
		return m, ErrForbidden
	}
	m.SenderRole, m.SenderID = role, id
	if role == models.RoleCustomer {
		m.ReceiverRole, m.ReceiverID = models.RoleDriver, r.DriverID
	} else {
		m.ReceiverRole, m.ReceiverID = models.RoleCustomer, r.CustomerID
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return m, fmt.Errorf("store message: %w", err)
	}
	s.publish(ctx, events.RideEvent{
		Kind: events.ChatMessage, RideID: r.ID, RideKind: r.Kind,
		CustomerID: r.CustomerID, DriverID: r.DriverID, At: m.Timestamp,
	})
	s.send(m.ReceiverRole, m.ReceiverID, models.MustEnvelope(models.ChatTypeFor(role), m))
	return m, nil
}

// Available lists the open requests a driver may still accept.
func (s *Service) Available(ctx context.Context, driverID string) ([]models.RideOffer, error) {
	open, err := s.store.OpenRides(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.RideOffer, 0, len(open))
	for _, r := range open {
		if slices.Contains(r.DeclinedBy, driverID) {
			continue
		}
		if len(r.OfferedTo) > 0 && !slices.Contains(r.OfferedTo, driverID) {
			continue
		}
		out = append(out, offerFor(r))
	}
	return out, nil
}

// Messages returns a ride's chat to one of its participants.
func (s *Service) Messages(ctx context.Context, rideID string, role models.Role, id string) ([]models.ChatMessage, error) {
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !participant(r, role, id) && role != models.RoleAdmin {
		return nil, ErrForbidden
	}
	return s.store.Messages(ctx, rideID)
}

func (s *Service) mutate(ctx context.Context, rideID string, fn func(*models.Ride) error) (*models.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = s.now()
	if err := s.store.UpdateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("update ride %s: %w", rideID, err)
	}
	return r, nil
}

func (s *Service) declineToCustomer(ctx context.Context, r *models.Ride) {
	s.publish(ctx, events.FromRide(events.RideDeclined, r))
	s.send(models.RoleCustomer, r.CustomerID, models.MustEnvelope(models.TypeRideDeclined,
		models.DeclinedPayload{RideID: r.ID, Reason: r.DeclineReason}))
}

func (s *Service) broadcastStatus(ctx context.Context, r *models.Ride) {
	s.publish(ctx, events.FromRide(events.RideStatus, r))
	env := models.MustEnvelope(models.TypeRideStatusUpdate, models.StatusPayload{RideID: r.ID, Status: r.Status})
	s.send(models.RoleCustomer, r.CustomerID, env)
	if r.DriverID != "" {
		s.send(models.RoleDriver, r.DriverID, env)
	}
}

func (s *Service) send(role models.Role, id string, env models.Envelope) {
	if err := s.hub.Send(role, id, env); err != nil {
		s.logger.Debug("delivery skipped", "role", role, "id", id, "type", env.Type, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, e events.RideEvent) {
	if err := s.pub.PublishRide(ctx, e); err != nil {
		s.logger.Warn("event publish failed", "kind", e.Kind, "ride_id", e.RideID, "error", err)
	}
}

func participant(r *models.Ride, role models.Role, id string) bool {
	switch role {
	case models.RoleCustomer:
		return r.CustomerID == id
	case models.RoleDriver:
		return r.DriverID == id
	}
	return false
}

func allDeclined(r *models.Ride) bool {
	if len(r.OfferedTo) == 0 {
		return false
	}
	for _, id := range r.OfferedTo {
		if !slices.Contains(r.DeclinedBy, id) {
			return false
		}
	}
	return true
}

func offerFor(r *models.Ride) models.RideOffer {
	return models.RideOffer{
		RideID:        r.ID,
		Kind:          r.Kind,
		CustomerID:    r.CustomerID,
		Pickup:        r.Pickup,
		Dropoff:       r.Dropoff,
		PickupAddress: r.PickupAddress,
		DropAddress:   r.DropAddress,
		Fare:          r.Fare,
		CreatedAt:     r.CreatedAt,
	}
}

func acceptedFor(r *models.Ride) models.AcceptedPayload {
	return models.AcceptedPayload{
		RideID:     r.ID,
		Kind:       r.Kind,
		DriverID:   r.DriverID,
		CustomerID: r.CustomerID,
		Fare:       r.Fare,
	}
}
