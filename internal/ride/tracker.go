// Package ride tracks the client's view of its current ride or delivery.
//
// Local actions only ever create a session in requested. Every later status
// comes from a router-delivered server broadcast, which is what settles the
// race between drivers accepting the same request.
package ride

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/router"
)

var (
	ErrSessionActive = errors.New("ride: a session is already active")
	ErrClosed        = errors.New("ride: tracker closed")
)

// Session is a snapshot of the client's current ride.
type Session struct {
	ID            string
	Kind          models.RideKind
	Status        models.RideStatus
	CustomerID    string
	DriverID      string
	DriverName    string
	Vehicle       models.Vehicle
	Fare          float64
	DeclineReason string
	// Pending marks a driver's accept attempt awaiting the server's verdict.
	Pending   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(t models.MessageType, data any) bool
}

// Hooks receive side effects after a transition has been committed.
type Hooks interface {
	RideAccepted(s Session)
	RideDeclined(s Session)
	RideTaken(rideID, winner string)
	RideStatusChanged(s Session)
	RideCleared(s Session)
}

// NopHooks ignores every event.
type NopHooks struct{}

func (NopHooks) RideAccepted(Session)      {}
func (NopHooks) RideDeclined(Session)      {}
func (NopHooks) RideTaken(string, string)  {}
func (NopHooks) RideStatusChanged(Session) {}
func (NopHooks) RideCleared(Session)       {}

type Config struct {
	Role        models.Role
	UserID      string
	GraceDelay  time.Duration
	HistorySize int
}

// RequestSpec describes a ride the customer asks for.
type RequestSpec struct {
	RideID        string
	Kind          models.RideKind
	Pickup        models.Coord
	Dropoff       models.Coord
	PickupAddress string
	DropAddress   string
	Fare          float64
}

type Tracker struct {
	cfg    Config
	sender Sender
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *Session
	history []Session
	grace   *time.Timer
	closed  bool
}

func NewTracker(cfg Config, sender Sender, hooks Hooks, logger *slog.Logger) *Tracker {
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		sender: sender,
		hooks:  hooks,
		logger: logger.With("component", "ride", "role", cfg.Role),
		now:    time.Now,
	}
}

// Current returns the active session, if any.
func (t *Tracker) Current() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Session{}, false
	}
	return *t.current, true
}

// Status is the current status, StatusNone when idle.
func (t *Tracker) Status() models.RideStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return models.StatusNone
	}
	return t.current.Status
}

// History returns finished sessions, most recent last.
func (t *Tracker) History() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Session(nil), t.history...)
}

// Request starts a new ride from the idle state and emits ride_request.
func (t *Tracker) Request(spec RequestSpec) (Session, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Session{}, ErrClosed
	}
	if t.current != nil {
		cur := *t.current
		t.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s is %s", ErrSessionActive, cur.ID, cur.Status)
	}
	if spec.RideID == "" {
		spec.RideID = uuid.NewString()
	}
	if spec.Kind == "" {
		spec.Kind = models.KindRide
	}
	now := t.now()
	s := &Session{
		ID:         spec.RideID,
		Kind:       spec.Kind,
		Status:     models.StatusRequested,
		CustomerID: t.cfg.UserID,
		Fare:       spec.Fare,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.current = s
	snap := *s
	t.mu.Unlock()

	observability.RideTransitions.WithLabelValues(string(models.StatusRequested)).Inc()
	sent := t.sender.Send(models.TypeRideRequest, models.RideRequestPayload{
		RideID:        spec.RideID,
		Kind:          spec.Kind,
		Pickup:        spec.Pickup,
		Dropoff:       spec.Dropoff,
		PickupAddress: spec.PickupAddress,
		DropAddress:   spec.DropAddress,
		Fare:          spec.Fare,
	})
	t.logger.Info("ride requested", "ride_id", snap.ID, "kind", snap.Kind, "sent", sent)
	t.hooks.RideStatusChanged(snap)
	return snap, nil
}

// BeginAccept opens the optimistic phase of a driver's accept attempt. The
// session stays requested and pending until the server confirms or rejects.
func (t *Tracker) BeginAccept(offer models.RideOffer) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Session{}, ErrClosed
	}
	if t.current != nil {
		if t.current.ID == offer.RideID && t.current.Pending {
			return *t.current, nil
		}
		return Session{}, fmt.Errorf("%w: %s is %s", ErrSessionActive, t.current.ID, t.current.Status)
	}
	if t.finishedLocked(offer.RideID) {
		return Session{}, fmt.Errorf("ride %s already finished", offer.RideID)
	}
	now := t.now()
	kind := offer.Kind
	if kind == "" {
		kind = models.KindRide
	}
	t.current = &Session{
		ID:         offer.RideID,
		Kind:       kind,
		Status:     models.StatusRequested,
		CustomerID: offer.CustomerID,
		Fare:       offer.Fare,
		Pending:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.logger.Debug("accept pending", "ride_id", offer.RideID)
	return *t.current, nil
}

// AbortAccept rolls back a pending accept, e.g. after the REST call failed.
// It does nothing once the server has ruled on the ride.
func (t *Tracker) AbortAccept(rideID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.ID != rideID || !t.current.Pending {
		return false
	}
	t.current = nil
	t.logger.Info("accept rolled back", "ride_id", rideID)
	return true
}

// HandleAccepted applies ride_accepted (self=false) or ride_accepted_self.
func (t *Tracker) HandleAccepted(p models.AcceptedPayload, self bool) {
	var fire []func()
	t.mu.Lock()
	fire = t.acceptLocked(p, self)
	t.mu.Unlock()
	run(fire)
}

// must hold mu
func (t *Tracker) acceptLocked(p models.AcceptedPayload, self bool) []func() {
	log := t.logger.With("ride_id", p.RideID, "driver_id", p.DriverID)
	if t.closed {
		return nil
	}
	if t.finishedLocked(p.RideID) {
		log.Debug("ignoring accept for finished ride")
		return nil
	}
	isMe := t.cfg.Role == models.RoleDriver && p.DriverID == t.cfg.UserID
	if t.current == nil {
		if !(self || isMe) {
			log.Debug("ignoring accept for a ride we do not track")
			return nil
		}
		now := t.now()
		t.current = &Session{
			ID:         p.RideID,
			Kind:       kindOr(p.Kind),
			Status:     models.StatusRequested,
			CustomerID: p.CustomerID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	cur := t.current
	if cur.ID != p.RideID {
		log.Debug("ignoring accept for another ride", "current", cur.ID)
		return nil
	}
	if cur.Status != models.StatusRequested {
		if cur.DriverID != p.DriverID {
			log.Warn("conflicting accept ignored", "accepted_driver", cur.DriverID, "status", cur.Status)
		}
		return nil
	}
	if t.cfg.Role == models.RoleDriver && !self && !isMe {
		// a driver hearing that someone else got the ride lost the race
		return t.takenLocked(p.RideID, p.DriverID)
	}

	cur.Status = models.StatusAccepted
	cur.Pending = false
	cur.DriverID = p.DriverID
	cur.DriverName = p.DriverName
	cur.Vehicle = p.Vehicle
	if p.CustomerID != "" {
		cur.CustomerID = p.CustomerID
	}
	if p.Fare > 0 {
		cur.Fare = p.Fare
	}
	cur.UpdatedAt = t.now()
	observability.RideTransitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	log.Info("ride accepted")
	snap := *cur
	return []func(){
		func() { t.hooks.RideAccepted(snap) },
		func() { t.hooks.RideStatusChanged(snap) },
	}
}

// HandleTaken discards a driver's requested session when another driver won
// the ride. Customers ignore it.
func (t *Tracker) HandleTaken(p models.TakenPayload) {
	if t.cfg.Role != models.RoleDriver {
		t.logger.Debug("ignoring ride_taken", "ride_id", p.RideID)
		return
	}
	t.mu.Lock()
	var fire []func()
	if !t.closed && t.current != nil && t.current.ID == p.RideID &&
		t.current.Status == models.StatusRequested && p.DriverID != t.cfg.UserID {
		fire = t.takenLocked(p.RideID, p.DriverID)
	}
	t.mu.Unlock()
	run(fire)
}

// must hold mu
func (t *Tracker) takenLocked(rideID, winner string) []func() {
	snap := *t.current
	t.current = nil
	t.logger.Info("ride taken by another driver", "ride_id", rideID, "winner", winner)
	return []func(){
		func() { t.hooks.RideTaken(rideID, winner) },
		func() { t.hooks.RideCleared(snap) },
	}
}

// HandleStatus applies a generic status update if it is reachable.
func (t *Tracker) HandleStatus(p models.StatusPayload) {
	if p.Status == models.StatusDeclined {
		t.HandleDeclined(models.DeclinedPayload{RideID: p.RideID})
		return
	}
	var fire []func()
	t.mu.Lock()
	fire = t.statusLocked(p)
	t.mu.Unlock()
	run(fire)
}

// must hold mu
func (t *Tracker) statusLocked(p models.StatusPayload) []func() {
	log := t.logger.With("ride_id", p.RideID, "status", p.Status)
	if t.closed || t.current == nil || t.current.ID != p.RideID {
		log.Debug("ignoring status for a ride we do not track")
		return nil
	}
	cur := t.current
	if !p.Status.Valid() {
		log.Warn("ignoring unknown ride status")
		return nil
	}
	if cur.Status == p.Status {
		return nil
	}
	if !Reachable(cur.Status, p.Status) {
		log.Warn("ignoring unreachable ride status", "from", cur.Status)
		return nil
	}
	cur.Status = p.Status
	cur.UpdatedAt = t.now()
	observability.RideTransitions.WithLabelValues(string(p.Status)).Inc()
	snap := *cur
	fire := []func(){func() { t.hooks.RideStatusChanged(snap) }}
	if p.Status == models.StatusCompleted || p.Status == models.StatusCancelled {
		t.recordLocked(snap)
		t.current = nil
		log.Info("ride finished")
		fire = append(fire, func() { t.hooks.RideCleared(snap) })
	}
	return fire
}

// HandleDeclined moves to declined and resets to idle after the grace delay,
// leaving time to show the reason before a new request is possible.
func (t *Tracker) HandleDeclined(p models.DeclinedPayload) {
	t.mu.Lock()
	cur := t.current
	if t.closed || cur == nil || cur.ID != p.RideID || !Reachable(cur.Status, models.StatusDeclined) {
		t.mu.Unlock()
		t.logger.Debug("ignoring decline", "ride_id", p.RideID)
		return
	}
	cur.Status = models.StatusDeclined
	cur.DeclineReason = p.Reason
	cur.Pending = false
	cur.UpdatedAt = t.now()
	observability.RideTransitions.WithLabelValues(string(models.StatusDeclined)).Inc()
	snap := *cur
	t.recordLocked(snap)
	if t.grace != nil {
		t.grace.Stop()
	}
	rideID := cur.ID
	t.grace = time.AfterFunc(t.cfg.GraceDelay, func() { t.expireDecline(rideID) })
	t.mu.Unlock()

	t.logger.Info("ride declined", "ride_id", rideID, "reason", p.Reason)
	t.hooks.RideDeclined(snap)
	t.hooks.RideStatusChanged(snap)
}

func (t *Tracker) expireDecline(rideID string) {
	t.mu.Lock()
	if t.current == nil || t.current.ID != rideID || t.current.Status != models.StatusDeclined {
		t.mu.Unlock()
		return
	}
	snap := *t.current
	t.current = nil
	t.grace = nil
	t.mu.Unlock()
	observability.RideTransitions.WithLabelValues(string(models.StatusNone)).Inc()
	t.logger.Debug("decline grace elapsed", "ride_id", rideID)
	t.hooks.RideCleared(snap)
}

// HandleDriverArrived is the driver_arrived shorthand for a status update.
func (t *Tracker) HandleDriverArrived(p models.DriverArrivedPayload) {
	t.HandleStatus(models.StatusPayload{RideID: p.RideID, Status: models.StatusDriverArrived})
}

// Bind registers the tracker's handlers on the scope.
func (t *Tracker) Bind(s *router.Scope) error {
	return s.OnAll(map[models.MessageType]router.Handler{
		models.TypeRideAccepted: func(env models.Envelope) error {
			var p models.AcceptedPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			t.HandleAccepted(p, false)
			return nil
		},
		models.TypeRideAcceptedSelf: func(env models.Envelope) error {
			var p models.AcceptedPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			t.HandleAccepted(p, true)
			return nil
		},
		models.TypeRideTaken: func(env models.Envelope) error {
			var p models.TakenPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			t.HandleTaken(p)
			return nil
		},
		models.TypeRideStatusUpdate: func(env models.Envelope) error {
			var p models.StatusPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			t.HandleStatus(p)
			return nil
		},
		models.TypeRideDeclined: func(env models.Envelope) error {
			var p models.DeclinedPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			t.HandleDeclined(p)
			return nil
		},
		models.TypeDriverArrived: func(env models.Envelope) error {
			var p models.DriverArrivedPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			t.HandleDriverArrived(p)
			return nil
		},
	})
}

// Close stops pending timers; later events are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
}

// must hold mu
func (t *Tracker) recordLocked(s Session) {
	t.history = append(t.history, s)
	if over := len(t.history) - t.cfg.HistorySize; over > 0 {
		t.history = append([]Session(nil), t.history[over:]...)
	}
}

// must hold mu
func (t *Tracker) finishedLocked(rideID string) bool {
	for _, h := range t.history {
		if h.ID == rideID {
			return true
		}
	}
	return false
}

func kindOr(k models.RideKind) models.RideKind {
	if k == "" {
		return models.KindRide
	}
	return k
}

func run(fns []func()) {
	for _, f := range fns {
		f()
	}
}
