// Package coordinator owns one client session: the router, the connection,
// the ride tracker, the notification feed and the chat channel, wired
// together under a single owner scope.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-realtime/internal/chat"
	"github.com/example/ride-realtime/internal/connection"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/notify"
	"github.com/example/ride-realtime/internal/restapi"
	"github.com/example/ride-realtime/internal/ride"
	"github.com/example/ride-realtime/internal/router"
)

var (
	ErrWrongRole = errors.New("coordinator: action not available for this role")
	ErrNoRide    = errors.New("coordinator: no active ride")
	ErrClosed    = errors.New("coordinator: session closed")
)

// RideAPI is the REST side of the relay.
type RideAPI interface {
	AcceptRide(ctx context.Context, rideID string) (models.AcceptedPayload, error)
	DeclineRide(ctx context.Context, rideID, reason string) error
	MarkArrived(ctx context.Context, rideID string) error
	StartRide(ctx context.Context, rideID string) error
	CompleteRide(ctx context.Context, rideID string) error
	CancelRide(ctx context.Context, rideID, reason string) error
	AvailableRides(ctx context.Context) ([]models.RideOffer, error)
	ChatHistory(ctx context.Context, rideID string) ([]models.ChatMessage, error)
}

// ActionError is a failed user action. It is shown once as an alert and
// never retried automatically.
type ActionError struct {
	Op     string
	RideID string
	Err    error
}

func (e *ActionError) Error() string {
	if e.RideID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RideID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

type Options struct {
	Role   models.Role
	UserID string
	Token  string

	Connection       connection.Config
	Dialer           connection.Dialer
	API              RideAPI
	APIBase          string
	RequestTimeout   time.Duration
	DeclineGrace     time.Duration
	LocationInterval time.Duration
	MaxNotifications int

	Chime  notify.Chime
	Alerts notify.AlertSink
	Logger *slog.Logger
}

type Coordinator struct {
	opts   Options
	logger *slog.Logger

	Router        *router.Router
	Conn          *connection.Manager
	Rides         *ride.Tracker
	Notifications *notify.Center
	Chat          *chat.Channel

	api     RideAPI
	scope   *router.Scope
	limiter *rate.Limiter

	mu        sync.Mutex
	offers    []models.RideOffer
	driverLoc *models.LocationPayload
	started   bool
	closed    bool
	closeOnce sync.Once

	// background work such as chat history loads
	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component of the session. Nothing is connected until Start.
func New(opts Options) (*Coordinator, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.LocationInterval <= 0 {
		opts.LocationInterval = 5 * time.Second
	}
	if opts.API == nil {
		if opts.APIBase == "" {
			return nil, errors.New("either API or APIBase is required")
		}
		opts.API = restapi.NewClient(opts.APIBase, opts.Role, opts.UserID, opts.Token, opts.RequestTimeout)
	}
	logger := opts.Logger.With("role", opts.Role, "user_id", opts.UserID)

	c := &Coordinator{
		opts:    opts,
		logger:  logger,
		api:     opts.API,
		limiter: rate.NewLimiter(rate.Every(opts.LocationInterval), 1),
	}
	c.bg, c.stopBg = context.WithCancel(context.Background())
	c.Router = router.New(logger)
	c.Conn = connection.NewManager(opts.Connection, c.Router, opts.Dialer, logger)
	c.Notifications = notify.New(notify.Config{Role: opts.Role, MaxEntries: opts.MaxNotifications}, opts.Chime, opts.Alerts, logger)
	c.Chat = chat.New(chat.Config{Role: opts.Role, UserID: opts.UserID}, c.Conn, opts.API, c.Notifications, logger)
	c.Rides = ride.NewTracker(ride.Config{Role: opts.Role, UserID: opts.UserID, GraceDelay: opts.DeclineGrace}, c.Conn, hooks{c}, logger)
	c.scope = c.Router.Scope(router.Owner(fmt.Sprintf("session:%s:%s", opts.Role, opts.UserID)))
	return c, nil
}

// Start registers the session's handlers and opens the connection. A failed
// first dial is returned; the manager keeps retrying in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	bind := !c.started
	c.started = true
	c.mu.Unlock()

	if bind {
		if err := errors.Join(c.Rides.Bind(c.scope), c.Chat.Bind(c.scope), c.bind()); err != nil {
			return fmt.Errorf("register handlers: %w", err)
		}
	}
	return c.Conn.Connect(ctx, connection.Endpoint{Role: c.opts.Role, UserID: c.opts.UserID, Token: c.opts.Token})
}

func (c *Coordinator) bind() error {
	offer := func(env models.Envelope) error {
		var o models.RideOffer
		if err := env.Decode(&o); err != nil {
			return err
		}
		if o.Kind == "" && env.Type == models.TypeNewCourierRequest {
			o.Kind = models.KindCourier
		}
		c.addOffer(o)
		return nil
	}
	return c.scope.OnAll(map[models.MessageType]router.Handler{
		models.TypeConnectionEstablished: func(models.Envelope) error {
			c.logger.Info("session established")
			return nil
		},
		models.TypeNewRideRequest:    offer,
		models.TypeNewCourierRequest: offer,
		models.TypeRideTaken: func(env models.Envelope) error {
			var p models.TakenPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			c.removeOffer(p.RideID)
			return nil
		},
		models.TypeRideStatusUpdate: func(env models.Envelope) error {
			var p models.StatusPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			if p.Status.Terminal() {
				c.removeOffer(p.RideID)
			}
			return nil
		},
		models.TypeLocationUpdate: func(env models.Envelope) error {
			var p models.LocationPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			c.mu.Lock()
			c.driverLoc = &p
			c.mu.Unlock()
			return nil
		},
	})
}

// Close tears the session down: handlers, timers and the connection.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.offers = nil
		c.mu.Unlock()
		c.stopBg()
		c.wg.Wait()
		c.scope.Close()
		c.Rides.Close()
		c.Conn.Disconnect()
		c.Chat.Close()
		c.logger.Info("session closed")
	})
}

// RequestRide asks for a ride or courier delivery as a customer.
func (c *Coordinator) RequestRide(spec ride.RequestSpec) (ride.Session, error) {
	if c.opts.Role != models.RoleCustomer {
		return ride.Session{}, c.fail("request ride", spec.RideID, ErrWrongRole)
	}
	s, err := c.Rides.Request(spec)
	if err != nil {
		return ride.Session{}, c.fail("request ride", spec.RideID, err)
	}
	return s, nil
}

// AcceptRide claims an offer. The session stays pending until the relay's
// broadcast confirms it; a failed claim rolls the pending session back.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID string) (ride.Session, error) {
	const op = "accept ride"
	if c.opts.Role != models.RoleDriver {
		return ride.Session{}, c.fail(op, rideID, ErrWrongRole)
	}
	o, ok := c.offer(rideID)
	if !ok {
		o = models.RideOffer{RideID: rideID}
	}
	s, err := c.Rides.BeginAccept(o)
	if err != nil {
		return ride.Session{}, c.fail(op, rideID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if _, err := c.api.AcceptRide(ctx, rideID); err != nil {
		c.Rides.AbortAccept(rideID)
		if errors.Is(err, restapi.ErrConflict) {
			c.removeOffer(rideID)
		}
		return ride.Session{}, c.fail(op, rideID, err)
	}
	c.removeOffer(rideID)
	if cur, ok := c.Rides.Current(); ok && cur.ID == rideID {
		s = cur
	}
	return s, nil
}

// goBackground runs fn on its own goroutine unless the session is closed.
// Close cancels ctx and waits for fn to return.
func (c *Coordinator) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.bg)
	}()
}

// DeclineOffer tells the relay this driver will not take the ride.
func (c *Coordinator) DeclineOffer(ctx context.Context, rideID, reason string) error {
	const op = "decline ride"
	if c.opts.Role != models.RoleDriver {
		return c.fail(op, rideID, ErrWrongRole)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.api.DeclineRide(ctx, rideID, reason); err != nil {
		return c.fail(op, rideID, err)
	}
	c.removeOffer(rideID)
	if cur, ok := c.Rides.Current(); ok && cur.ID == rideID && !cur.Pending {
		// backing out of an assigned ride; the relay echoes ride_declined,
		// which is a no-op once this has run
		if reason == "" {
			reason = "driver declined"
		}
		c.Rides.HandleDeclined(models.DeclinedPayload{RideID: rideID, Reason: reason})
	}
	return nil
}

func (c *Coordinator) MarkArrived(ctx context.Context) error {
	return c.driverAction(ctx, "mark arrived", c.api.MarkArrived)
}

func (c *Coordinator) StartRide(ctx context.Context) error {
	return c.driverAction(ctx, "start ride", c.api.StartRide)
}

func (c *Coordinator) CompleteRide(ctx context.Context) error {
	return c.driverAction(ctx, "complete ride", c.api.CompleteRide)
}

// CancelRide is available to both parties of the current ride.
func (c *Coordinator) CancelRide(ctx context.Context, reason string) error {
	const op = "cancel ride"
	cur, ok := c.Rides.Current()
	if !ok || cur.Pending {
		return c.fail(op, "", ErrNoRide)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.api.CancelRide(ctx, cur.ID, reason); err != nil {
		return c.fail(op, cur.ID, err)
	}
	return nil
}

// driverAction calls a REST action on the current ride. The resulting status
// change arrives as a broadcast; nothing is applied locally.
func (c *Coordinator) driverAction(ctx context.Context, op string, call func(context.Context, string) error) error {
	if c.opts.Role != models.RoleDriver {
		return c.fail(op, "", ErrWrongRole)
	}
	cur, ok := c.Rides.Current()
	if !ok || cur.Pending {
		return c.fail(op, "", ErrNoRide)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := call(ctx, cur.ID); err != nil {
		return c.fail(op, cur.ID, err)
	}
	return nil
}

// SendChat posts a message on the open ride's chat.
func (c *Coordinator) SendChat(body string) (models.ChatMessage, error) {
	msg, err := c.Chat.Send(body)
	if err != nil {
		return msg, c.fail("send message", c.Chat.RideID(), err)
	}
	return msg, nil
}

// UpdateLocation publishes the driver's position, at most once per
// LocationInterval. Updates over the limit are dropped and reported false.
func (c *Coordinator) UpdateLocation(lat, lng float64) bool {
	if c.opts.Role != models.RoleDriver || !c.limiter.Allow() {
		return false
	}
	p := models.LocationPayload{DriverID: c.opts.UserID, Lat: lat, Lng: lng}
	if cur, ok := c.Rides.Current(); ok && !cur.Pending {
		p.RideID = cur.ID
	}
	c.Conn.Send(models.TypeLocationUpdate, p)
	return true
}

// DriverLocation is the last position the assigned driver reported.
func (c *Coordinator) DriverLocation() (models.LocationPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driverLoc == nil {
		return models.LocationPayload{}, false
	}
	return *c.driverLoc, true
}

// RefreshOffers replaces the offer list with the relay's open requests.
func (c *Coordinator) RefreshOffers(ctx context.Context) ([]models.RideOffer, error) {
	if c.opts.Role != models.RoleDriver {
		return nil, c.fail("list rides", "", ErrWrongRole)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	offers, err := c.api.AvailableRides(ctx)
	if err != nil {
		return nil, c.fail("list rides", "", err)
	}
	c.mu.Lock()
	c.offers = append([]models.RideOffer(nil), offers...)
	c.mu.Unlock()
	return offers, nil
}

// Offers lists the open requests offered to this driver, oldest first.
func (c *Coordinator) Offers() []models.RideOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RideOffer(nil), c.offers...)
}

func (c *Coordinator) offer(rideID string) (models.RideOffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.offers {
		if o.RideID == rideID {
			return o, true
		}
	}
	return models.RideOffer{}, false
}

func (c *Coordinator) addOffer(o models.RideOffer) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for i := range c.offers {
		if c.offers[i].RideID == o.RideID {
			c.offers[i] = o
			c.mu.Unlock()
			return
		}
	}
	c.offers = append(c.offers, o)
	c.mu.Unlock()

	t, title := models.NotifyNewRideRequest, "New ride request"
	if o.Kind == models.KindCourier {
		t, title = models.NotifyNewCourierRequest, "New delivery request"
	}
	c.Notifications.Notify(t, title, o.PickupAddress, o)
}

func (c *Coordinator) removeOffer(rideID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.offers {
		if c.offers[i].RideID == rideID {
			c.offers = append(c.offers[:i:i], c.offers[i+1:]...)
			return true
		}
	}
	return false
}

// fail wraps err as an ActionError and raises it as a transient alert.
func (c *Coordinator) fail(op, rideID string, err error) error {
	ae := &ActionError{Op: op, RideID: rideID, Err: err}
	c.logger.Warn("action failed", "op", op, "ride_id", rideID, "error", err)
	c.Notifications.Push(models.Notification{Type: models.NotifyError, Title: op + " failed", Message: err.Error()})
	return ae
}
