package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/connection"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/restapi"
	"github.com/example/ride-realtime/internal/ride"
)

var errClosed = errors.New("pipe closed")

type pipeConn struct {
	in     chan models.Envelope
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []models.Envelope
}

func newPipe() *pipeConn {
	return &pipeConn{in: make(chan models.Envelope, 16), closed: make(chan struct{})}
}

func (p *pipeConn) ReadJSON(v any) error {
	select {
	case env := <-p.in:
		*(v.(*models.Envelope)) = env
		return nil
	case <-p.closed:
		return errClosed
	}
}

func (p *pipeConn) WriteJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, v.(models.Envelope))
	return nil
}

func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) sent(t models.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.written {
		if e.Type == t {
			n++
		}
	}
	return n
}

type pipeDialer struct{ conn *pipeConn }

func (d pipeDialer) Dial(context.Context, string) (connection.Conn, error) { return d.conn, nil }

type fakeAPI struct {
	mu        sync.Mutex
	acceptErr error
	calls     []string
	history   []models.ChatMessage
	// historyGate, when set, holds ChatHistory until it closes or ctx ends
	historyGate chan struct{}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) AcceptRide(_ context.Context, id string) (models.AcceptedPayload, error) {
	f.record("accept " + id)
	return models.AcceptedPayload{RideID: id}, f.acceptErr
}
func (f *fakeAPI) DeclineRide(_ context.Context, id, _ string) error {
	f.record("decline " + id)
	return nil
}
func (f *fakeAPI) MarkArrived(_ context.Context, id string) error {
	f.record("arrive " + id)
	return nil
}
func (f *fakeAPI) StartRide(_ context.Context, id string) error {
	f.record("start " + id)
	return nil
}
func (f *fakeAPI) CompleteRide(_ context.Context, id string) error {
	f.record("complete " + id)
	return nil
}
func (f *fakeAPI) CancelRide(_ context.Context, id, _ string) error {
	f.record("cancel " + id)
	return nil
}
func (f *fakeAPI) AvailableRides(context.Context) ([]models.RideOffer, error) {
	return []models.RideOffer{{RideID: "A"}}, nil
}
func (f *fakeAPI) ChatHistory(ctx context.Context, _ string) ([]models.ChatMessage, error) {
	f.record("history")
	if f.historyGate != nil {
		select {
		case <-f.historyGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeAPI) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type alertLog struct {
	mu  sync.Mutex
	got []models.Notification
}

func (a *alertLog) Alert(n models.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, n)
}

func (a *alertLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func start(t *testing.T, role models.Role, id string, api *fakeAPI) (*Coordinator, *pipeConn, *alertLog) {
	t.Helper()
	pipe, alerts := newPipe(), &alertLog{}
	cfg := connection.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	c, err := New(Options{
		Role:             role,
		UserID:           id,
		Token:            "tok",
		Connection:       cfg,
		Dialer:           pipeDialer{pipe},
		API:              api,
		DeclineGrace:     20 * time.Millisecond,
		LocationInterval: time.Hour,
		Alerts:           alerts,
		Logger:           logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Close)
	return c, pipe, alerts
}

func TestDriverAcceptFlow(t *testing.T) {
	api := &fakeAPI{history: []models.ChatMessage{{ID: "m1", RideID: "R", Body: "where are you?"}}}
	c, pipe, _ := start(t, models.RoleDriver, "D", api)

	pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R", CustomerID: "C", Fare: 9})
	pipe.in <- models.MustEnvelope(models.TypeNewCourierRequest, models.RideOffer{RideID: "P", CustomerID: "C2"})
	eventually(t, "offers", func() bool { return len(c.Offers()) == 2 })
	if c.Offers()[1].Kind != models.KindCourier {
		t.Fatalf("courier offer kind not set: %+v", c.Offers()[1])
	}
	if c.Notifications.Unread() != 2 {
		t.Fatalf("offers should raise notifications, unread=%d", c.Notifications.Unread())
	}

	s, err := c.AcceptRide(context.Background(), "R")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !s.Pending || s.Status != models.StatusRequested || s.CustomerID != "C" {
		t.Fatalf("accept must stay pending until confirmed: %+v", s)
	}
	if len(c.Offers()) != 1 {
		t.Fatalf("accepted offer should leave the list")
	}

	pipe.in <- models.MustEnvelope(models.TypeRideAcceptedSelf, models.AcceptedPayload{RideID: "R", DriverID: "D", CustomerID: "C"})
	eventually(t, "confirmation", func() bool { return c.Rides.Status() == models.StatusAccepted })
	eventually(t, "chat history", func() bool { return len(c.Chat.Messages()) == 1 })

	msg, err := c.SendChat("two minutes")
	if err != nil || msg.ReceiverID != "C" {
		t.Fatalf("chat: %+v %v", msg, err)
	}
	if err := c.StartRide(context.Background()); err != nil {
		t.Fatalf("start ride: %v", err)
	}
	if c.Rides.Status() != models.StatusAccepted {
		t.Fatalf("REST action must not move status locally")
	}
	eventually(t, "chat write", func() bool { return pipe.sent(models.TypeChatMessage) == 1 })
}

func TestDriverBackingOutResetsSession(t *testing.T) {
	api := &fakeAPI{}
	c, pipe, _ := start(t, models.RoleDriver, "D", api)
	pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R", CustomerID: "C"})
	eventually(t, "offer", func() bool { return len(c.Offers()) == 1 })
	if _, err := c.AcceptRide(context.Background(), "R"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pipe.in <- models.MustEnvelope(models.TypeRideAcceptedSelf, models.AcceptedPayload{RideID: "R", DriverID: "D", CustomerID: "C"})
	eventually(t, "confirmation", func() bool { return c.Rides.Status() == models.StatusAccepted })

	if err := c.DeclineOffer(context.Background(), "R", ""); err != nil {
		t.Fatalf("decline: %v", err)
	}
	hist := c.Rides.History()
	if len(hist) != 1 || hist[0].Status != models.StatusDeclined || hist[0].DeclineReason != "driver declined" {
		t.Fatalf("decline not applied locally: %+v", hist)
	}
	// the relay's echo must not restart anything
	pipe.in <- models.MustEnvelope(models.TypeRideDeclined, models.DeclinedPayload{RideID: "R", Reason: "driver declined"})
	eventually(t, "grace reset", func() bool { return c.Rides.Status() == models.StatusNone })

	pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R2", CustomerID: "C"})
	eventually(t, "next offer", func() bool { return len(c.Offers()) == 1 })
	if _, err := c.AcceptRide(context.Background(), "R2"); err != nil {
		t.Fatalf("accept after backing out: %v", err)
	}
}

func TestDeclineOfferLeavesPendingAcceptAlone(t *testing.T) {
	c, pipe, _ := start(t, models.RoleDriver, "D", &fakeAPI{})
	pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R"})
	eventually(t, "offer", func() bool { return len(c.Offers()) == 1 })
	if err := c.DeclineOffer(context.Background(), "R", "too far"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if c.Rides.Status() != models.StatusNone || len(c.Offers()) != 0 {
		t.Fatalf("status %s offers %d", c.Rides.Status(), len(c.Offers()))
	}
}

func TestChatUsableBeforeHistoryAndCloseStopsLoad(t *testing.T) {
	api := &fakeAPI{
		history:     []models.ChatMessage{{ID: "m1", RideID: "R", Body: "late"}},
		historyGate: make(chan struct{}),
	}
	c, pipe, _ := start(t, models.RoleDriver, "D", api)
	if _, err := c.AcceptRide(context.Background(), "R"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pipe.in <- models.MustEnvelope(models.TypeRideAcceptedSelf, models.AcceptedPayload{RideID: "R", DriverID: "D", CustomerID: "C"})
	eventually(t, "history load started", func() bool { return api.called("history") })

	if _, err := c.SendChat("right away"); err != nil {
		t.Fatalf("chat while history loads: %v", err)
	}
	c.Close()
	close(api.historyGate)
	if c.Chat.RideID() != "" || len(c.Chat.Messages()) != 0 {
		t.Fatalf("chat reopened after close: ride=%q msgs=%d", c.Chat.RideID(), len(c.Chat.Messages()))
	}
}

func TestAcceptConflictRollsBack(t *testing.T) {
	api := &fakeAPI{acceptErr: fmt.Errorf("post: %w", &restapi.StatusError{Code: 409, Message: "ride already taken"})}
	c, pipe, alerts := start(t, models.RoleDriver, "B", api)

	pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R"})
	eventually(t, "offer", func() bool { return len(c.Offers()) == 1 })

	_, err := c.AcceptRide(context.Background(), "R")
	var ae *ActionError
	if !errors.As(err, &ae) || !errors.Is(err, restapi.ErrConflict) {
		t.Fatalf("expected action error wrapping conflict, got %v", err)
	}
	if c.Rides.Status() != models.StatusNone {
		t.Fatalf("pending accept not rolled back: %s", c.Rides.Status())
	}
	if len(c.Offers()) != 0 || alerts.count() != 1 {
		t.Fatalf("offers=%d alerts=%d", len(c.Offers()), alerts.count())
	}
}

func TestRideTakenPrunesOffers(t *testing.T) {
	c, pipe, _ := start(t, models.RoleDriver, "B", &fakeAPI{})
	pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R"})
	pipe.in <- models.MustEnvelope(models.TypeRideTaken, models.TakenPayload{RideID: "R", DriverID: "A"})
	eventually(t, "prune", func() bool { return len(c.Offers()) == 0 && c.Notifications.Unread() == 1 })
}

func TestCustomerRequestAndDecline(t *testing.T) {
	c, pipe, alerts := start(t, models.RoleCustomer, "C", &fakeAPI{})

	if _, err := c.AcceptRide(context.Background(), "R"); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("customer accept: %v", err)
	}
	s, err := c.RequestRide(ride.RequestSpec{RideID: "R", Fare: 12})
	if err != nil || s.Status != models.StatusRequested {
		t.Fatalf("request: %+v %v", s, err)
	}
	eventually(t, "ride_request write", func() bool { return pipe.sent(models.TypeRideRequest) == 1 })

	pipe.in <- models.MustEnvelope(models.TypeRideDeclined, models.DeclinedPayload{RideID: "R", Reason: "no drivers"})
	eventually(t, "declined", func() bool { return c.Rides.Status() == models.StatusDeclined })
	eventually(t, "grace reset", func() bool { return c.Rides.Status() == models.StatusNone })

	list := c.Notifications.List()
	if len(list) != 1 || list[0].Type != models.NotifyRideDeclined || list[0].Message != "no drivers" {
		t.Fatalf("notifications %+v", list)
	}
	if alerts.count() != 1 {
		t.Fatalf("wrong-role accept should raise one alert")
	}
}

func TestUpdateLocationIsRateLimited(t *testing.T) {
	c, pipe, _ := start(t, models.RoleDriver, "D", &fakeAPI{})
	eventually(t, "connected", func() bool { return c.Conn.State() == connection.StateConnected })
	if !c.UpdateLocation(1, 2) {
		t.Fatalf("first update should pass")
	}
	if c.UpdateLocation(1, 2.1) {
		t.Fatalf("second update inside the interval should be dropped")
	}
	if pipe.sent(models.TypeLocationUpdate) != 1 {
		t.Fatalf("expected one location_update on the wire")
	}
}

func TestCloseStopsHandlers(t *testing.T) {
	c, pipe, _ := start(t, models.RoleDriver, "D", &fakeAPI{})
	c.Close()
	select {
	case pipe.in <- models.MustEnvelope(models.TypeNewRideRequest, models.RideOffer{RideID: "R"}):
	default:
	}
	time.Sleep(10 * time.Millisecond)
	if len(c.Offers()) != 0 || c.Conn.State() != connection.StateDisconnected {
		t.Fatalf("closed session still active")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: %v", err)
	}
}
