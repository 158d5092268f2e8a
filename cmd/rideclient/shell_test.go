package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/coordinator"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/ride"
)

type fakeSession struct {
	calls   []string
	spec    ride.RequestSpec
	reason  string
	chatted string
	failOp  string
}

func (f *fakeSession) record(op string) error {
	f.calls = append(f.calls, op)
	if op == f.failOp {
		return &coordinator.ActionError{Op: op, Err: coordinator.ErrNoRide}
	}
	return nil
}

func (f *fakeSession) RequestRide(spec ride.RequestSpec) (ride.Session, error) {
	f.spec = spec
	return ride.Session{ID: "R1", Kind: spec.Kind}, f.record("request")
}

func (f *fakeSession) AcceptRide(_ context.Context, id string) (ride.Session, error) {
	return ride.Session{ID: id, Pending: true}, f.record("accept")
}

func (f *fakeSession) DeclineOffer(_ context.Context, _, reason string) error {
	f.reason = reason
	return f.record("decline")
}

func (f *fakeSession) MarkArrived(context.Context) error  { return f.record("arrive") }
func (f *fakeSession) StartRide(context.Context) error    { return f.record("start") }
func (f *fakeSession) CompleteRide(context.Context) error { return f.record("complete") }

func (f *fakeSession) CancelRide(_ context.Context, reason string) error {
	f.reason = reason
	return f.record("cancel")
}

func (f *fakeSession) SendChat(body string) (models.ChatMessage, error) {
	f.chatted = body
	return models.ChatMessage{Body: body}, f.record("chat")
}

func (f *fakeSession) UpdateLocation(float64, float64) bool {
	_ = f.record("loc")
	return false
}

func (f *fakeSession) RefreshOffers(context.Context) ([]models.RideOffer, error) {
	return []models.RideOffer{{RideID: "R9", Kind: models.KindCourier, Fare: 7, PickupAddress: "Main St"}}, f.record("offers")
}

type fakeFeed struct {
	list     []models.Notification
	markedAt int
}

func (f *fakeFeed) List() []models.Notification { return f.list }
func (f *fakeFeed) Unread() int                 { return len(f.list) }
func (f *fakeFeed) MarkAllRead()                { f.markedAt++ }

func newShell(s *fakeSession, cur *ride.Session) (*shell, *bytes.Buffer) {
	var out bytes.Buffer
	return &shell{
		s:     s,
		notes: &fakeFeed{list: []models.Notification{{Title: "Ride accepted", Timestamp: time.Now()}}},
		current: func() (ride.Session, bool) {
			if cur == nil {
				return ride.Session{}, false
			}
			return *cur, true
		},
		role: models.RoleCustomer,
		out:  &out,
	}, &out
}

func TestShellRequestParsesCoordinatesAndKind(t *testing.T) {
	s := &fakeSession{}
	sh, out := newShell(s, nil)
	sh.exec(context.Background(), "request 1.5,2.5 3,4 12.75 courier")
	if s.spec.Kind != models.KindCourier || s.spec.Fare != 12.75 || s.spec.Pickup.Lon != 2.5 || s.spec.Dropoff.Lat != 3 {
		t.Fatalf("spec %+v", s.spec)
	}
	if !strings.Contains(out.String(), "requested courier R1") {
		t.Fatalf("output %q", out.String())
	}

	out.Reset()
	sh.exec(context.Background(), "request nowhere 3,4")
	if !strings.Contains(out.String(), "bad coordinate") {
		t.Fatalf("bad input not reported: %q", out.String())
	}
}

func TestShellDispatchesActions(t *testing.T) {
	s := &fakeSession{}
	sh, out := newShell(s, nil)
	ctx := context.Background()
	for _, line := range []string{"offers", "accept R9", "decline R9 too far", "arrive", "start", "complete", "cancel", "chat see you soon", "loc 1 2"} {
		if sh.exec(ctx, line) {
			t.Fatalf("%q quit the shell", line)
		}
	}
	want := "offers accept decline arrive start complete cancel chat loc"
	if got := strings.Join(s.calls, " "); got != want {
		t.Fatalf("calls %q", got)
	}
	if s.reason != "" || s.chatted != "see you soon" {
		t.Fatalf("reason %q chat %q", s.reason, s.chatted)
	}
	text := out.String()
	for _, want := range []string{"R9  courier fare 7.00  from Main St", "accepted R9", "location not sent"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestShellUsageAndActionErrors(t *testing.T) {
	s := &fakeSession{failOp: "arrive"}
	sh, out := newShell(s, nil)
	ctx := context.Background()
	sh.exec(ctx, "accept")
	sh.exec(ctx, "arrive")
	sh.exec(ctx, "fly")
	text := out.String()
	if !strings.Contains(text, `usage error for "accept"`) || !strings.Contains(text, `unknown command "fly"`) {
		t.Fatalf("output %q", text)
	}
	if strings.Contains(text, "error: arrive") {
		t.Fatalf("action error printed twice: %q", text)
	}
	if !sh.exec(ctx, "quit") {
		t.Fatalf("quit did not quit")
	}
}

func TestShellStatusAndNotes(t *testing.T) {
	cur := &ride.Session{ID: "R1", Kind: models.KindRide, Status: models.StatusAccepted, DriverID: "D1"}
	sh, out := newShell(&fakeSession{}, cur)
	sh.exec(context.Background(), "status")
	sh.exec(context.Background(), "notes")
	text := out.String()
	if !strings.Contains(text, "ride R1: accepted, driver D1") || !strings.Contains(text, "1 notifications, 1 unread") {
		t.Fatalf("output %q", text)
	}
	if sh.notes.(*fakeFeed).markedAt != 1 {
		t.Fatalf("notes not marked read")
	}
}

func TestShellRunStopsAtEOF(t *testing.T) {
	s := &fakeSession{}
	sh, _ := newShell(s, nil)
	if err := sh.run(context.Background(), strings.NewReader("arrive\nstart\n")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(s.calls) != 2 {
		t.Fatalf("calls %v", s.calls)
	}
}
