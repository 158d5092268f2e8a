package router

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

func newTestRouter() *Router { return New(logging.Discard()) }

func TestDispatchInvokesAllHandlersInOrder(t *testing.T) {
	r := newTestRouter()
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		if _, err := r.Register("ui", models.TypeRideTaken, func(models.Envelope) error {
			got = append(got, name)
			return nil
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if n := r.Dispatch(models.Envelope{Type: models.TypeRideTaken}); n != 3 {
		t.Fatalf("expected 3 invocations, got %d", n)
	}
	if fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	r := newTestRouter()
	ran := 0
	_, _ = r.Register("x", models.TypeRideStatusUpdate, func(models.Envelope) error { panic("boom") })
	_, _ = r.Register("x", models.TypeRideStatusUpdate, func(models.Envelope) error { return errors.New("bad payload") })
	_, _ = r.Register("y", models.TypeRideStatusUpdate, func(models.Envelope) error { ran++; return nil })

	r.Dispatch(models.Envelope{Type: models.TypeRideStatusUpdate})
	if ran != 1 {
		t.Fatalf("healthy handler should still run, ran=%d", ran)
	}
}

func TestWildcardSeesEveryEnvelope(t *testing.T) {
	r := newTestRouter()
	var seen []models.MessageType
	_, _ = r.Register("diag", models.Wildcard, func(env models.Envelope) error {
		seen = append(seen, env.Type)
		return nil
	})
	r.Dispatch(models.Envelope{Type: models.TypeRideTaken})
	r.Dispatch(models.Envelope{Type: models.TypeDriverArrived})
	if len(seen) != 2 || seen[1] != models.TypeDriverArrived {
		t.Fatalf("wildcard saw %v", seen)
	}
}

func TestUnknownTypes(t *testing.T) {
	r := newTestRouter()
	if _, err := r.Register("ui", "ride_acepted", func(models.Envelope) error { return nil }); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	called := false
	_, _ = r.Register("diag", models.Wildcard, func(models.Envelope) error { called = true; return nil })
	if n := r.Dispatch(models.Envelope{Type: "surprise"}); n != 0 || called {
		t.Fatalf("unknown envelope must be dropped before any handler")
	}
}

func TestDisposeRemovesOnlyThatRegistration(t *testing.T) {
	r := newTestRouter()
	reg, _ := r.Register("ui", models.TypeRideTaken, func(models.Envelope) error { return nil })
	_, _ = r.Register("ui", models.TypeRideTaken, func(models.Envelope) error { return nil })
	reg.Dispose()
	reg.Dispose()
	if c := r.HandlerCount(models.TypeRideTaken); c != 1 {
		t.Fatalf("expected 1 handler left, got %d", c)
	}
}

func TestHandlerMayDisposeDuringDispatch(t *testing.T) {
	r := newTestRouter()
	calls := 0
	var reg *Registration
	reg, _ = r.Register("once", models.TypeRideTaken, func(models.Envelope) error {
		calls++
		reg.Dispose()
		return nil
	})
	r.Dispatch(models.Envelope{Type: models.TypeRideTaken})
	r.Dispatch(models.Envelope{Type: models.TypeRideTaken})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

// ClearOwner(X) must remove every registration of X and nothing else, for
// any interleaving of registrations.
func TestClearOwnerRemovesExactlyThatOwner(t *testing.T) {
	types := []models.MessageType{
		models.TypeRideAccepted, models.TypeRideTaken, models.TypeChatMessage,
		models.TypeConnectionEstablished, models.Wildcard,
	}
	owners := []Owner{"dashboard", "chat", "tracker"}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		r := newTestRouter()
		want := map[Owner]int{}
		for i := 0; i < 30; i++ {
			o := owners[rng.Intn(len(owners))]
			mt := types[rng.Intn(len(types))]
			if _, err := r.Register(o, mt, func(models.Envelope) error { return nil }); err != nil {
				t.Fatalf("register: %v", err)
			}
			want[o]++
		}
		victim := owners[rng.Intn(len(owners))]
		if removed := r.ClearOwner(victim); removed != want[victim] {
			t.Fatalf("round %d: removed %d want %d", round, removed, want[victim])
		}
		if r.OwnerCount(victim) != 0 {
			t.Fatalf("round %d: %s still has registrations", round, victim)
		}
		for _, o := range owners {
			if o != victim && r.OwnerCount(o) != want[o] {
				t.Fatalf("round %d: owner %s lost registrations", round, o)
			}
		}
	}
}

func TestScopeCloseAndClearAll(t *testing.T) {
	r := newTestRouter()
	s := r.Scope("ride-view")
	err := s.OnAll(map[models.MessageType]Handler{
		models.TypeRideAccepted: func(models.Envelope) error { return nil },
		models.TypeRideTaken:    func(models.Envelope) error { return nil },
	})
	if err != nil {
		t.Fatalf("OnAll: %v", err)
	}
	_, _ = r.Register("other", models.TypeRideTaken, func(models.Envelope) error { return nil })
	s.Close()
	if r.Len() != 1 {
		t.Fatalf("expected only the other owner's handler, got %d", r.Len())
	}
	r.ClearAll()
	if r.Len() != 0 {
		t.Fatalf("ClearAll left %d handlers", r.Len())
	}
}
