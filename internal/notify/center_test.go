package notify

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

type brokenChime struct{ calls int }

func (b *brokenChime) Play(models.NotificationType) error {
	b.calls++
	return errors.New("autoplay blocked")
}

type alerts struct{ got []models.Notification }

func (a *alerts) Alert(n models.Notification) { a.got = append(a.got, n) }

func TestPushPrependsAndCounts(t *testing.T) {
	chime := &brokenChime{}
	c := New(Config{Role: models.RoleCustomer}, chime, nil, logging.Discard())
	first := c.Notify(models.NotifyRideAccepted, "Ride accepted", "Driver D is on the way", map[string]string{"ride_id": "R"})
	second := c.Notify(models.NotifyDriverArrived, "Driver arrived", "", nil)

	list := c.List()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected most recent first, got %+v", list)
	}
	if c.Unread() != 2 {
		t.Fatalf("unread %d", c.Unread())
	}
	if chime.calls != 2 {
		t.Fatalf("chime should be attempted for each entry, got %d", chime.calls)
	}
	if string(list[1].Payload) != `{"ride_id":"R"}` {
		t.Fatalf("payload %s", list[1].Payload)
	}
}

func TestNonSystemTypesAreTransient(t *testing.T) {
	a := &alerts{}
	c := New(Config{Role: models.RoleDriver}, nil, a, logging.Discard())
	c.Notify(models.NotifyError, "Accept failed", "try again", nil)
	if len(c.List()) != 0 || c.Unread() != 0 {
		t.Fatalf("transient alert was retained")
	}
	if len(a.got) != 1 || a.got[0].Title != "Accept failed" {
		t.Fatalf("alert sink got %+v", a.got)
	}
}

func TestMaxEntriesTrimsOldest(t *testing.T) {
	c := New(Config{MaxEntries: 2}, nil, nil, logging.Discard())
	c.Notify(models.NotifyNewMessage, "1", "", nil)
	c.Notify(models.NotifyNewMessage, "2", "", nil)
	c.Notify(models.NotifyNewMessage, "3", "", nil)
	list := c.List()
	if len(list) != 2 || list[0].Title != "3" || list[1].Title != "2" {
		t.Fatalf("unexpected feed %+v", list)
	}
	if c.Unread() != 2 {
		t.Fatalf("unread %d", c.Unread())
	}
}

// Unread must equal the number of unread entries after any operation sequence.
func TestUnreadInvariantUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := New(Config{Role: models.RoleAdmin}, nil, nil, logging.Discard())
	for step := 0; step < 2000; step++ {
		list := c.List()
		pick := func() string {
			if len(list) == 0 || rng.Intn(5) == 0 {
				return "missing"
			}
			return list[rng.Intn(len(list))].ID
		}
		switch rng.Intn(5) {
		case 0, 1:
			c.Notify(models.NotifyNewMessage, "msg", "", nil)
		case 2:
			c.MarkRead(pick())
		case 3:
			c.Clear(pick())
		case 4:
			if rng.Intn(10) == 0 {
				c.MarkAllRead()
			}
		}
		want := 0
		for _, n := range c.List() {
			if !n.Read {
				want++
			}
		}
		if got := c.Unread(); got != want || got < 0 {
			t.Fatalf("step %d: unread %d want %d", step, got, want)
		}
	}
}

func TestClearAndMarkUnknownID(t *testing.T) {
	c := New(Config{}, nil, nil, logging.Discard())
	n := c.Notify(models.NotifyRideCompleted, "done", "", nil)
	if c.MarkRead("nope") || c.Clear("nope") {
		t.Fatalf("unknown id should not match")
	}
	if !c.MarkRead(n.ID) || c.Unread() != 0 {
		t.Fatalf("mark read failed")
	}
	if !c.Clear(n.ID) || len(c.List()) != 0 {
		t.Fatalf("clear failed")
	}
	c.ClearAll()
	if c.Unread() != 0 {
		t.Fatalf("unread after clear all")
	}
}
