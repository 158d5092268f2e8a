package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/models"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	first := &models.Ride{ID: uuid.NewString(), Kind: models.KindRide, CustomerID: "C", Status: models.StatusRequested,
		OfferedTo: []string{"A", "B"}, CreatedAt: now, UpdatedAt: now}
	second := &models.Ride{ID: uuid.NewString(), Kind: models.KindCourier, CustomerID: "C", Status: models.StatusRequested,
		CreatedAt: now.Add(time.Second), UpdatedAt: now}
	for _, r := range []*models.Ride{first, second} {
		if err := s.SaveRide(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	first.OfferedTo[0] = "mutated"
	got, err := s.GetRide(ctx, first.ID)
	if err != nil || got.OfferedTo[0] != "A" || len(got.OfferedTo) != 2 {
		t.Fatalf("get: %+v %v", got, err)
	}

	got.Status = models.StatusAccepted
	got.DriverID = "A"
	if err := s.UpdateRide(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	open, err := s.OpenRides(ctx)
	if err != nil {
		t.Fatalf("open rides: %v", err)
	}
	found := false
	for _, r := range open {
		if r.ID == first.ID {
			t.Fatalf("accepted ride still listed as open")
		}
		found = found || r.ID == second.ID
	}
	if !found {
		t.Fatalf("requested ride missing from open list")
	}

	if _, err := s.GetRide(ctx, "missing-"+uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing ride: %v", err)
	}
	if err := s.UpdateRide(ctx, &models.Ride{ID: "missing-" + uuid.NewString()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing ride: %v", err)
	}

	for i, body := range []string{"hi", "on my way"} {
		m := models.ChatMessage{ID: uuid.NewString(), RideID: first.ID, SenderRole: models.RoleCustomer, SenderID: "C",
			ReceiverRole: models.RoleDriver, ReceiverID: "A", Body: body, Timestamp: now.Add(time.Duration(i) * time.Second)}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := s.Messages(ctx, first.ID)
	if err != nil || len(msgs) != 2 || msgs[0].Body != "hi" || msgs[1].Body != "on my way" {
		t.Fatalf("messages: %+v %v", msgs, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exercise(t, s)
}
