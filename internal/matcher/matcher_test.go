package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
)

type failingGeo struct{ geo.Index }

func (failingGeo) Nearby(context.Context, models.Coord, float64, int) ([]models.Driver, error) {
	return nil, errors.New("redis down")
}

func TestCandidatesPreferNearbyConnectedDrivers(t *testing.T) {
	ctx := context.Background()
	g := geo.NewMemory()
	_ = g.Upsert(ctx, models.Driver{ID: "A", Loc: models.Coord{Lat: 0.001}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "B", Loc: models.Coord{Lat: 0.002}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "gone", Loc: models.Coord{Lat: 0}, Online: true})

	s := &Selector{Geo: g, RadiusM: 5000, TopN: 5}
	got := s.Candidates(ctx, models.Coord{}, []string{"B", "A", "Z"})
	if fmt.Sprint(got) != "[A B]" {
		t.Fatalf("expected nearby connected drivers by distance, got %v", got)
	}
}

func TestCandidatesFallBackToAllConnected(t *testing.T) {
	s := &Selector{Geo: geo.NewMemory(), RadiusM: 5000}
	if got := s.Candidates(context.Background(), models.Coord{}, []string{"Z", "Y"}); fmt.Sprint(got) != "[Y Z]" {
		t.Fatalf("fallback %v", got)
	}
	s = &Selector{Geo: failingGeo{}}
	if got := s.Candidates(context.Background(), models.Coord{}, []string{"Y"}); fmt.Sprint(got) != "[Y]" {
		t.Fatalf("geo failure fallback %v", got)
	}
	if got := s.Candidates(context.Background(), models.Coord{}, nil); got != nil {
		t.Fatalf("no drivers connected should offer to nobody, got %v", got)
	}
}

func TestMemoryArbiterSingleWinnerUnderContention(t *testing.T) {
	a := NewMemoryArbiter()
	const drivers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		winners = map[string]struct{}{}
	)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w, won, err := a.Claim(context.Background(), "R", id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if won {
				wins++
			}
			winners[w] = struct{}{}
		}(fmt.Sprintf("D%d", i))
	}
	wg.Wait()
	if wins != 1 || len(winners) != 1 {
		t.Fatalf("expected exactly one winner seen by all, got wins=%d winners=%v", wins, winners)
	}
}

func TestMemoryArbiterReclaimAndRelease(t *testing.T) {
	a := NewMemoryArbiter()
	ctx := context.Background()
	if _, won, _ := a.Claim(ctx, "R", "A"); !won {
		t.Fatalf("first claim should win")
	}
	if w, won, _ := a.Claim(ctx, "R", "A"); !won || w != "A" {
		t.Fatalf("winner re-claiming is idempotent")
	}
	if w, won, _ := a.Claim(ctx, "R", "B"); won || w != "A" {
		t.Fatalf("loser should learn the winner, got %s %v", w, won)
	}
	_ = a.Release(ctx, "R")
	if _, won, _ := a.Claim(ctx, "R", "B"); !won {
		t.Fatalf("released ride should be claimable")
	}
}

type fixedETA map[string]float64

func (f fixedETA) EstimateSeconds(_ context.Context, from, _ models.Coord) (float64, error) {
	return f[fmt.Sprint(from.Lat)], nil
}

func TestCandidatesOrderedByETAWhenConfigured(t *testing.T) {
	ctx := context.Background()
	g := geo.NewMemory()
	_ = g.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 0.001}, Online: true})
	_ = g.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 0.002}, Online: true})

	// the farther driver is on a faster road
	s := &Selector{Geo: g, RadiusM: 5000, ETA: fixedETA{"0.001": 300, "0.002": 60}}
	if got := s.Candidates(ctx, models.Coord{}, []string{"near", "far"}); fmt.Sprint(got) != "[far near]" {
		t.Fatalf("expected eta order, got %v", got)
	}
}
