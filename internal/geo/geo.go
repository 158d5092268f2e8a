// Package geo indexes online drivers by position so new requests can be
// offered to the closest ones first.
package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// Index is the minimal interface required by the matcher and the relay.
type Index interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]models.Driver, error)
}

// Memory is an in-process Index.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.Driver), now: time.Now}
}

func (g *Memory) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = g.now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Memory) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Nearby returns online drivers within radiusM of at, closest first. A
// non-positive radius means unbounded.
func (g *Memory) Nearby(_ context.Context, at models.Coord, radiusM float64, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Haversine(at.Lat, at.Lon, d.Loc.Lat, d.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].d.ID < arr[j].d.ID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
