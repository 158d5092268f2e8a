// Package eta estimates how long a driver needs to reach a pickup point.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
)

// Estimator returns the travel time in seconds between two points.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Straight is distance / speed along the great circle. It never fails.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speed, nil
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// coordinates are rounded to ~11m so nearby lookups share entries
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Chain asks Primary (through the cache) and falls back to Fallback when
// the primary is missing or fails.
type Chain struct {
	Primary  Estimator
	Fallback Estimator
	Cache    *Cache
	Logger   *slog.Logger
}

func (c *Chain) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.Primary != nil {
		v, err := c.Primary.EstimateSeconds(ctx, from, to)
		if err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, v)
			}
			return v, nil
		}
		if c.Logger != nil {
			c.Logger.Debug("eta lookup failed, using fallback", "error", err)
		}
	}
	if c.Fallback == nil {
		return 0, fmt.Errorf("eta: no estimator available")
	}
	return c.Fallback.EstimateSeconds(ctx, from, to)
}
