package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/models"
)

// RedisIndex implements Index using Redis GEO commands, with a small hash
// per driver for the online flag.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"online":  strconv.FormatBool(d.Online),
		"updated": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo upsert %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]models.Driver, error) {
	if radiusM <= 0 {
		// GEOSEARCH needs a radius; half the earth's circumference covers everything
		radiusM = 20_040_000
	}
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, fmt.Errorf("geo meta %s: %w", g.Name, err)
		}
		d.Online = m["online"] == "true"
		if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.Updated = ts
		}
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
