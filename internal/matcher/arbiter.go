package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Arbiter settles the accept race: the first driver to claim a ride wins and
// every later claim learns who did.
type Arbiter interface {
	Claim(ctx context.Context, rideID, driverID string) (winner string, won bool, err error)
	Release(ctx context.Context, rideID string) error
}

// MemoryArbiter keeps claims in process.
type MemoryArbiter struct {
	mu     sync.Mutex
	claims map[string]string
}

func NewMemoryArbiter() *MemoryArbiter {
	return &MemoryArbiter{claims: make(map[string]string)}
}

func (a *MemoryArbiter) Claim(_ context.Context, rideID, driverID string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.claims[rideID]; ok {
		return w, w == driverID, nil
	}
	a.claims[rideID] = driverID
	return driverID, true, nil
}

func (a *MemoryArbiter) Release(_ context.Context, rideID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.claims, rideID)
	return nil
}

// RedisArbiter uses SET NX so several relay replicas agree on one winner.
type RedisArbiter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisArbiter(client *redis.Client, ttl time.Duration) *RedisArbiter {
	return &RedisArbiter{client: client, ttl: ttl}
}

func (a *RedisArbiter) Claim(ctx context.Context, rideID, driverID string) (string, bool, error) {
	key := claimKey(rideID)
	ok, err := a.client.SetNX(ctx, key, driverID, a.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", rideID, err)
	}
	if ok {
		return driverID, true, nil
	}
	w, err := a.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// claim expired between SETNX and GET; try once more
		return a.Claim(ctx, rideID, driverID)
	}
	if err != nil {
		return "", false, fmt.Errorf("claim owner %s: %w", rideID, err)
	}
	return w, w == driverID, nil
}

func (a *RedisArbiter) Release(ctx context.Context, rideID string) error {
	return a.client.Del(ctx, claimKey(rideID)).Err()
}

func claimKey(rideID string) string { return "ride:claim:" + rideID }
