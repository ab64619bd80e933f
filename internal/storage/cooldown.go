package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldowns remembers fixed stops a driver has just dropped off at, so a new
// pickup at the same stop is not matched to them for a short while.
type Cooldowns interface {
	Mark(ctx context.Context, driverID, stopID string, at time.Time) error
	Active(ctx context.Context, driverID, stopID string, at time.Time) (bool, error)
}

type MemoryCooldowns struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[string]time.Time
}

func NewMemoryCooldowns(ttl time.Duration) *MemoryCooldowns {
	return &MemoryCooldowns{ttl: ttl, until: make(map[string]time.Time)}
}

func cooldownKey(driverID, stopID string) string { return driverID + "|" + stopID }

func (m *MemoryCooldowns) Mark(_ context.Context, driverID, stopID string, at time.Time) error {
	if stopID == "" || m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	m.until[cooldownKey(driverID, stopID)] = at.Add(m.ttl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCooldowns) Active(_ context.Context, driverID, stopID string, at time.Time) (bool, error) {
	if stopID == "" {
		return false, nil
	}
	k := cooldownKey(driverID, stopID)
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.until[k]
	if !ok {
		return false, nil
	}
	if !at.Before(until) {
		delete(m.until, k)
		return false, nil
	}
	return true, nil
}

// RedisCooldowns keeps one expiring key per driver and stop. Expiry is left
// to Redis, so the at arguments are ignored.
type RedisCooldowns struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCooldowns(client *redis.Client, prefix string, ttl time.Duration) *RedisCooldowns {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisCooldowns{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCooldowns) key(driverID, stopID string) string {
	return fmt.Sprintf("%s:cooldown:%s:%s", r.prefix, driverID, stopID)
}

func (r *RedisCooldowns) Mark(ctx context.Context, driverID, stopID string, _ time.Time) error {
	if stopID == "" || r.ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(driverID, stopID), 1, r.ttl).Err()
}

func (r *RedisCooldowns) Active(ctx context.Context, driverID, stopID string, _ time.Time) (bool, error) {
	if stopID == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.key(driverID, stopID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var (
	_ Cooldowns = (*MemoryCooldowns)(nil)
	_ Cooldowns = (*RedisCooldowns)(nil)
)
