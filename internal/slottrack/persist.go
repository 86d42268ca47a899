package slottrack

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// PersistentTracker pairs a Tracker with a Redis-backed resume point
// (SPEC_FULL.md's domain-stack wiring for `go-redis/redis/v8`: a single
// key, not entity state, so this stays within the non-goals' "forward
// resume from a remembered slot" carve-out rather than reintroducing
// durable entity storage across restarts).
type PersistentTracker struct {
	*Tracker
	rdb *redis.Client
	key string
}

// NewPersistent wraps a fresh Tracker with Redis-backed load/save under
// key. A nil rdb disables persistence: Load is a no-op returning 0, and
// Save does nothing.
func NewPersistent(rdb *redis.Client, key string) *PersistentTracker {
	return &PersistentTracker{Tracker: New(), rdb: rdb, key: key}
}

// Load reads the last-persisted slot from Redis and advances the
// in-memory tracker to it, returning the resume point a reconnecting
// EventSource should start from. Call once at startup.
func (p *PersistentTracker) Load(ctx context.Context) (uint64, error) {
	if p.rdb == nil {
		return 0, nil
	}
	raw, err := p.rdb.Get(ctx, p.key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	slot, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	p.Advance(slot)
	return slot, nil
}

// Save persists the current slot to Redis. Intended to be called
// periodically (e.g. from the same cron schedule driving other
// maintenance jobs) rather than on every event, since losing the last
// few slots on a crash only costs a short replay window.
func (p *PersistentTracker) Save(ctx context.Context) error {
	if p.rdb == nil {
		return nil
	}
	return p.rdb.Set(ctx, p.key, strconv.FormatUint(p.Current(), 10), 0).Err()
}
