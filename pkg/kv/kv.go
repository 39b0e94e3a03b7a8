package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Member is a sorted-set entry.
type Member struct {
	Value string
	Score float64
}

// Store is the shared counter/state store backing the rate limiter, circuit
// breaker persistence, distributed lock and job queue. The Redis
// implementation is used in production; the in-process implementation keeps
// the engine functional in single-node deployments and in tests.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if it does not exist. Returns true when the
	// value was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// IncrWithTTL atomically increments the counter at key and applies ttl
	// when the increment created the key.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndDelete deletes the key only if its current value equals
	// expected. Returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	// ZPopMin removes and returns the lowest-scored member, ok=false when
	// the set is empty.
	ZPopMin(ctx context.Context, key string) (Member, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
}
