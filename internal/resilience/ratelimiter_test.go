package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox-backend/pkg/kv"
)

func TestRateLimiterBoundary(t *testing.T) {
	store := kv.NewMemoryStore()
	limiter := NewRateLimiter(store)

	budget := Budget{Name: "test", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision := limiter.Allow(ctx, "acct-1", budget)
		require.True(t, decision.Allowed, "request %d within the limit must pass", i+1)
	}

	decision := limiter.Allow(ctx, "acct-1", budget)
	assert.False(t, decision.Allowed, "request over the limit must be denied")
	assert.Equal(t, int64(0), decision.Remaining)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	store := kv.NewMemoryStore()
	limiter := NewRateLimiter(store)

	budget := Budget{Name: "test", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "acct-1", budget).Allowed)
	require.False(t, limiter.Allow(ctx, "acct-1", budget).Allowed)

	assert.True(t, limiter.Allow(ctx, "acct-2", budget).Allowed,
		"a different account must have its own window")
}

func TestRateLimiterWindowReset(t *testing.T) {
	store := kv.NewMemoryStore()
	limiter := NewRateLimiter(store)

	base := time.Now().Truncate(time.Minute)
	limiter.now = func() time.Time { return base }
	store.Now = limiter.now

	budget := Budget{Name: "test", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "acct-1", budget).Allowed)
	require.False(t, limiter.Allow(ctx, "acct-1", budget).Allowed)

	// Next window starts fresh
	limiter.now = func() time.Time { return base.Add(time.Minute) }
	store.Now = limiter.now
	assert.True(t, limiter.Allow(ctx, "acct-1", budget).Allowed)
}

// failingStore errors on every counter operation.
type failingStore struct {
	*kv.MemoryStore
}

func (s *failingStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	limiter := NewRateLimiter(&failingStore{kv.NewMemoryStore()})

	decision := limiter.Allow(context.Background(), "acct-1",
		Budget{Name: "test", Limit: 1, Window: time.Minute})
	assert.True(t, decision.Allowed, "a broken store must not block operations")
}
