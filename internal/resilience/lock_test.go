package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox-backend/pkg/kv"
)

func TestLockSingleHolder(t *testing.T) {
	lock := NewLock(kv.NewMemoryStore())
	ctx := context.Background()

	token, err := lock.Acquire(ctx, "cleanup", time.Minute, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = lock.Acquire(ctx, "cleanup", time.Minute, 0)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestLockReleaseRequiresToken(t *testing.T) {
	lock := NewLock(kv.NewMemoryStore())
	ctx := context.Background()

	token, err := lock.Acquire(ctx, "cleanup", time.Minute, 0)
	require.NoError(t, err)

	// A wrong token must not release the lock
	assert.ErrorIs(t, lock.Release(ctx, "cleanup", "not-the-token"), ErrNotHolder)
	_, err = lock.Acquire(ctx, "cleanup", time.Minute, 0)
	assert.ErrorIs(t, err, ErrLockHeld)

	// The holder releases, the lock is free again
	require.NoError(t, lock.Release(ctx, "cleanup", token))
	_, err = lock.Acquire(ctx, "cleanup", time.Minute, 0)
	assert.NoError(t, err)
}

func TestLockExpiresByTTL(t *testing.T) {
	store := kv.NewMemoryStore()
	lock := NewLock(store)
	ctx := context.Background()

	base := time.Now()
	store.Now = func() time.Time { return base }

	token, err := lock.Acquire(ctx, "cleanup", time.Minute, 0)
	require.NoError(t, err)

	// After the TTL the lock is reacquirable, and the stale holder
	// cannot release it anymore
	store.Now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = lock.Acquire(ctx, "cleanup", time.Minute, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, lock.Release(ctx, "cleanup", token), ErrNotHolder)
}

func TestLockDistinctKeys(t *testing.T) {
	lock := NewLock(kv.NewMemoryStore())
	ctx := context.Background()

	_, err := lock.Acquire(ctx, "cleanup", time.Minute, 0)
	require.NoError(t, err)
	_, err = lock.Acquire(ctx, "reindex", time.Minute, 0)
	assert.NoError(t, err, "different keys are independent locks")
}
