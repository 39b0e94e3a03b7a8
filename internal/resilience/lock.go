package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"unibox-backend/pkg/kv"
)

var (
	// ErrLockHeld is returned when the lock could not be acquired within
	// the retry budget.
	ErrLockHeld = errors.New("lock is held by another worker")
	// ErrNotHolder is returned when releasing a lock the caller no longer
	// holds (expired TTL, or a different worker reacquired it).
	ErrNotHolder = errors.New("lock is not held by this token")
)

const lockRetryDelay = 100 * time.Millisecond

// Lock is a distributed mutual-exclusion primitive over the shared store.
// The value stored under the key is a per-acquisition token; release is
// value-checked so an expired holder cannot release a successor's lock.
type Lock struct {
	store kv.Store
}

func NewLock(store kv.Store) *Lock {
	return &Lock{store: store}
}

// Acquire tries SetNX up to retries+1 times with a short delay. The
// returned token must be passed to Release.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration, retries int) (string, error) {
	token := uuid.New().String()
	for attempt := 0; ; attempt++ {
		ok, err := l.store.SetNX(ctx, "lock:"+key, token, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if attempt >= retries {
			return "", ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

func (l *Lock) Release(ctx context.Context, key, token string) error {
	ok, err := l.store.CompareAndDelete(ctx, "lock:"+key, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHolder
	}
	return nil
}
