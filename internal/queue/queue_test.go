package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox-backend/internal/resilience"
	"unibox-backend/pkg/kv"
)

// newTestManager returns a manager over a memory store with a frozen,
// manually advanced clock shared by the manager and the store.
func newTestManager(t *testing.T) (*Manager, *kv.MemoryStore, *time.Time) {
	t.Helper()
	store := kv.NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	manager := NewManager(store, resilience.NewRateLimiter(store))
	manager.now = func() time.Time { return now }
	return manager, store, &now
}

func noopHandler(ctx context.Context, job *Job) error { return nil }

func TestEnqueueStoresWaitingJob(t *testing.T) {
	manager, store, _ := newTestManager(t)
	manager.Register("send-email", noopHandler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, "send-email", map[string]string{"to": "bob@example.com"}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := manager.GetJob(ctx, "send-email", id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)

	n, err := store.ZCard(ctx, waitingKey("send-email"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueRejectsUnregisteredQueue(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.Enqueue(context.Background(), "no-such-queue", nil, Options{})
	assert.Error(t, err)
}

func TestEnqueueWithDelayLandsInDelayedSet(t *testing.T) {
	manager, store, now := newTestManager(t)
	manager.Register("send-email", noopHandler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, "send-email", nil, Options{Delay: 30 * time.Second})
	require.NoError(t, err)

	job, err := manager.GetJob(ctx, "send-email", id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)
	assert.Equal(t, now.Add(30*time.Second), job.ProcessAt)

	waiting, err := store.ZCard(ctx, waitingKey("send-email"))
	require.NoError(t, err)
	assert.Zero(t, waiting)
	delayed, err := store.ZCard(ctx, delayedKey("send-email"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestEnqueueDuplicateJobID(t *testing.T) {
	manager, _, _ := newTestManager(t)
	manager.Register("sync-account", noopHandler, 1, nil)
	ctx := context.Background()

	_, err := manager.Enqueue(ctx, "sync-account", nil, Options{JobID: "sync-acct-1"})
	require.NoError(t, err)

	_, err = manager.Enqueue(ctx, "sync-account", nil, Options{JobID: "sync-acct-1"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// Terminal states free the ID for reuse
	job, err := manager.GetJob(ctx, "sync-account", "sync-acct-1")
	require.NoError(t, err)
	job.State = StateCompleted
	require.NoError(t, manager.saveJob(ctx, job, 0))

	_, err = manager.Enqueue(ctx, "sync-account", nil, Options{JobID: "sync-acct-1"})
	assert.NoError(t, err)
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	manager, _, now := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	low, err := manager.Enqueue(ctx, q.name, nil, Options{Priority: 5})
	require.NoError(t, err)
	*now = now.Add(time.Second)
	urgentFirst, err := manager.Enqueue(ctx, q.name, nil, Options{Priority: 1})
	require.NoError(t, err)
	*now = now.Add(time.Second)
	urgentSecond, err := manager.Enqueue(ctx, q.name, nil, Options{Priority: 1})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, ok := manager.dequeue(ctx, q)
		require.True(t, ok)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{urgentFirst, urgentSecond, low}, order)

	_, ok := manager.dequeue(ctx, q)
	assert.False(t, ok, "queue is drained")
}

func TestDequeueMarksActiveAndCountsAttempt(t *testing.T) {
	manager, store, _ := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	job, ok := manager.dequeue(ctx, q)
	require.True(t, ok)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.Equal(t, 1, job.Attempts)

	active, err := store.ZCard(ctx, activeKey(q.name))
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

func TestDequeueOverBudgetDelaysJob(t *testing.T) {
	manager, store, now := newTestManager(t)
	budget := resilience.Budget{Name: "send-email", Limit: 1, Window: time.Hour}
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1, budget: &budget}
	manager.Register(q.name, q.handler, 1, &budget)
	ctx := context.Background()

	first, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)
	*now = now.Add(time.Second)
	second, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	job, ok := manager.dequeue(ctx, q)
	require.True(t, ok)
	assert.Equal(t, first, job.ID)

	// Budget of 1 is spent: the next pop must yield nothing and park the
	// job in the delayed set until the window resets
	_, ok = manager.dequeue(ctx, q)
	assert.False(t, ok)

	parked, err := manager.GetJob(ctx, q.name, second)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, parked.State)
	assert.Equal(t, 0, parked.Attempts, "an over-budget pop is not an attempt")

	delayed, err := store.ZCard(ctx, delayedKey(q.name))
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestRunJobSuccessCompletes(t *testing.T) {
	manager, store, _ := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	job, ok := manager.dequeue(ctx, q)
	require.True(t, ok)
	manager.runJob(ctx, q, job)

	done, err := manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Empty(t, done.LastError)

	active, err := store.ZCard(ctx, activeKey(q.name))
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestFailAttemptSchedulesRetryWithBackoff(t *testing.T) {
	manager, _, now := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	job, ok := manager.dequeue(ctx, q)
	require.True(t, ok)
	manager.failAttempt(ctx, q.name, job, errors.New("smtp timeout"))

	retried, err := manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, retried.State)
	assert.Equal(t, "smtp timeout", retried.LastError)
	assert.Equal(t, now.Add(2*time.Second), retried.ProcessAt, "first retry waits the base delay")

	// Second failure doubles the delay
	retried.State = StateActive
	retried.Attempts = 2
	manager.failAttempt(ctx, q.name, retried, errors.New("smtp timeout"))
	retried, err = manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, retried.State)
	assert.Equal(t, now.Add(4*time.Second), retried.ProcessAt)
}

func TestFailAttemptExhaustsAttempts(t *testing.T) {
	manager, _, _ := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	job, _ := manager.dequeue(ctx, q)
	job.Attempts = job.MaxAttempts
	manager.failAttempt(ctx, q.name, job, errors.New("still broken"))

	failed, err := manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "still broken", failed.LastError)
}

func TestFailAttemptPermanentSkipsRetries(t *testing.T) {
	manager, _, _ := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	job, _ := manager.dequeue(ctx, q)
	manager.failAttempt(ctx, q.name, job, Permanent(errors.New("recipient rejected")))

	failed, err := manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, 1, failed.Attempts)
}

func TestPromoteDelayedMovesDueJobs(t *testing.T) {
	manager, store, now := newTestManager(t)
	manager.Register("send-email", noopHandler, 1, nil)
	ctx := context.Background()

	dueID, err := manager.Enqueue(ctx, "send-email", nil, Options{Delay: 10 * time.Second})
	require.NoError(t, err)
	laterID, err := manager.Enqueue(ctx, "send-email", nil, Options{Delay: time.Hour})
	require.NoError(t, err)

	manager.promoteDelayed(ctx, "send-email")
	waiting, err := store.ZCard(ctx, waitingKey("send-email"))
	require.NoError(t, err)
	assert.Zero(t, waiting, "nothing is due yet")

	*now = now.Add(11 * time.Second)
	manager.promoteDelayed(ctx, "send-email")

	promoted, err := manager.GetJob(ctx, "send-email", dueID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, promoted.State)

	still, err := manager.GetJob(ctx, "send-email", laterID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, still.State)

	waiting, err = store.ZCard(ctx, waitingKey("send-email"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
}

func TestPromoteDelayedSkipsFinishedJob(t *testing.T) {
	manager, store, now := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	// The reaper reclaims a stalled worker into the delayed set, but the
	// worker was only slow and still reports success afterwards
	job, ok := manager.dequeue(ctx, q)
	require.True(t, ok)
	*now = now.Add(activeTimeout + time.Second)
	manager.reclaimStale(ctx, q.name)
	manager.runJob(ctx, q, job)

	done, err := manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)

	*now = now.Add(time.Minute)
	manager.promoteDelayed(ctx, q.name)

	waiting, err := store.ZCard(ctx, waitingKey(q.name))
	require.NoError(t, err)
	assert.Zero(t, waiting, "a finished job must never be re-queued")
	delayed, err := store.ZCard(ctx, delayedKey(q.name))
	require.NoError(t, err)
	assert.Zero(t, delayed)

	done, err = manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
}

func TestReclaimStaleRetriesAbandonedJob(t *testing.T) {
	manager, store, now := newTestManager(t)
	q := &queueConfig{name: "send-email", handler: noopHandler, concurrency: 1}
	manager.Register(q.name, q.handler, 1, nil)
	ctx := context.Background()

	id, err := manager.Enqueue(ctx, q.name, nil, Options{})
	require.NoError(t, err)

	_, ok := manager.dequeue(ctx, q)
	require.True(t, ok)

	// Worker never reports back; nothing to reclaim before the deadline
	manager.reclaimStale(ctx, q.name)
	job, err := manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, job.State)

	*now = now.Add(activeTimeout + time.Second)
	manager.reclaimStale(ctx, q.name)

	job, err = manager.GetJob(ctx, q.name, id)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State, "first attempt is retried, not failed")

	active, err := store.ZCard(ctx, activeKey(q.name))
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestRetryDelayDoubles(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(2))
	assert.Equal(t, 8*time.Second, retryDelay(3))
}
