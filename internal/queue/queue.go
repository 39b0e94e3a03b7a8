// Package queue implements named job queues over the shared store: priority
// ordering, delayed visibility, bounded retries with backoff, and reclaim of
// jobs abandoned by crashed workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"unibox-backend/internal/resilience"
	"unibox-backend/pkg/kv"
)

// Handler processes one job. A returned error triggers the retry policy;
// wrap with Permanent to fail terminally.
type Handler func(ctx context.Context, job *Job) error

// Options tune a single Enqueue call.
type Options struct {
	// Priority orders waiting jobs; lower runs first. Ties are FIFO.
	Priority int
	// Delay holds the job invisible for the duration.
	Delay time.Duration
	// JobID makes the enqueue idempotent: a second enqueue with the same
	// ID is rejected while the first is still pending or running.
	JobID string
	// MaxAttempts overrides the default of 3 when > 0.
	MaxAttempts int
}

type queueConfig struct {
	name        string
	handler     Handler
	concurrency int
	budget      *resilience.Budget
}

// Manager owns all named queues and their worker pools.
type Manager struct {
	store   kv.Store
	limiter *resilience.RateLimiter
	now     func() time.Time

	mu      sync.Mutex
	queues  map[string]*queueConfig
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewManager(store kv.Store, limiter *resilience.RateLimiter) *Manager {
	return &Manager{
		store:   store,
		limiter: limiter,
		now:     time.Now,
		queues:  make(map[string]*queueConfig),
		stopCh:  make(chan struct{}),
	}
}

// Register installs the handler and worker count for a named queue. A nil
// budget means the queue is not rate limited. Must be called before Start.
func (m *Manager) Register(name string, handler Handler, concurrency int, budget *resilience.Budget) {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[name] = &queueConfig{
		name:        name,
		handler:     handler,
		concurrency: concurrency,
		budget:      budget,
	}
}

// Start launches the worker pools and the reaper.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for _, q := range m.queues {
		log.Printf("[JobQueue] starting queue %q with %d workers", q.name, q.concurrency)
		for i := 0; i < q.concurrency; i++ {
			m.wg.Add(1)
			go m.worker(q)
		}
		m.wg.Add(1)
		go m.reaper(q.name)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Println("[JobQueue] all workers stopped")
}

func jobKey(queueName, id string) string {
	return fmt.Sprintf("job:%s:%s", queueName, id)
}

func waitingKey(queueName string) string { return "queue:" + queueName + ":waiting" }
func delayedKey(queueName string) string { return "queue:" + queueName + ":delayed" }
func activeKey(queueName string) string  { return "queue:" + queueName + ":active" }

// waitingScore folds priority and arrival time into one score so lower
// priority values run first and equal priorities stay FIFO.
func waitingScore(priority int, createdAt time.Time) float64 {
	return float64(priority)*1e13 + float64(createdAt.UnixMilli())
}

// Enqueue stores the job and makes it visible now or after opts.Delay.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload interface{}, opts Options) (string, error) {
	m.mu.Lock()
	_, known := m.queues[queueName]
	m.mu.Unlock()
	if !known {
		return "", fmt.Errorf("queue %q is not registered", queueName)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	} else {
		existing, err := m.loadJob(ctx, queueName, id)
		if err != nil {
			return "", err
		}
		if existing != nil && existing.State != StateCompleted && existing.State != StateFailed {
			return "", ErrDuplicateJob
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := m.now()
	job := &Job{
		ID:          id,
		Queue:       queueName,
		Payload:     encoded,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		State:       StateWaiting,
		CreatedAt:   now,
		ProcessAt:   now.Add(opts.Delay),
	}

	if opts.Delay > 0 {
		job.State = StateDelayed
		if err := m.saveJob(ctx, job, 0); err != nil {
			return "", err
		}
		if err := m.store.ZAdd(ctx, delayedKey(queueName), float64(job.ProcessAt.UnixMilli()), id); err != nil {
			return "", err
		}
	} else {
		if err := m.saveJob(ctx, job, 0); err != nil {
			return "", err
		}
		if err := m.store.ZAdd(ctx, waitingKey(queueName), waitingScore(job.Priority, now), id); err != nil {
			return "", err
		}
	}

	return id, nil
}

// GetJob returns the stored job, or nil when unknown (or already expired
// out of retention).
func (m *Manager) GetJob(ctx context.Context, queueName, id string) (*Job, error) {
	return m.loadJob(ctx, queueName, id)
}

func (m *Manager) loadJob(ctx context.Context, queueName, id string) (*Job, error) {
	raw, err := m.store.Get(ctx, jobKey(queueName, id))
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return &job, nil
}

func (m *Manager) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, jobKey(job.Queue, job.ID), string(encoded), ttl)
}

// worker pops and runs jobs until Stop.
func (m *Manager) worker(q *queueConfig) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		ctx := context.Background()
		job, ok := m.dequeue(ctx, q)
		if !ok {
			select {
			case <-m.stopCh:
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		m.runJob(ctx, q, job)
	}
}

// dequeue pops the next waiting job and marks it active. The queue budget,
// when set, pushes the job back instead of running it.
func (m *Manager) dequeue(ctx context.Context, q *queueConfig) (*Job, bool) {
	member, ok, err := m.store.ZPopMin(ctx, waitingKey(q.name))
	if err != nil {
		log.Printf("[JobQueue] %s: failed to pop: %v", q.name, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	job, err := m.loadJob(ctx, q.name, member.Value)
	if err != nil || job == nil {
		if err != nil {
			log.Printf("[JobQueue] %s: failed to load job %s: %v", q.name, member.Value, err)
		}
		return nil, false
	}

	if q.budget != nil {
		decision := m.limiter.Allow(ctx, q.name, *q.budget)
		if !decision.Allowed {
			// Over budget: make it visible again when the window resets
			job.State = StateDelayed
			job.ProcessAt = decision.ResetAt
			if err := m.saveJob(ctx, job, 0); err == nil {
				_ = m.store.ZAdd(ctx, delayedKey(q.name), float64(decision.ResetAt.UnixMilli()), job.ID)
			}
			return nil, false
		}
	}

	job.State = StateActive
	job.Attempts++
	deadline := m.now().Add(activeTimeout)
	if err := m.saveJob(ctx, job, 0); err != nil {
		log.Printf("[JobQueue] %s: failed to mark job %s active: %v", q.name, job.ID, err)
		return nil, false
	}
	if err := m.store.ZAdd(ctx, activeKey(q.name), float64(deadline.UnixMilli()), job.ID); err != nil {
		log.Printf("[JobQueue] %s: failed to track active job %s: %v", q.name, job.ID, err)
	}

	return job, true
}

func (m *Manager) runJob(ctx context.Context, q *queueConfig, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, activeTimeout)
	defer cancel()

	err := q.handler(jobCtx, job)
	_ = m.store.ZRem(ctx, activeKey(q.name), job.ID)

	if err == nil {
		job.State = StateCompleted
		job.LastError = ""
		if saveErr := m.saveJob(ctx, job, completedRetention); saveErr != nil {
			log.Printf("[JobQueue] %s: failed to persist completed job %s: %v", q.name, job.ID, saveErr)
		}
		return
	}

	m.failAttempt(ctx, q.name, job, err)
}

// failAttempt applies the retry policy after a failed run.
func (m *Manager) failAttempt(ctx context.Context, queueName string, job *Job, cause error) {
	job.LastError = cause.Error()

	if isPermanent(cause) || job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		if err := m.saveJob(ctx, job, failedRetention); err != nil {
			log.Printf("[JobQueue] %s: failed to persist failed job %s: %v", queueName, job.ID, err)
		}
		log.Printf("[JobQueue] %s: job %s failed terminally after %d attempts: %v",
			queueName, job.ID, job.Attempts, cause)
		return
	}

	delay := retryDelay(job.Attempts)
	job.State = StateDelayed
	job.ProcessAt = m.now().Add(delay)
	if err := m.saveJob(ctx, job, 0); err != nil {
		log.Printf("[JobQueue] %s: failed to persist retry of job %s: %v", queueName, job.ID, err)
		return
	}
	if err := m.store.ZAdd(ctx, delayedKey(queueName), float64(job.ProcessAt.UnixMilli()), job.ID); err != nil {
		log.Printf("[JobQueue] %s: failed to schedule retry of job %s: %v", queueName, job.ID, err)
		return
	}
	log.Printf("[JobQueue] %s: job %s attempt %d/%d failed, retrying in %v: %v",
		queueName, job.ID, job.Attempts, job.MaxAttempts, delay, cause)
}

// reaper promotes due delayed jobs and reclaims active jobs whose worker
// went silent past the deadline.
func (m *Manager) reaper(queueName string) {
	defer m.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			m.promoteDelayed(ctx, queueName)
			m.reclaimStale(ctx, queueName)
		}
	}
}

func (m *Manager) promoteDelayed(ctx context.Context, queueName string) {
	nowMs := float64(m.now().UnixMilli())
	due, err := m.store.ZRangeByScore(ctx, delayedKey(queueName), 0, nowMs)
	if err != nil {
		log.Printf("[JobQueue] %s: failed to scan delayed jobs: %v", queueName, err)
		return
	}

	for _, id := range due {
		job, err := m.loadJob(ctx, queueName, id)
		if err != nil || job == nil {
			_ = m.store.ZRem(ctx, delayedKey(queueName), id)
			continue
		}
		// A job can finish between being scheduled here and coming due
		// (e.g. a reclaimed worker reporting back); only a job still in
		// the delayed state gets promoted
		if job.State != StateDelayed {
			_ = m.store.ZRem(ctx, delayedKey(queueName), id)
			continue
		}
		job.State = StateWaiting
		if err := m.saveJob(ctx, job, 0); err != nil {
			continue
		}
		if err := m.store.ZAdd(ctx, waitingKey(queueName), waitingScore(job.Priority, job.CreatedAt), id); err != nil {
			continue
		}
		_ = m.store.ZRem(ctx, delayedKey(queueName), id)
	}
}

func (m *Manager) reclaimStale(ctx context.Context, queueName string) {
	nowMs := float64(m.now().UnixMilli())
	stale, err := m.store.ZRangeByScore(ctx, activeKey(queueName), 0, nowMs)
	if err != nil {
		log.Printf("[JobQueue] %s: failed to scan active jobs: %v", queueName, err)
		return
	}

	for _, id := range stale {
		_ = m.store.ZRem(ctx, activeKey(queueName), id)
		job, err := m.loadJob(ctx, queueName, id)
		if err != nil || job == nil || job.State != StateActive {
			continue
		}
		log.Printf("[JobQueue] %s: reclaiming stalled job %s", queueName, id)
		m.failAttempt(ctx, queueName, job, fmt.Errorf("worker exceeded %v deadline", activeTimeout))
	}
}
