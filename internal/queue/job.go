package queue

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	defaultMaxAttempts = 3
	retryBaseDelay     = 2 * time.Second

	// activeTimeout is how long a job may stay active before the reaper
	// reclaims it from a stalled or crashed worker.
	activeTimeout = 5 * time.Minute

	completedRetention = 1 * time.Hour
	failedRetention    = 24 * time.Hour
)

// ErrDuplicateJob is returned by Enqueue when a job with the same explicit
// ID is already waiting, delayed or active.
var ErrDuplicateJob = errors.New("queue: job with this id already exists")

// Job is the persisted unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       string          `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessAt   time.Time       `json:"process_at"`
}

// retryDelay doubles per completed attempt: 2s, 4s, 8s, ...
func retryDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// permanentFailure marks job errors that must not be retried.
type permanentFailure struct {
	err error
}

func (e *permanentFailure) Error() string { return e.err.Error() }
func (e *permanentFailure) Unwrap() error { return e.err }

// Permanent wraps err so the job fails terminally with no further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentFailure{err: err}
}

func isPermanent(err error) bool {
	var p *permanentFailure
	return errors.As(err, &p)
}
