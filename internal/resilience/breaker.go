package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"unibox-backend/pkg/kv"
)

const (
	breakerResetTimeout = 30 * time.Second
	breakerInterval     = 60 * time.Second
	breakerMinRequests  = 10
	breakerStateTTL     = 10 * time.Minute
)

// CircuitOpenError is returned when a call is short-circuited without
// reaching the backend.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// permanentError marks failures that must not count against the breaker
// (business errors rather than backend health signals).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the breaker treats the call as successful while
// still propagating the error to the caller.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type Fallback func(ctx context.Context) (interface{}, error)

// BreakerRegistry keeps one circuit breaker per backend name. State changes
// are mirrored into the shared store with a TTL so operators can inspect
// open circuits across instances.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	fallbacks map[string]Fallback
	store     kv.Store

	// resetTimeout is how long an open circuit waits before allowing the
	// half-open trial call
	resetTimeout time.Duration
}

func NewBreakerRegistry(store kv.Store) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		fallbacks:    make(map[string]Fallback),
		store:        store,
		resetTimeout: breakerResetTimeout,
	}
}

// RegisterFallback installs a degraded-mode answer used when the named
// circuit is open.
func (r *BreakerRegistry) RegisterFallback(name string, fb Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[name] = fb
}

func (r *BreakerRegistry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     r.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
			r.persistState(name, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var perm *permanentError
			return errors.As(err, &perm)
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

// persistState mirrors the breaker state into the shared store. The TTL
// guarantees a crashed instance cannot leave a circuit marked open forever.
func (r *BreakerRegistry) persistState(name string, state gobreaker.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "breaker:" + name
	if state == gobreaker.StateClosed {
		if err := r.store.Del(ctx, key); err != nil {
			log.Printf("[CircuitBreaker] failed to clear persisted state for %s: %v", name, err)
		}
		return
	}
	if err := r.store.Set(ctx, key, state.String(), breakerStateTTL); err != nil {
		log.Printf("[CircuitBreaker] failed to persist state for %s: %v", name, err)
	}
}

// Call runs fn through the named breaker. When the circuit is open the
// registered fallback answers instead; without one the caller gets a
// *CircuitOpenError.
func (r *BreakerRegistry) Call(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	cb := r.breaker(name)

	result, err := cb.Execute(fn)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.mu.Lock()
		fb := r.fallbacks[name]
		r.mu.Unlock()
		if fb != nil {
			return fb(ctx)
		}
		return nil, &CircuitOpenError{Name: name}
	}
	if err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			return result, perm.err
		}
	}
	return result, err
}

// State returns the current state of the named breaker.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	return r.breaker(name).State()
}
