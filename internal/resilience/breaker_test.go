package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox-backend/pkg/kv"
)

var errBackend = errors.New("backend down")

func failN(r *BreakerRegistry, name string, n int) {
	for i := 0; i < n; i++ {
		_, _ = r.Call(context.Background(), name, func() (interface{}, error) {
			return nil, errBackend
		})
	}
}

func succeedN(r *BreakerRegistry, name string, n int) {
	for i := 0; i < n; i++ {
		_, _ = r.Call(context.Background(), name, func() (interface{}, error) {
			return "ok", nil
		})
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())

	// 4 failures out of 10 is under the 50% trip ratio
	succeedN(registry, "svc", 6)
	failN(registry, "svc", 4)

	assert.Equal(t, gobreaker.StateClosed, registry.State("svc"))
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())

	succeedN(registry, "svc", 5)
	failN(registry, "svc", 5)

	assert.Equal(t, gobreaker.StateOpen, registry.State("svc"))
}

func TestBreakerNeedsMinimumSamples(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())

	// 100% failures but fewer than 10 samples must not trip
	failN(registry, "svc", 9)

	assert.Equal(t, gobreaker.StateClosed, registry.State("svc"))
}

func TestBreakerShortCircuitsWhenOpen(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())
	failN(registry, "svc", 10)
	require.Equal(t, gobreaker.StateOpen, registry.State("svc"))

	called := false
	_, err := registry.Call(context.Background(), "svc", func() (interface{}, error) {
		called = true
		return "ok", nil
	})

	assert.False(t, called, "an open circuit must not reach the backend")
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "svc", openErr.Name)
}

func TestBreakerFallbackAnswersWhenOpen(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())
	registry.RegisterFallback("svc", func(ctx context.Context) (interface{}, error) {
		return "cached", nil
	})

	failN(registry, "svc", 10)
	require.Equal(t, gobreaker.StateOpen, registry.State("svc"))

	result, err := registry.Call(context.Background(), "svc", func() (interface{}, error) {
		return nil, errBackend
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
}

func TestBreakerPersistsOpenState(t *testing.T) {
	store := kv.NewMemoryStore()
	registry := NewBreakerRegistry(store)

	failN(registry, "svc", 10)
	require.Equal(t, gobreaker.StateOpen, registry.State("svc"))

	state, err := store.Get(context.Background(), "breaker:svc")
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateOpen.String(), state)
}

func TestBreakerAllowsSingleHalfOpenTrial(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())
	registry.resetTimeout = 50 * time.Millisecond

	failN(registry, "svc", 10)
	require.Equal(t, gobreaker.StateOpen, registry.State("svc"))

	time.Sleep(80 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	trialErr := make(chan error, 1)
	go func() {
		_, err := registry.Call(context.Background(), "svc", func() (interface{}, error) {
			close(entered)
			<-release
			return "ok", nil
		})
		trialErr <- err
	}()

	<-entered
	require.Equal(t, gobreaker.StateHalfOpen, registry.State("svc"))

	// While the trial probes the backend, every other call is rejected
	called := false
	_, err := registry.Call(context.Background(), "svc", func() (interface{}, error) {
		called = true
		return "ok", nil
	})
	assert.False(t, called, "only one trial call may pass through")
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)

	// A successful trial closes the circuit again
	close(release)
	require.NoError(t, <-trialErr)
	assert.Equal(t, gobreaker.StateClosed, registry.State("svc"))
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	registry := NewBreakerRegistry(kv.NewMemoryStore())

	for i := 0; i < 20; i++ {
		_, err := registry.Call(context.Background(), "svc", func() (interface{}, error) {
			return nil, Permanent(errBackend)
		})
		// The caller still sees the underlying error
		require.ErrorIs(t, err, errBackend)
	}

	assert.Equal(t, gobreaker.StateClosed, registry.State("svc"),
		"permanent errors are not backend health signals")
}
