package resilience

import (
	"context"
	"fmt"
	"log"
	"time"

	"unibox-backend/pkg/kv"
)

// Published budgets. Keys are scoped per account by the caller.
var (
	SendBudget  = Budget{Name: "send", Limit: 100, Window: time.Hour}
	SyncBudget  = Budget{Name: "sync", Limit: 10, Window: 5 * time.Minute}
	FetchBudget = Budget{Name: "fetch", Limit: 50, Window: time.Minute}
)

type Budget struct {
	Name   string
	Limit  int64
	Window time.Duration
}

type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// RateLimiter is a fixed-window counter over the shared store. A store
// failure fails open: the operation is allowed and the error logged, so a
// degraded store never halts mail flow.
type RateLimiter struct {
	store kv.Store
	now   func() time.Time
}

func NewRateLimiter(store kv.Store) *RateLimiter {
	return &RateLimiter{store: store, now: time.Now}
}

func (l *RateLimiter) Allow(ctx context.Context, key string, budget Budget) Decision {
	now := l.now()
	windowIndex := now.UnixMilli() / budget.Window.Milliseconds()
	windowKey := fmt.Sprintf("ratelimit:%s:%s:%d", budget.Name, key, windowIndex)
	resetAt := time.UnixMilli((windowIndex + 1) * budget.Window.Milliseconds())

	count, err := l.store.IncrWithTTL(ctx, windowKey, budget.Window)
	if err != nil {
		log.Printf("[RateLimiter] store error for %s, failing open: %v", windowKey, err)
		return Decision{Allowed: true, Remaining: budget.Limit, ResetAt: resetAt}
	}

	remaining := budget.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= budget.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
