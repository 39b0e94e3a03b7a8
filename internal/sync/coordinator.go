package sync

import (
	"context"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/mail/repository"
	"unibox-backend/internal/notification"
	"unibox-backend/internal/provider"
	"unibox-backend/internal/resilience"
	"unibox-backend/pkg/kv"
)

// AccountResult is the per-account outcome of a coordinated fetch pass.
// Failures are captured here, never propagated: one broken account must not
// poison its siblings.
type AccountResult struct {
	AccountID    string `json:"account_id"`
	Success      bool   `json:"success"`
	MessageCount int    `json:"message_count"`
	Error        string `json:"error,omitempty"`
	WasFullSync  bool   `json:"was_full_sync,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// Coordinator fans fetches out over multiple accounts with bounded
// concurrency and funnels the results through the ingestion pipeline.
type Coordinator struct {
	accountRepo repository.AccountRepository
	pipeline    *Pipeline
	adapters    map[string]provider.Adapter
	limiter     *resilience.RateLimiter
	breakers    *resilience.BreakerRegistry
	store       kv.Store
	notifier    notification.Notifier

	maxParallel int
}

func NewCoordinator(
	accountRepo repository.AccountRepository,
	pipeline *Pipeline,
	adapters map[string]provider.Adapter,
	limiter *resilience.RateLimiter,
	breakers *resilience.BreakerRegistry,
	store kv.Store,
	notifier notification.Notifier,
	maxParallel int,
) *Coordinator {
	if maxParallel <= 0 {
		maxParallel = 5
	}
	return &Coordinator{
		accountRepo: accountRepo,
		pipeline:    pipeline,
		adapters:    adapters,
		limiter:     limiter,
		breakers:    breakers,
		store:       store,
		notifier:    notifier,
		maxParallel: maxParallel,
	}
}

// FetchAccounts syncs the given accounts in parallel, at most maxParallel at
// a time, and returns one result per account in input order.
func (c *Coordinator) FetchAccounts(ctx context.Context, accounts []domain.Account) []AccountResult {
	results := make([]AccountResult, len(accounts))
	semaphore := make(chan struct{}, c.maxParallel)
	var wg gosync.WaitGroup

	for i := range accounts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			results[i] = c.fetchOne(ctx, &accounts[i])
		}(i)
	}

	wg.Wait()
	return results
}

// FetchAccount syncs a single account.
func (c *Coordinator) FetchAccount(ctx context.Context, account *domain.Account) AccountResult {
	return c.fetchOne(ctx, account)
}

func (c *Coordinator) fetchOne(ctx context.Context, account *domain.Account) AccountResult {
	start := time.Now()
	result := AccountResult{AccountID: account.ID}

	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	fail := func(err error) AccountResult {
		result.Error = err.Error()
		log.Printf("[Coordinator] sync failed for account %s: %v", account.ID, err)
		return result
	}

	adapter, ok := c.adapters[account.Provider]
	if !ok {
		return fail(fmt.Errorf("no adapter for provider %q", account.Provider))
	}

	decision := c.limiter.Allow(ctx, account.ID, resilience.FetchBudget)
	if !decision.Allowed {
		return fail(fmt.Errorf("fetch budget exhausted for account %s, resets at %s",
			account.ID, decision.ResetAt.Format(time.RFC3339)))
	}

	fetched, err := c.breakers.Call(ctx, "provider:"+account.Provider, func() (interface{}, error) {
		var fetchResult *provider.FetchResult
		fetchErr := provider.WithRateLimitRetry(ctx, account.Provider, func() error {
			var innerErr error
			fetchResult, innerErr = adapter.FetchIncremental(ctx, account)
			return innerErr
		})
		if provider.IsAuthError(fetchErr) || provider.IsStaleCursor(fetchErr) {
			// Neither credential failures nor an expired cursor say
			// anything about backend health
			return nil, resilience.Permanent(fetchErr)
		}
		return fetchResult, fetchErr
	})
	if err != nil {
		if !provider.IsStaleCursor(err) {
			return fail(err)
		}
		// The stored cursor no longer works; recover with one full fetch
		log.Printf("[Coordinator] cursor for account %s is stale, falling back to full fetch", account.ID)
		fetched, err = c.breakers.Call(ctx, "provider:"+account.Provider, func() (interface{}, error) {
			return adapter.FetchFull(ctx, account)
		})
		if err != nil {
			return fail(err)
		}
	}

	fetchResult, ok := fetched.(*provider.FetchResult)
	if !ok || fetchResult == nil {
		// A registered fallback answered; nothing to ingest this pass
		result.Success = true
		return result
	}
	if fetchResult.WasFullSync {
		result.WasFullSync = true
		log.Printf("[Coordinator] account %s fell back to a full fetch", account.ID)
	}

	stored, err := c.pipeline.Ingest(ctx, account, fetchResult.Messages)
	if err != nil {
		return fail(err)
	}

	// Commit the cursor only after the ingest landed, so a crash between
	// fetch and store re-fetches instead of losing messages.
	if err := c.accountRepo.MarkSynced(account.ID, time.Now(), fetchResult.NewCursor); err != nil {
		return fail(err)
	}

	result.Success = true
	result.MessageCount = stored

	if stored > 0 {
		c.invalidateCaches(ctx, account.OwnerID)
		notification.Broadcast(ctx, c.notifier, account.OwnerID, notification.Event{
			Type:      notification.EventNewMessages,
			AccountID: account.ID,
			Data:      map[string]interface{}{"count": stored},
		})
	}

	return result
}

// ConnectionResult is the outcome of a provider connection probe.
type ConnectionResult struct {
	AccountID string `json:"account_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// TestConnection probes the account's provider and records the outcome on
// the account's active flag.
func (c *Coordinator) TestConnection(ctx context.Context, account *domain.Account) ConnectionResult {
	result := ConnectionResult{AccountID: account.ID}

	adapter, ok := c.adapters[account.Provider]
	if !ok {
		result.Error = fmt.Sprintf("no adapter for provider %q", account.Provider)
		return result
	}

	err := adapter.TestConnection(ctx, account)
	result.OK = err == nil
	if err != nil {
		result.Error = err.Error()
	}

	if updateErr := c.accountRepo.SetActive(account.ID, result.OK); updateErr != nil {
		log.Printf("[Coordinator] failed to update active flag for account %s: %v", account.ID, updateErr)
	}
	return result
}

// invalidateCaches drops the owner's cached listings after new mail landed.
func (c *Coordinator) invalidateCaches(ctx context.Context, ownerID string) {
	keys := []string{
		"cache:threads:" + ownerID,
		"cache:unread:" + ownerID,
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		log.Printf("[Coordinator] cache invalidation failed for owner %s: %v", ownerID, err)
	}
}
