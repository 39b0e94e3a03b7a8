package sync

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"unibox-backend/internal/mail/repository"
	"unibox-backend/internal/resilience"
)

const minTickInterval = 10 * time.Second

// Scheduler drives periodic syncs. One pass ticks every interval, skips
// entirely while a previous pass is still running, and processes due
// accounts in chunks of maxConcurrent.
type Scheduler struct {
	accountRepo repository.AccountRepository
	coordinator *Coordinator
	limiter     *resilience.RateLimiter

	interval      time.Duration
	maxConcurrent int
	isSyncing     atomic.Bool
	stopChan      chan struct{}
}

func NewScheduler(
	accountRepo repository.AccountRepository,
	coordinator *Coordinator,
	limiter *resilience.RateLimiter,
	interval time.Duration,
	maxConcurrent int,
) *Scheduler {
	if interval < minTickInterval {
		log.Printf("[SyncScheduler] interval %v below floor, using %v", interval, minTickInterval)
		interval = minTickInterval
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Scheduler{
		accountRepo:   accountRepo,
		coordinator:   coordinator,
		limiter:       limiter,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	log.Printf("[SyncScheduler] Starting sync scheduler (interval: %v)", s.interval)

	go func() {
		// Run immediately on start
		s.runPass()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass()
			case <-s.stopChan:
				log.Println("[SyncScheduler] Scheduler stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// runPass syncs every due account. If the previous pass has not finished the
// tick is skipped, not queued: the next tick picks the backlog up.
func (s *Scheduler) runPass() {
	if !s.isSyncing.CompareAndSwap(false, true) {
		log.Println("[SyncScheduler] previous pass still running, skipping tick")
		return
	}
	defer s.isSyncing.Store(false)

	ctx := context.Background()
	now := time.Now()

	accounts, err := s.accountRepo.ListSyncable("")
	if err != nil {
		log.Printf("[SyncScheduler] failed to list accounts: %v", err)
		return
	}

	due := accounts[:0:0]
	for _, account := range accounts {
		if account.SyncDue(now) {
			due = append(due, account)
		}
	}
	if len(due) == 0 {
		return
	}

	log.Printf("[SyncScheduler] %d of %d accounts due", len(due), len(accounts))

	// Chunked within the pass so a large fleet never exceeds the
	// concurrency cap
	synced, failed := 0, 0
	for start := 0; start < len(due); start += s.maxConcurrent {
		end := start + s.maxConcurrent
		if end > len(due) {
			end = len(due)
		}
		for _, result := range s.coordinator.FetchAccounts(ctx, due[start:end]) {
			if result.Success {
				synced++
			} else {
				failed++
			}
		}
	}

	log.Printf("[SyncScheduler] pass finished: %d synced, %d failed", synced, failed)
}

// TestAccountConnection probes the account's provider credentials.
func (s *Scheduler) TestAccountConnection(ctx context.Context, accountID string) (*ConnectionResult, error) {
	account, err := s.accountRepo.GetByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	result := s.coordinator.TestConnection(ctx, account)
	return &result, nil
}

// SyncAccountOnDemand runs one account immediately, bypassing the due check
// and the pass-in-progress flag. The per-account sync budget still applies.
func (s *Scheduler) SyncAccountOnDemand(ctx context.Context, accountID, ownerID string) (*AccountResult, error) {
	account, err := s.accountRepo.GetByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	if ownerID != "" && account.OwnerID != ownerID {
		return nil, fmt.Errorf("account %s does not belong to owner %s", accountID, ownerID)
	}

	decision := s.limiter.Allow(ctx, accountID, resilience.SyncBudget)
	if !decision.Allowed {
		return nil, fmt.Errorf("sync budget exhausted for account %s, resets at %s",
			accountID, decision.ResetAt.Format(time.RFC3339))
	}

	result := s.coordinator.FetchAccount(ctx, account)
	return &result, nil
}
