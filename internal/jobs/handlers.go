// Package jobs defines the queue payloads and the handlers behind each
// named queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/mail/repository"
	"unibox-backend/internal/notification"
	"unibox-backend/internal/provider"
	"unibox-backend/internal/queue"
	"unibox-backend/internal/resilience"
	sync "unibox-backend/internal/sync"
	"unibox-backend/pkg/kv"
)

// Handlers carries the collaborators every queue handler needs.
type Handlers struct {
	accountRepo repository.AccountRepository
	messageRepo repository.MessageRepository
	threadRepo  repository.ThreadRepository
	adapters    map[string]provider.Adapter
	scheduler   *sync.Scheduler
	limiter     *resilience.RateLimiter
	breakers    *resilience.BreakerRegistry
	lock        *resilience.Lock
	store       kv.Store
	notifier    notification.Notifier
	queues      *queue.Manager
}

func NewHandlers(
	accountRepo repository.AccountRepository,
	messageRepo repository.MessageRepository,
	threadRepo repository.ThreadRepository,
	adapters map[string]provider.Adapter,
	scheduler *sync.Scheduler,
	limiter *resilience.RateLimiter,
	breakers *resilience.BreakerRegistry,
	lock *resilience.Lock,
	store kv.Store,
	notifier notification.Notifier,
) *Handlers {
	return &Handlers{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		threadRepo:  threadRepo,
		adapters:    adapters,
		scheduler:   scheduler,
		limiter:     limiter,
		breakers:    breakers,
		lock:        lock,
		store:       store,
		notifier:    notifier,
	}
}

// SendEmailBudget throttles the send-email queue as a whole.
var SendEmailBudget = resilience.Budget{Name: "queue-send", Limit: 10, Window: time.Second}

// RegisterAll binds every queue to its handler and worker pool.
func (h *Handlers) RegisterAll(m *queue.Manager) {
	h.queues = m
	m.Register(QueueSendEmail, h.HandleSendEmail, 4, &SendEmailBudget)
	m.Register(QueueSyncAccount, h.HandleSyncAccount, 3, nil)
	m.Register(QueueBulkMutate, h.HandleBulkMutate, 2, nil)
	m.Register(QueueNotify, h.HandleNotify, 2, nil)
	m.Register(QueueCleanup, h.HandleCleanup, 1, nil)
}

// HandleSendEmail delivers one outgoing message through the account's
// provider, guarded by the per-account send budget and the provider breaker.
func (h *Handlers) HandleSendEmail(ctx context.Context, job *queue.Job) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("bad payload: %w", err))
	}

	account, err := h.accountRepo.GetByID(payload.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return queue.Permanent(fmt.Errorf("account %s not found", payload.AccountID))
	}
	if payload.OwnerID != "" && account.OwnerID != payload.OwnerID {
		return queue.Permanent(fmt.Errorf("account %s does not belong to owner %s",
			payload.AccountID, payload.OwnerID))
	}

	adapter, ok := h.adapters[account.Provider]
	if !ok {
		return queue.Permanent(fmt.Errorf("no adapter for provider %q", account.Provider))
	}

	decision := h.limiter.Allow(ctx, account.ID, resilience.SendBudget)
	if !decision.Allowed {
		return fmt.Errorf("send budget exhausted for account %s, resets at %s",
			account.ID, decision.ResetAt.Format(time.RFC3339))
	}

	outgoing := &provider.OutgoingMessage{
		To:       payload.To,
		Cc:       payload.Cc,
		Bcc:      payload.Bcc,
		Subject:  payload.Subject,
		TextBody: payload.TextBody,
		HTMLBody: payload.HTMLBody,
	}

	sent, err := h.breakers.Call(ctx, "provider:"+account.Provider, func() (interface{}, error) {
		var result *provider.SendResult
		sendErr := provider.WithRateLimitRetry(ctx, account.Provider, func() error {
			var innerErr error
			result, innerErr = adapter.Send(ctx, account, outgoing)
			return innerErr
		})
		if provider.IsAuthError(sendErr) {
			return nil, resilience.Permanent(sendErr)
		}
		return result, sendErr
	})
	if err != nil {
		if provider.IsAuthError(err) {
			// Re-auth is a user action; retrying cannot help
			return queue.Permanent(err)
		}
		return err
	}

	h.recordSentMessage(account, payload, sent)

	notification.Broadcast(ctx, h.notifier, account.OwnerID, notification.Event{
		Type:      notification.EventMessageSent,
		AccountID: account.ID,
		Data:      map[string]interface{}{"subject": payload.Subject},
	})
	return nil
}

// recordSentMessage mirrors the delivered mail into the local store so the
// thread shows the outgoing side. Best effort: a copy failure never fails
// the send job.
func (h *Handlers) recordSentMessage(account *domain.Account, payload SendEmailPayload, sent interface{}) {
	result, ok := sent.(*provider.SendResult)
	if !ok || result == nil {
		return
	}

	externalID := result.ExternalID
	if externalID == "" {
		externalID = "sent-" + account.ID + "-" + result.SentAt.Format(time.RFC3339Nano)
	}

	subject := strings.TrimSpace(payload.Subject)
	thread, err := h.threadRepo.FindByOwnerAndSubject(account.OwnerID, subject)
	if err != nil {
		log.Printf("[Jobs] failed to resolve thread for sent mail: %v", err)
		return
	}
	participants := append([]string{account.Email}, payload.To...)
	if thread == nil {
		thread = &domain.Thread{
			OwnerID:       account.OwnerID,
			Subject:       subject,
			LastMessageAt: result.SentAt,
		}
		thread.SetParticipants(participants)
		if err := h.threadRepo.Create(thread); err != nil {
			log.Printf("[Jobs] failed to create thread for sent mail: %v", err)
			return
		}
	}

	message := &domain.Message{
		ThreadID:          thread.ID,
		AccountID:         account.ID,
		ExternalMessageID: externalID,
		FromAddress:       account.Email,
		ToAddresses:       strings.Join(payload.To, ", "),
		CcAddresses:       strings.Join(payload.Cc, ", "),
		BccAddresses:      strings.Join(payload.Bcc, ", "),
		Subject:           payload.Subject,
		TextBody:          payload.TextBody,
		HTMLBody:          payload.HTMLBody,
		Direction:         domain.DirectionSent,
		IsRead:            true,
		SentAt:            result.SentAt,
	}
	if err := h.messageRepo.Create(message); err != nil {
		log.Printf("[Jobs] failed to store sent mail copy: %v", err)
		return
	}
	if err := h.threadRepo.Touch(thread, result.SentAt, participants); err != nil {
		log.Printf("[Jobs] failed to update thread after send: %v", err)
	}
}

// HandleSyncAccount runs an on-demand sync for one account.
func (h *Handlers) HandleSyncAccount(ctx context.Context, job *queue.Job) error {
	var payload SyncAccountPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("bad payload: %w", err))
	}

	result, err := h.scheduler.SyncAccountOnDemand(ctx, payload.AccountID, payload.OwnerID)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("sync failed: %s", result.Error)
	}

	log.Printf("[Jobs] on-demand sync of account %s stored %d messages in %dms",
		result.AccountID, result.MessageCount, result.DurationMs)

	notification.Broadcast(ctx, h.notifier, payload.OwnerID, notification.Event{
		Type:      notification.EventSyncFinished,
		AccountID: result.AccountID,
		Data: map[string]interface{}{
			"message_count": result.MessageCount,
			"was_full_sync": result.WasFullSync,
		},
	})
	return nil
}

// HandleBulkMutate applies a flag change to a batch of the owner's messages.
func (h *Handlers) HandleBulkMutate(ctx context.Context, job *queue.Job) error {
	var payload BulkMutatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("bad payload: %w", err))
	}

	var isRead, isStarred *bool
	truth, falsity := true, false
	switch payload.Action {
	case BulkActionMarkRead:
		isRead = &truth
	case BulkActionMarkUnread:
		isRead = &falsity
	case BulkActionStar:
		isStarred = &truth
	case BulkActionUnstar:
		isStarred = &falsity
	default:
		return queue.Permanent(fmt.Errorf("unknown bulk action %q", payload.Action))
	}

	updated, err := h.messageRepo.SetFlags(payload.OwnerID, payload.MessageIDs, isRead, isStarred)
	if err != nil {
		return err
	}

	log.Printf("[Jobs] bulk %s touched %d of %d messages for owner %s",
		payload.Action, updated, len(payload.MessageIDs), payload.OwnerID)

	if updated > 0 {
		// Listeners refresh counts off this; deferred so a notifier outage
		// retries without re-running the mutation
		_, err = h.queues.Enqueue(ctx, QueueNotify, NotifyPayload{
			OwnerID: payload.OwnerID,
			Type:    "messages_updated",
			Data:    map[string]interface{}{"action": payload.Action, "count": updated},
		}, queue.Options{})
		if err != nil {
			log.Printf("[Jobs] failed to enqueue notify after bulk %s: %v", payload.Action, err)
		}
	}
	return nil
}

// HandleNotify broadcasts a deferred event.
func (h *Handlers) HandleNotify(ctx context.Context, job *queue.Job) error {
	var payload NotifyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("bad payload: %w", err))
	}
	if h.notifier == nil {
		return nil
	}
	return h.notifier.BroadcastToOwner(ctx, payload.OwnerID, notification.Event{
		Type:      payload.Type,
		AccountID: payload.AccountID,
		Data:      payload.Data,
	})
}

const cleanupLockTTL = 2 * time.Minute

// HandleCleanup flushes derived caches. The distributed lock keeps multiple
// instances from running the flush concurrently.
func (h *Handlers) HandleCleanup(ctx context.Context, job *queue.Job) error {
	var payload CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("bad payload: %w", err))
	}

	token, err := h.lock.Acquire(ctx, "cleanup", cleanupLockTTL, 3)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := h.lock.Release(ctx, "cleanup", token); releaseErr != nil {
			log.Printf("[Jobs] cleanup lock release: %v", releaseErr)
		}
	}()

	if payload.OwnerID == "" {
		return queue.Permanent(fmt.Errorf("cleanup requires an owner id"))
	}

	keys := []string{"cache:threads:" + payload.OwnerID, "cache:unread:" + payload.OwnerID}
	if err := h.store.Del(ctx, keys...); err != nil {
		return err
	}

	log.Printf("[Jobs] cleanup flushed %d cache keys for owner %s", len(keys), payload.OwnerID)
	return nil
}
