package sync

import (
	"context"
	"log"
	"strings"
	gosync "sync"
	"time"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/mail/repository"
	"unibox-backend/internal/provider"
)

const (
	ingestBatchSize        = 10
	ingestBatchConcurrency = 2
	ingestMaxRetries       = 2
	ingestRetryBaseDelay   = 1 * time.Second
	ingestRetryMaxDelay    = 5 * time.Second
)

// Pipeline deduplicates fetched messages and folds them into threads.
// Ingest is idempotent: re-running it over the same input changes nothing.
type Pipeline struct {
	messageRepo repository.MessageRepository
	threadRepo  repository.ThreadRepository

	// threadMu serializes thread find-or-create so two messages with the
	// same new subject cannot race into two threads.
	threadMu gosync.Mutex
}

func NewPipeline(messageRepo repository.MessageRepository, threadRepo repository.ThreadRepository) *Pipeline {
	return &Pipeline{
		messageRepo: messageRepo,
		threadRepo:  threadRepo,
	}
}

// Ingest stores raws for the account in batches and returns how many
// messages were actually new. A message that keeps failing after retries is
// logged and skipped; it does not fail the batch.
func (p *Pipeline) Ingest(ctx context.Context, account *domain.Account, raws []provider.RawMessage) (int, error) {
	if len(raws) == 0 {
		return 0, nil
	}

	var batches [][]provider.RawMessage
	for start := 0; start < len(raws); start += ingestBatchSize {
		end := start + ingestBatchSize
		if end > len(raws) {
			end = len(raws)
		}
		batches = append(batches, raws[start:end])
	}

	counts := make(chan int, len(batches))
	semaphore := make(chan struct{}, ingestBatchConcurrency)
	var wg gosync.WaitGroup

	for _, batch := range batches {
		wg.Add(1)
		go func(batch []provider.RawMessage) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			stored := 0
			for _, raw := range batch {
				ok, err := p.ingestOne(ctx, account, raw)
				if err != nil {
					log.Printf("[Pipeline] skipping message %s for account %s: %v", raw.ExternalID, account.ID, err)
					continue
				}
				if ok {
					stored++
				}
			}
			counts <- stored
		}(batch)
	}

	wg.Wait()
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	return total, nil
}

// ingestOne stores a single message, retrying transient store failures.
// Returns false when the message was a duplicate.
func (p *Pipeline) ingestOne(ctx context.Context, account *domain.Account, raw provider.RawMessage) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= ingestMaxRetries; attempt++ {
		if attempt > 0 {
			delay := ingestRetryBaseDelay << (attempt - 1)
			if delay > ingestRetryMaxDelay {
				delay = ingestRetryMaxDelay
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
		}

		stored, err := p.tryStore(account, raw)
		if err == nil {
			return stored, nil
		}
		lastErr = err
	}
	return false, lastErr
}

func (p *Pipeline) tryStore(account *domain.Account, raw provider.RawMessage) (bool, error) {
	exists, err := p.messageRepo.ExistsByExternalID(account.ID, raw.ExternalID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	participants := append([]string{raw.From}, raw.To...)
	participants = append(participants, raw.Cc...)

	thread, err := p.resolveThread(account.OwnerID, raw, participants)
	if err != nil {
		return false, err
	}

	message := &domain.Message{
		ThreadID:          thread.ID,
		AccountID:         account.ID,
		ExternalMessageID: raw.ExternalID,
		FromAddress:       raw.From,
		ToAddresses:       strings.Join(raw.To, ", "),
		CcAddresses:       strings.Join(raw.Cc, ", "),
		BccAddresses:      strings.Join(raw.Bcc, ", "),
		Subject:           raw.Subject,
		TextBody:          raw.TextBody,
		HTMLBody:          raw.HTMLBody,
		Direction:         domain.DirectionReceived,
		IsRead:            false,
		SentAt:            raw.SentAt,
	}
	if err := p.messageRepo.Create(message); err != nil {
		return false, err
	}

	if err := p.threadRepo.Touch(thread, raw.SentAt, participants); err != nil {
		// The message is stored; a failed counter bump is recoverable noise
		log.Printf("[Pipeline] failed to update thread %s: %v", thread.ID, err)
	}
	return true, nil
}

// resolveThread finds the owner's thread with this exact subject, creating
// it when absent.
func (p *Pipeline) resolveThread(ownerID string, raw provider.RawMessage, participants []string) (*domain.Thread, error) {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()

	subject := strings.TrimSpace(raw.Subject)

	thread, err := p.threadRepo.FindByOwnerAndSubject(ownerID, subject)
	if err != nil {
		return nil, err
	}
	if thread != nil {
		return thread, nil
	}

	thread = &domain.Thread{
		OwnerID:       ownerID,
		Subject:       subject,
		LastMessageAt: raw.SentAt,
	}
	thread.SetParticipants(participants)
	if err := p.threadRepo.Create(thread); err != nil {
		return nil, err
	}
	return thread, nil
}
