package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/provider"
)

// In-memory repository fakes shared by the pipeline, coordinator and
// scheduler tests.

type fakeAccountRepo struct {
	mu       gosync.Mutex
	accounts map[string]*domain.Account
	synced   map[string]string // accountID -> committed cursor
}

func newFakeAccountRepo(accounts ...*domain.Account) *fakeAccountRepo {
	r := &fakeAccountRepo{
		accounts: make(map[string]*domain.Account),
		synced:   make(map[string]string),
	}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeAccountRepo) GetByID(id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (r *fakeAccountRepo) ListSyncable(ownerID string) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Account
	for _, a := range r.accounts {
		if !a.IsActive || !a.SyncEnabled {
			continue
		}
		if ownerID != "" && a.OwnerID != ownerID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *fakeAccountRepo) MarkSynced(id string, syncedAt time.Time, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		at := syncedAt
		a.LastSyncAt = &at
		if cursor != "" {
			a.IncrementalCursor = cursor
		}
	}
	r.synced[id] = cursor
	return nil
}

func (r *fakeAccountRepo) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.IsActive = active
	}
	return nil
}

func (r *fakeAccountRepo) Create(account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.ID] = account
	return nil
}

type fakeMessageRepo struct {
	mu       gosync.Mutex
	messages []*domain.Message
	byKey    map[string]bool
	// failures counts down: each create fails while > 0
	createFailures int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{byKey: make(map[string]bool)}
}

func (r *fakeMessageRepo) key(accountID, externalID string) string {
	return accountID + "|" + externalID
}

func (r *fakeMessageRepo) ExistsByExternalID(accountID, externalMessageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[r.key(accountID, externalMessageID)], nil
}

func (r *fakeMessageRepo) Create(message *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createFailures > 0 {
		r.createFailures--
		return fmt.Errorf("transient store error")
	}
	if message.ID == "" {
		message.ID = fmt.Sprintf("msg-%d", len(r.messages)+1)
	}
	r.messages = append(r.messages, message)
	r.byKey[r.key(message.AccountID, message.ExternalMessageID)] = true
	return nil
}

func (r *fakeMessageRepo) ListByThread(threadID string) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeMessageRepo) SetFlags(ownerID string, messageIDs []string, isRead, isStarred *bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	var n int64
	for _, m := range r.messages {
		if !ids[m.ID] {
			continue
		}
		if isRead != nil {
			m.IsRead = *isRead
		}
		if isStarred != nil {
			m.IsStarred = *isStarred
		}
		n++
	}
	return n, nil
}

func (r *fakeMessageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type fakeThreadRepo struct {
	mu      gosync.Mutex
	threads []*domain.Thread
}

func newFakeThreadRepo() *fakeThreadRepo {
	return &fakeThreadRepo{}
}

// FindByOwnerAndSubject hands back a detached copy, the way gorm scans a
// fresh row into the caller's struct.
func (r *fakeThreadRepo) FindByOwnerAndSubject(ownerID, subject string) (*domain.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if t.OwnerID == ownerID && t.Subject == subject {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeThreadRepo) Create(thread *domain.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if thread.ID == "" {
		thread.ID = fmt.Sprintf("thread-%d", len(r.threads)+1)
	}
	r.threads = append(r.threads, thread)
	return nil
}

// Touch applies the bump to the stored row, mirroring the SQL-side
// increment: the caller's detached struct is never the source of truth.
func (r *fakeThreadRepo) Touch(thread *domain.Thread, messageAt time.Time, participants []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if t.ID != thread.ID {
			continue
		}
		t.MessageCount++
		if messageAt.After(t.LastMessageAt) {
			t.LastMessageAt = messageAt
		}
		t.SetParticipants(participants)
		return nil
	}
	return fmt.Errorf("thread %s not found", thread.ID)
}

func (r *fakeThreadRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// fakeAdapter serves scripted fetch results and tracks concurrency.
type fakeAdapter struct {
	mu          gosync.Mutex
	results     map[string]*provider.FetchResult
	errs        map[string]error
	inFlight    int
	maxInFlight int
	fetchDelay  time.Duration
	fullCalls   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		results: make(map[string]*provider.FetchResult),
		errs:    make(map[string]error),
	}
}

func (a *fakeAdapter) FetchIncremental(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	delay := a.fetchDelay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	a.mu.Lock()
	a.inFlight--
	err := a.errs[account.ID]
	result := a.results[account.ID]
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result == nil {
		return &provider.FetchResult{}, nil
	}
	return result, nil
}

func (a *fakeAdapter) FetchFull(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	a.mu.Lock()
	a.fullCalls++
	result := a.results[account.ID]
	a.mu.Unlock()
	if result == nil {
		return &provider.FetchResult{WasFullSync: true}, nil
	}
	full := *result
	full.WasFullSync = true
	return &full, nil
}

func (a *fakeAdapter) Send(ctx context.Context, account *domain.Account, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	return &provider.SendResult{ExternalID: "sent-1", SentAt: time.Now()}, nil
}

func (a *fakeAdapter) TestConnection(ctx context.Context, account *domain.Account) error {
	return a.errs[account.ID]
}

func testAccount(id, ownerID string) *domain.Account {
	return &domain.Account{
		ID:                   id,
		OwnerID:              ownerID,
		Email:                id + "@example.com",
		Provider:             domain.ProviderGmail,
		SyncEnabled:          true,
		SyncFrequencySeconds: 15,
		IsActive:             true,
	}
}

func rawMessage(externalID, subject string) provider.RawMessage {
	return provider.RawMessage{
		ExternalID: externalID,
		From:       "alice@example.com",
		To:         []string{"bob@example.com"},
		Subject:    subject,
		TextBody:   "hello",
		SentAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
