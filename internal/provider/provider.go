// Package provider defines the mailbox provider adapter contract and the
// error taxonomy shared by the gmail, outlook and imap implementations.
package provider

import (
	"context"
	"time"

	"unibox-backend/internal/mail/domain"
)

// FullFetchLimit caps how many recent messages a full (non-incremental)
// fetch returns.
const FullFetchLimit = 50

// RawMessage is a provider-normalized message, not yet deduplicated or
// threaded.
type RawMessage struct {
	ExternalID string
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	TextBody   string
	HTMLBody   string
	SentAt     time.Time
}

// FetchResult is what one fetch pass produced. WasFullSync reports that an
// incremental fetch fell back to a full window, so callers can log and
// reconcile accordingly.
type FetchResult struct {
	Messages    []RawMessage
	NewCursor   string
	WasFullSync bool
}

type OutgoingMessage struct {
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	TextBody string
	HTMLBody string
}

type SendResult struct {
	ExternalID string
	SentAt     time.Time
}

// Adapter is implemented once per provider. FetchIncremental uses the
// account's stored cursor when the provider supports one and must fall back
// to FetchFull transparently when the cursor is rejected as stale.
type Adapter interface {
	FetchIncremental(ctx context.Context, account *domain.Account) (*FetchResult, error)
	FetchFull(ctx context.Context, account *domain.Account) (*FetchResult, error)
	Send(ctx context.Context, account *domain.Account, msg *OutgoingMessage) (*SendResult, error)
	TestConnection(ctx context.Context, account *domain.Account) error
}

// TokenUpdateFunc persists refreshed OAuth tokens back to the account store.
type TokenUpdateFunc func(accountID, accessToken, refreshToken string, expiry time.Time) error
