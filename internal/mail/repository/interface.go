package repository

import (
	"time"

	"unibox-backend/internal/mail/domain"
)

// AccountRepository defines the interface for mailbox account operations
type AccountRepository interface {
	GetByID(id string) (*domain.Account, error)
	// ListSyncable returns active accounts with sync enabled, optionally
	// filtered by owner
	ListSyncable(ownerID string) ([]domain.Account, error)
	// MarkSynced records a completed sync pass and the new provider cursor
	MarkSynced(id string, syncedAt time.Time, cursor string) error
	SetActive(id string, active bool) error
	Create(account *domain.Account) error
}

// MessageRepository defines the interface for message persistence
type MessageRepository interface {
	// ExistsByExternalID checks the (account, provider message id) dedup key
	ExistsByExternalID(accountID, externalMessageID string) (bool, error)
	Create(message *domain.Message) error
	ListByThread(threadID string) ([]domain.Message, error)
	// SetFlags updates read/star flags on the owner's messages; nil leaves
	// a flag untouched
	SetFlags(ownerID string, messageIDs []string, isRead, isStarred *bool) (int64, error)
}

// ThreadRepository defines the interface for thread grouping operations
type ThreadRepository interface {
	// FindByOwnerAndSubject returns the owner's thread with this exact
	// subject, or nil when none exists
	FindByOwnerAndSubject(ownerID, subject string) (*domain.Thread, error)
	Create(thread *domain.Thread) error
	// Touch bumps message count, last activity and the participant union
	Touch(thread *domain.Thread, messageAt time.Time, participants []string) error
}
