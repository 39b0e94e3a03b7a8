package domain

import "time"

const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
	ProviderIMAP    = "imap"
)

// Account is a connected mailbox. OAuth providers carry a token triple,
// IMAP accounts carry host credentials; both kinds share the sync settings.
type Account struct {
	ID      string `json:"id" gorm:"primaryKey"`
	OwnerID string `json:"owner_id" gorm:"index;not null"`
	Email   string `json:"email" gorm:"not null"`
	// Provider is one of gmail, outlook, imap
	Provider string `json:"provider" gorm:"not null"`

	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"-"`

	IMAPHost     string `json:"imap_host,omitempty"`
	IMAPPort     int    `json:"imap_port,omitempty"`
	IMAPUsername string `json:"imap_username,omitempty"`
	IMAPPassword string `json:"-"`
	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`

	SyncEnabled          bool       `json:"sync_enabled" gorm:"default:true"`
	SyncFrequencySeconds int        `json:"sync_frequency_seconds" gorm:"default:15"`
	LastSyncAt           *time.Time `json:"last_sync_at"`
	// IncrementalCursor is the provider checkpoint (Gmail historyId).
	// Empty means the next sync is a full fetch.
	IncrementalCursor string `json:"-"`
	IsActive          bool   `json:"is_active" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncDue reports whether the account should be picked up by the scheduler.
func (a *Account) SyncDue(now time.Time) bool {
	if a.LastSyncAt == nil {
		return true
	}
	freq := time.Duration(a.SyncFrequencySeconds) * time.Second
	return now.Sub(*a.LastSyncAt) >= freq
}
