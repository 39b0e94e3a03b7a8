package domain

import (
	"encoding/json"
	"time"
)

const (
	DirectionReceived = "received"
	DirectionSent     = "sent"
)

// Message is a single mail message. (AccountID, ExternalMessageID) is the
// sole dedup key: the same provider message ingested twice is one row.
type Message struct {
	ID        string `json:"id" gorm:"primaryKey"`
	ThreadID  string `json:"thread_id" gorm:"index;not null"`
	AccountID string `json:"account_id" gorm:"not null;uniqueIndex:idx_account_external"`
	// ExternalMessageID is the provider-native message id.
	ExternalMessageID string `json:"external_message_id" gorm:"not null;uniqueIndex:idx_account_external"`

	FromAddress string `json:"from_address"`
	ToAddresses string `json:"to_addresses"`
	CcAddresses string `json:"cc_addresses,omitempty"`
	BccAddresses string `json:"bcc_addresses,omitempty"`
	Subject     string `json:"subject"`
	TextBody    string `json:"text_body"`
	HTMLBody    string `json:"html_body"`

	Direction string    `json:"direction" gorm:"default:received"`
	IsRead    bool      `json:"is_read" gorm:"default:false"`
	IsStarred bool      `json:"is_starred" gorm:"default:false"`
	SentAt    time.Time `json:"sent_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Thread groups messages by exact subject per owner across accounts.
// MessageCount and LastMessageAt are maintained by the ingestion pipeline.
type Thread struct {
	ID      string `json:"id" gorm:"primaryKey"`
	OwnerID string `json:"owner_id" gorm:"index:idx_owner_subject;not null"`
	Subject string `json:"subject" gorm:"index:idx_owner_subject"`
	// ParticipantEmails is a JSON-encoded, deduplicated list of addresses.
	ParticipantEmails string    `json:"participant_emails"`
	LastMessageAt     time.Time `json:"last_message_at"`
	MessageCount      int       `json:"message_count" gorm:"default:0"`
	IsArchived        bool      `json:"is_archived" gorm:"default:false"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participants decodes ParticipantEmails, tolerating the empty string.
func (t *Thread) Participants() []string {
	if t.ParticipantEmails == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(t.ParticipantEmails), &out); err != nil {
		return nil
	}
	return out
}

// SetParticipants stores the deduplicated union of current participants and
// addrs, preserving first-seen order.
func (t *Thread) SetParticipants(addrs []string) {
	seen := make(map[string]bool)
	var merged []string
	for _, a := range append(t.Participants(), addrs...) {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		merged = append(merged, a)
	}
	encoded, _ := json.Marshal(merged)
	t.ParticipantEmails = string(encoded)
}
