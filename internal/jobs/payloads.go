package jobs

// Queue names. Every enqueue and handler registration goes through these.
const (
	QueueSendEmail   = "send-email"
	QueueSyncAccount = "sync-account"
	QueueBulkMutate  = "bulk-mutate"
	QueueNotify      = "notify"
	QueueCleanup     = "cleanup"
)

// SyncJobID returns the deterministic job id for an account sync, so two
// overlapping requests collapse into one queued job.
func SyncJobID(accountID string) string {
	return "sync-" + accountID
}

type SendEmailPayload struct {
	AccountID string   `json:"account_id"`
	OwnerID   string   `json:"owner_id,omitempty"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	TextBody  string   `json:"text_body,omitempty"`
	HTMLBody  string   `json:"html_body,omitempty"`
}

type SyncAccountPayload struct {
	AccountID string `json:"account_id"`
	OwnerID   string `json:"owner_id"`
}

const (
	BulkActionMarkRead   = "mark_read"
	BulkActionMarkUnread = "mark_unread"
	BulkActionStar       = "star"
	BulkActionUnstar     = "unstar"
)

type BulkMutatePayload struct {
	OwnerID    string   `json:"owner_id"`
	MessageIDs []string `json:"message_ids"`
	Action     string   `json:"action"`
}

type NotifyPayload struct {
	OwnerID   string                 `json:"owner_id"`
	Type      string                 `json:"type"`
	AccountID string                 `json:"account_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type CleanupPayload struct {
	OwnerID string `json:"owner_id,omitempty"`
}
