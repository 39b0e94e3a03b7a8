package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event is a best-effort broadcast about mailbox activity. Delivery is
// never required for sync correctness.
type Event struct {
	Type      string                 `json:"type"`
	OwnerID   string                 `json:"owner_id"`
	AccountID string                 `json:"account_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	At        time.Time              `json:"at"`
}

const (
	EventNewMessages  = "new_messages"
	EventSyncFinished = "sync_finished"
	EventMessageSent  = "message_sent"
)

// Notifier broadcasts events to the owner's listeners.
type Notifier interface {
	BroadcastToOwner(ctx context.Context, ownerID string, event Event) error
}

// Publisher is the NATS JetStream Notifier.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	if info, err := p.js.StreamInfo("MAIL_EVENTS"); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       "MAIL_EVENTS",
		Subjects:   []string{"user.*.mail"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (p *Publisher) BroadcastToOwner(_ context.Context, ownerID string, event Event) error {
	event.OwnerID = ownerID
	if event.At.IsZero() {
		event.At = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := fmt.Sprintf("user.%s.mail", ownerID)
	if _, err := p.js.Publish(subject, payload, nats.MsgId(uuid.New().String())); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Broadcast sends the event when a notifier is configured, logging failures
// instead of propagating them.
func Broadcast(ctx context.Context, n Notifier, ownerID string, event Event) {
	if n == nil {
		return
	}
	if err := n.BroadcastToOwner(ctx, ownerID, event); err != nil {
		log.Printf("[Notification] broadcast to owner %s failed: %v", ownerID, err)
	}
}
