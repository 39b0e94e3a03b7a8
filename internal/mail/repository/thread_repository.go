package repository

import (
	"time"

	"unibox-backend/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// threadRepository implements ThreadRepository interface
type threadRepository struct {
	db *gorm.DB
}

// NewThreadRepository creates a new instance of threadRepository
func NewThreadRepository(db *gorm.DB) ThreadRepository {
	return &threadRepository{
		db: db,
	}
}

func (r *threadRepository) FindByOwnerAndSubject(ownerID, subject string) (*domain.Thread, error) {
	var thread domain.Thread
	err := r.db.Where("owner_id = ? AND subject = ?", ownerID, subject).First(&thread).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &thread, nil
}

func (r *threadRepository) Create(thread *domain.Thread) error {
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	now := time.Now()
	thread.CreatedAt = now
	thread.UpdatedAt = now
	return r.db.Create(thread).Error
}

// Touch bumps the thread after a new message landed. The counter increment
// runs in SQL so concurrent ingest workers touching the same thread never
// lose an update.
func (r *threadRepository) Touch(thread *domain.Thread, messageAt time.Time, participants []string) error {
	thread.SetParticipants(participants)
	return r.db.Model(&domain.Thread{}).
		Where("id = ?", thread.ID).
		UpdateColumns(map[string]interface{}{
			"message_count":      gorm.Expr("message_count + 1"),
			"last_message_at":    gorm.Expr("GREATEST(last_message_at, ?)", messageAt),
			"participant_emails": thread.ParticipantEmails,
			"updated_at":         time.Now(),
		}).Error
}
