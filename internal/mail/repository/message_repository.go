package repository

import (
	"time"

	"unibox-backend/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// messageRepository implements MessageRepository interface
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a new instance of messageRepository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{
		db: db,
	}
}

func (r *messageRepository) ExistsByExternalID(accountID, externalMessageID string) (bool, error) {
	var message domain.Message
	err := r.db.Select("id").
		Where("account_id = ? AND external_message_id = ?", accountID, externalMessageID).
		First(&message).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *messageRepository) Create(message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	now := time.Now()
	message.CreatedAt = now
	message.UpdatedAt = now
	return r.db.Create(message).Error
}

func (r *messageRepository) SetFlags(ownerID string, messageIDs []string, isRead, isStarred *bool) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	updates := map[string]interface{}{"updated_at": time.Now()}
	if isRead != nil {
		updates["is_read"] = *isRead
	}
	if isStarred != nil {
		updates["is_starred"] = *isStarred
	}

	// Scope by owner through the message's thread so one owner cannot
	// mutate another's mail
	result := r.db.Model(&domain.Message{}).
		Where("id IN ? AND thread_id IN (?)", messageIDs,
			r.db.Model(&domain.Thread{}).Select("id").Where("owner_id = ?", ownerID)).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *messageRepository) ListByThread(threadID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.Where("thread_id = ?", threadID).Order("sent_at asc").Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}
