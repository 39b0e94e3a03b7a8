package repository

import (
	"time"

	"unibox-backend/internal/mail/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// accountRepository implements AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of accountRepository
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{
		db: db,
	}
}

func (r *accountRepository) GetByID(id string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ListSyncable(ownerID string) ([]domain.Account, error) {
	var accounts []domain.Account
	query := r.db.Where("is_active = ? AND sync_enabled = ?", true, true)
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) MarkSynced(id string, syncedAt time.Time, cursor string) error {
	updates := map[string]interface{}{
		"last_sync_at": syncedAt,
		"updated_at":   time.Now(),
	}
	if cursor != "" {
		updates["incremental_cursor"] = cursor
	}
	return r.db.Model(&domain.Account{}).Where("id = ?", id).Updates(updates).Error
}

func (r *accountRepository) SetActive(id string, active bool) error {
	return r.db.Model(&domain.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()}).Error
}

func (r *accountRepository) Create(account *domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	return r.db.Create(account).Error
}
