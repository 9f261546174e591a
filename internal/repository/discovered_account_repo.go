package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
)

type DiscoveredAccountRepository struct {
	db *gorm.DB
}

func NewDiscoveredAccountRepository(db *gorm.DB) *DiscoveredAccountRepository {
	return &DiscoveredAccountRepository{db: db}
}

func (r *DiscoveredAccountRepository) WithTx(tx *gorm.DB) *DiscoveredAccountRepository {
	return &DiscoveredAccountRepository{db: tx}
}

func (r *DiscoveredAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DiscoveredAccount, error) {
	var d models.DiscoveredAccount
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

// GetByKey looks up the discovery row for (integration, normalized fingerprint).
func (r *DiscoveredAccountRepository) GetByKey(ctx context.Context, integrationID uuid.UUID, normalized string) (*models.DiscoveredAccount, error) {
	var d models.DiscoveredAccount
	err := r.db.WithContext(ctx).
		Where("mail_integration_id = ? AND normalized_fingerprint = ?", integrationID, normalized).
		First(&d).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *DiscoveredAccountRepository) GetForUser(ctx context.Context, userID string, id uuid.UUID) (*models.DiscoveredAccount, error) {
	var d models.DiscoveredAccount
	err := r.db.WithContext(ctx).
		Joins("JOIN mail_integrations ON mail_integrations.id = discovered_accounts.mail_integration_id").
		Where("mail_integrations.user_id = ?", userID).
		First(&d, "discovered_accounts.id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *DiscoveredAccountRepository) ListByUser(ctx context.Context, userID, status string) ([]models.DiscoveredAccount, error) {
	var ds []models.DiscoveredAccount
	query := r.db.WithContext(ctx).
		Joins("JOIN mail_integrations ON mail_integrations.id = discovered_accounts.mail_integration_id").
		Where("mail_integrations.user_id = ?", userID).
		Order("discovered_accounts.created_at ASC")
	if status != "" && status != "all" {
		query = query.Where("discovered_accounts.status = ?", status)
	}
	err := query.Find(&ds).Error
	return ds, err
}

func (r *DiscoveredAccountRepository) Create(ctx context.Context, d *models.DiscoveredAccount) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *DiscoveredAccountRepository) Save(ctx context.Context, d *models.DiscoveredAccount) error {
	return r.db.WithContext(ctx).Save(d).Error
}

// ResetPending zeroes the sighting bookkeeping of an integration's pending
// discoveries so a reprocess can count them again.
func (r *DiscoveredAccountRepository) ResetPending(ctx context.Context, integrationID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.DiscoveredAccount{}).
		Where("mail_integration_id = ? AND status = ?", integrationID, models.DiscoveryPending).
		Updates(map[string]interface{}{
			"sightings":    0,
			"staged_delta": decimal.Zero,
			"confidence":   0,
		}).Error
}

// ResetRejected moves an integration's rejected discoveries back to pending.
func (r *DiscoveredAccountRepository) ResetRejected(ctx context.Context, integrationID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.DiscoveredAccount{}).
		Where("mail_integration_id = ? AND status = ?", integrationID, models.DiscoveryRejected).
		Updates(map[string]interface{}{
			"status":       models.DiscoveryPending,
			"processed_at": nil,
			"sightings":    0,
			"staged_delta": decimal.Zero,
			"confidence":   0,
		}).Error
}
