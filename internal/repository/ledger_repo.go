package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"expense-reconciliation-backend/internal/models"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) WithTx(tx *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: tx}
}

func (r *LedgerRepository) Create(ctx context.Context, e *models.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *LedgerRepository) Save(ctx context.Context, e *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Save(e).Error
}

func (r *LedgerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (r *LedgerRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&e, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

// ListByAccount returns the account's audit trail, newest first.
func (r *LedgerRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
