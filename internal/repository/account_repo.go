package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"expense-reconciliation-backend/internal/models"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) WithTx(tx *gorm.DB) *AccountRepository {
	return &AccountRepository{db: tx}
}

// DB exposes the underlying connection for services that open transactions.
func (r *AccountRepository) DB() *gorm.DB {
	return r.db
}

// Create inserts the account together with its fingerprints.
func (r *AccountRepository) Create(ctx context.Context, acct *models.FinancialAccount) error {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	for i := range acct.Fingerprints {
		fp := &acct.Fingerprints[i]
		if fp.ID == uuid.Nil {
			fp.ID = uuid.New()
		}
		fp.AccountID = acct.ID
		fp.UserID = acct.UserID
	}
	return r.db.WithContext(ctx).Create(acct).Error
}

func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FinancialAccount, error) {
	var acct models.FinancialAccount
	if err := r.db.WithContext(ctx).Preload("Fingerprints").First(&acct, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

// GetForUpdate reads the account under a row lock inside the caller's
// transaction.
func (r *AccountRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.FinancialAccount, error) {
	var acct models.FinancialAccount
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&acct, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

func (r *AccountRepository) GetForUser(ctx context.Context, userID string, id uuid.UUID) (*models.FinancialAccount, error) {
	acct, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, ErrNotFound
	}
	return acct, nil
}

func (r *AccountRepository) ListByUser(ctx context.Context, userID string) ([]models.FinancialAccount, error) {
	var accts []models.FinancialAccount
	err := r.db.WithContext(ctx).
		Preload("Fingerprints").
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&accts).Error
	return accts, err
}

// FindByFingerprint returns every account of the user carrying the
// normalized fingerprint. More than one result is a data-quality problem the
// caller must surface.
func (r *AccountRepository) FindByFingerprint(ctx context.Context, userID, normalized string) ([]models.FinancialAccount, error) {
	var accts []models.FinancialAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND id IN (?)", userID,
			r.db.Model(&models.AccountFingerprint{}).
				Select("account_id").
				Where("user_id = ? AND normalized = ?", userID, normalized),
		).
		Order("created_at ASC").
		Find(&accts).Error
	return accts, err
}

// ListFingerprints returns all fingerprints the user has registered.
func (r *AccountRepository) ListFingerprints(ctx context.Context, userID string) ([]models.AccountFingerprint, error) {
	var fps []models.AccountFingerprint
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&fps).Error
	return fps, err
}

// AddFingerprint attaches a fingerprint to an account; re-adding the same
// value is a no-op.
func (r *AccountRepository) AddFingerprint(ctx context.Context, fp *models.AccountFingerprint) error {
	if fp.ID == uuid.Nil {
		fp.ID = uuid.New()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "normalized"}},
			DoNothing: true,
		}).
		Create(fp).Error
}

// CompareAndSetBalance writes a new balance only if the row still carries
// the expected version. It reports whether the write happened.
func (r *AccountRepository) CompareAndSetBalance(ctx context.Context, id uuid.UUID, version int64, balance decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.FinancialAccount{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"balance":    balance,
			"version":    version + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
