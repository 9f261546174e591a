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

type ParsedTransactionRepository struct {
	db *gorm.DB
}

func NewParsedTransactionRepository(db *gorm.DB) *ParsedTransactionRepository {
	return &ParsedTransactionRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *ParsedTransactionRepository) WithTx(tx *gorm.DB) *ParsedTransactionRepository {
	return &ParsedTransactionRepository{db: tx}
}

// InsertNew persists candidates in one transaction, skipping any whose
// (integration, source message) pair already exists. It returns the rows
// that were actually inserted.
func (r *ParsedTransactionRepository) InsertNew(ctx context.Context, txs []*models.ParsedTransaction) ([]*models.ParsedTransaction, error) {
	var inserted []*models.ParsedTransaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pt := range txs {
			if pt.ID == uuid.Nil {
				pt.ID = uuid.New()
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "mail_integration_id"}, {Name: "source_message_id"}},
				DoNothing: true,
			}).Create(pt)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				inserted = append(inserted, pt)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *ParsedTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ParsedTransaction, error) {
	var pt models.ParsedTransaction
	if err := r.db.WithContext(ctx).First(&pt, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &pt, nil
}

// GetForUpdate reads a row under a row lock inside the caller's transaction.
func (r *ParsedTransactionRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ParsedTransaction, error) {
	var pt models.ParsedTransaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&pt, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &pt, nil
}

// GetForUser returns the row only if it belongs to one of the user's
// integrations.
func (r *ParsedTransactionRepository) GetForUser(ctx context.Context, userID string, id uuid.UUID) (*models.ParsedTransaction, error) {
	var pt models.ParsedTransaction
	err := r.db.WithContext(ctx).
		Joins("JOIN mail_integrations ON mail_integrations.id = parsed_transactions.mail_integration_id").
		Where("mail_integrations.user_id = ?", userID).
		First(&pt, "parsed_transactions.id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &pt, nil
}

// ListByStatus returns an integration's rows in processing order.
func (r *ParsedTransactionRepository) ListByStatus(ctx context.Context, integrationID uuid.UUID, status string) ([]models.ParsedTransaction, error) {
	var txs []models.ParsedTransaction
	err := r.db.WithContext(ctx).
		Where("mail_integration_id = ? AND status = ?", integrationID, status).
		Order("occurred_at ASC, source_message_id ASC").
		Find(&txs).Error
	return txs, err
}

// ListByDiscovery returns rows staged on a discovered account.
func (r *ParsedTransactionRepository) ListByDiscovery(ctx context.Context, discoveryID uuid.UUID, status string) ([]models.ParsedTransaction, error) {
	var txs []models.ParsedTransaction
	err := r.db.WithContext(ctx).
		Where("discovered_account_id = ? AND status = ?", discoveryID, status).
		Order("occurred_at ASC, source_message_id ASC").
		Find(&txs).Error
	return txs, err
}

// ResetRejected moves an integration's rejected rows back to pending.
func (r *ParsedTransactionRepository) ResetRejected(ctx context.Context, integrationID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.ParsedTransaction{}).
		Where("mail_integration_id = ? AND status = ?", integrationID, models.TxStatusRejected).
		Updates(map[string]interface{}{
			"status":       models.TxStatusPending,
			"processed_at": nil,
			"note":         "",
		})
	return res.RowsAffected, res.Error
}

// ClearResolution detaches pending rows from accounts and discoveries so
// resolution can run again from scratch.
func (r *ParsedTransactionRepository) ClearResolution(ctx context.Context, integrationID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.ParsedTransaction{}).
		Where("mail_integration_id = ? AND status = ?", integrationID, models.TxStatusPending).
		Updates(map[string]interface{}{
			"discovered_account_id": nil,
			"financial_account_id":  nil,
		}).Error
}

func (r *ParsedTransactionRepository) Save(ctx context.Context, pt *models.ParsedTransaction) error {
	return r.db.WithContext(ctx).Save(pt).Error
}

// ListFilter narrows a cursor-paginated listing.
type ListFilter struct {
	Status        string
	IntegrationID *uuid.UUID
	Cursor        string
	Limit         int
	Search        string
}

// List returns a page of the user's parsed transactions ordered by id.
func (r *ParsedTransactionRepository) List(ctx context.Context, userID string, f ListFilter) ([]models.ParsedTransaction, string, bool, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}

	var txs []models.ParsedTransaction
	query := r.db.WithContext(ctx).
		Joins("JOIN mail_integrations ON mail_integrations.id = parsed_transactions.mail_integration_id").
		Where("mail_integrations.user_id = ?", userID).
		Order("parsed_transactions.id ASC").
		Limit(f.Limit + 1)

	if f.Status != "" && f.Status != "all" {
		query = query.Where("parsed_transactions.status = ?", f.Status)
	}
	if f.IntegrationID != nil {
		query = query.Where("parsed_transactions.mail_integration_id = ?", *f.IntegrationID)
	}
	if f.Cursor != "" {
		query = query.Where("parsed_transactions.id > ?", f.Cursor)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		query = query.Where(
			"LOWER(parsed_transactions.description) LIKE LOWER(?) OR LOWER(parsed_transactions.fingerprint) LIKE LOWER(?)",
			like, like,
		)
	}

	if err := query.Find(&txs).Error; err != nil {
		return nil, "", false, err
	}

	hasMore := false
	var nextCursor string
	if len(txs) > f.Limit {
		hasMore = true
		nextCursor = txs[f.Limit-1].ID.String()
		txs = txs[:f.Limit]
	}
	return txs, nextCursor, hasMore, nil
}

// StatRow is one status bucket of a user's parsed transactions.
type StatRow struct {
	Status string
	Count  int64
	Sum    decimal.Decimal
}

func (r *ParsedTransactionRepository) StatsByStatus(ctx context.Context, userID string) ([]StatRow, error) {
	var rows []StatRow
	err := r.db.WithContext(ctx).Model(&models.ParsedTransaction{}).
		Joins("JOIN mail_integrations ON mail_integrations.id = parsed_transactions.mail_integration_id").
		Where("mail_integrations.user_id = ?", userID).
		Select("parsed_transactions.status AS status, COUNT(*) AS count, COALESCE(SUM(parsed_transactions.amount), 0) AS sum").
		Group("parsed_transactions.status").
		Scan(&rows).Error
	return rows, err
}

// MarkProcessed records the ledger link and status in the caller's transaction.
func (r *ParsedTransactionRepository) MarkProcessed(ctx context.Context, pt *models.ParsedTransaction, accountID, entryID uuid.UUID, at time.Time) error {
	pt.Status = models.TxStatusProcessed
	pt.ProcessedAt = &at
	pt.LedgerEntryID = &entryID
	pt.FinancialAccountID = &accountID
	return r.db.WithContext(ctx).Save(pt).Error
}
