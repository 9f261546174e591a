package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
)

type IntegrationRepository struct {
	db *gorm.DB
}

func NewIntegrationRepository(db *gorm.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// Upsert creates the integration or refreshes the tokens of an existing
// one for the same user, provider and mailbox.
func (r *IntegrationRepository) Upsert(ctx context.Context, in *models.MailIntegration) (*models.MailIntegration, error) {
	var existing models.MailIntegration
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND email = ?", in.UserID, in.Provider, in.Email).
		First(&existing).Error
	switch {
	case err == nil:
		existing.AccessToken = in.AccessToken
		if in.RefreshToken != "" {
			existing.RefreshToken = in.RefreshToken
		}
		existing.TokenExpiry = in.TokenExpiry
		existing.Active = true
		existing.Status = models.IntegrationConnected
		existing.LastError = ""
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		in.Active = true
		in.Status = models.IntegrationConnected
		if err := r.db.WithContext(ctx).Create(in).Error; err != nil {
			return nil, err
		}
		return in, nil
	default:
		return nil, err
	}
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MailIntegration, error) {
	var in models.MailIntegration
	if err := r.db.WithContext(ctx).First(&in, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &in, nil
}

func (r *IntegrationRepository) GetForUser(ctx context.Context, userID string, id uuid.UUID) (*models.MailIntegration, error) {
	in, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.UserID != userID {
		return nil, ErrNotFound
	}
	return in, nil
}

func (r *IntegrationRepository) ListByUser(ctx context.Context, userID string) ([]models.MailIntegration, error) {
	var ins []models.MailIntegration
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&ins).Error
	return ins, err
}

// ListActive returns every active integration, for background jobs.
func (r *IntegrationRepository) ListActive(ctx context.Context) ([]models.MailIntegration, error) {
	var ins []models.MailIntegration
	err := r.db.WithContext(ctx).Where("active = ?", true).Find(&ins).Error
	return ins, err
}

// UsersWithActiveIntegrations lists distinct owners of active mailboxes.
func (r *IntegrationRepository) UsersWithActiveIntegrations(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("active = ?", true).
		Distinct("user_id").
		Pluck("user_id", &users).Error
	return users, err
}

func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiry time.Time) error {
	updates := map[string]interface{}{
		"access_token": access,
		"token_expiry": expiry,
	}
	if refresh != "" {
		updates["refresh_token"] = refresh
	}
	return r.db.WithContext(ctx).Model(&models.MailIntegration{}).Where("id = ?", id).Updates(updates).Error
}

// AdvanceWatermark moves the watermark forward, never backward.
func (r *IntegrationRepository) AdvanceWatermark(ctx context.Context, id uuid.UUID, to time.Time) error {
	return r.db.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("id = ? AND (watermark IS NULL OR watermark < ?)", id, to).
		Update("watermark", to).Error
}

func (r *IntegrationRepository) ResetWatermark(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("id = ?", id).
		Update("watermark", nil).Error
}

// RecordSync stores the outcome of a successful sync pass.
func (r *IntegrationRepository) RecordSync(ctx context.Context, id uuid.UUID, at time.Time, applied, discovered int) error {
	return r.db.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_sync_at":           at,
			"status":                 models.IntegrationConnected,
			"last_error":             "",
			"transactions_processed": gorm.Expr("transactions_processed + ?", applied),
			"accounts_discovered":    gorm.Expr("accounts_discovered + ?", discovered),
		}).Error
}

// MarkFailed records a sync error without deactivating the integration.
func (r *IntegrationRepository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return r.db.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.IntegrationError,
			"last_error": msg,
		}).Error
}

// MarkReconnectRequired deactivates the integration until the user
// reconnects it.
func (r *IntegrationRepository) MarkReconnectRequired(ctx context.Context, id uuid.UUID, msg string) error {
	return r.db.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"active":     false,
			"status":     models.IntegrationReconnectRequired,
			"last_error": msg,
		}).Error
}

// Delete removes the integration and everything it owns.
func (r *IntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mail_integration_id = ?", id).Delete(&models.ParsedTransaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("mail_integration_id = ?", id).Delete(&models.DiscoveredAccount{}).Error; err != nil {
			return err
		}
		if err := tx.Where("mail_integration_id = ?", id).Delete(&models.SyncRun{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.MailIntegration{}, "id = ?", id).Error
	})
}
