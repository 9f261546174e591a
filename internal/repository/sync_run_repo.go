package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
)

type SyncRunRepository struct {
	db *gorm.DB
}

func NewSyncRunRepository(db *gorm.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Start creates a running SyncRun.
func (r *SyncRunRepository) Start(ctx context.Context, integrationID uuid.UUID, userID, trigger string) (*models.SyncRun, error) {
	now := time.Now()
	run := &models.SyncRun{
		ID:                uuid.New(),
		MailIntegrationID: integrationID,
		UserID:            userID,
		Trigger:           trigger,
		Status:            models.SyncRunRunning,
		StartedAt:         now,
		CreatedAt:         now,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Finish stores the run's final counters.
func (r *SyncRunRepository) Finish(ctx context.Context, run *models.SyncRun) error {
	now := time.Now()
	run.CompletedAt = &now
	if run.Status == models.SyncRunRunning {
		run.Status = models.SyncRunCompleted
	}
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *SyncRunRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []models.SyncRun
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
