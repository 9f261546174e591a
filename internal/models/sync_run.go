package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SyncRunRunning   = "running"
	SyncRunCompleted = "completed"
	SyncRunFailed    = "failed"
)

// SyncRun records one sync pass over one mail integration.
type SyncRun struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MailIntegrationID    uuid.UUID  `gorm:"type:uuid;index" json:"mail_integration_id"`
	UserID               string     `gorm:"index" json:"user_id"`
	Trigger              string     `json:"trigger"`
	MessagesFetched      int        `json:"messages_fetched"`
	MessagesSkipped      int        `json:"messages_skipped"`
	TransactionsIngested int        `json:"transactions_ingested"`
	TransactionsApplied  int        `json:"transactions_applied"`
	AccountsDiscovered   int        `json:"accounts_discovered"`
	Status               string     `json:"status"`
	Error                string     `json:"error,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}
