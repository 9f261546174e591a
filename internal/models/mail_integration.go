package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
	ProviderYahoo   = "yahoo"
)

const (
	IntegrationConnected         = "connected"
	IntegrationDisconnected      = "disconnected"
	IntegrationReconnectRequired = "reconnect_required"
	IntegrationError             = "error"
)

// MailIntegration is one connected mailbox. Tokens are stored encrypted.
type MailIntegration struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID                string     `gorm:"index;uniqueIndex:idx_integration_mailbox" json:"user_id"`
	Provider              string     `gorm:"uniqueIndex:idx_integration_mailbox" json:"provider"`
	Email                 string     `gorm:"uniqueIndex:idx_integration_mailbox" json:"email"`
	AccessToken           string     `json:"-"`
	RefreshToken          string     `json:"-"`
	TokenExpiry           time.Time  `json:"token_expiry"`
	Watermark             *time.Time `json:"watermark,omitempty"`
	LastSyncAt            *time.Time `json:"last_sync_at,omitempty"`
	Active                bool       `gorm:"index" json:"active"`
	Status                string     `json:"status"`
	LastError             string     `json:"last_error,omitempty"`
	TransactionsProcessed int        `json:"transactions_processed"`
	AccountsDiscovered    int        `json:"accounts_discovered"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
