package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	DiscoveryPending  = "pending"
	DiscoveryApproved = "approved"
	DiscoveryRejected = "rejected"
)

// DiscoveredAccount is a staged account inferred from an unmatched
// fingerprint. One row per (integration, normalized fingerprint).
type DiscoveredAccount struct {
	ID                     uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	MailIntegrationID      uuid.UUID        `gorm:"type:uuid;uniqueIndex:idx_discovery_integration_fingerprint;index" json:"mail_integration_id"`
	NormalizedFingerprint  string           `gorm:"uniqueIndex:idx_discovery_integration_fingerprint" json:"normalized_fingerprint"`
	Fingerprint            string           `json:"fingerprint"`
	Institution            string           `json:"institution"`
	InferredType           string           `json:"inferred_type"`
	PartialNumber          string           `json:"partial_number"`
	StatedBalance          *decimal.Decimal `gorm:"type:numeric(18,2)" json:"stated_balance,omitempty"`
	InferredOpeningBalance decimal.Decimal  `gorm:"type:numeric(18,2)" json:"inferred_opening_balance"`
	StagedDelta            decimal.Decimal  `gorm:"type:numeric(18,2)" json:"staged_delta"`
	Confidence             float64          `json:"confidence"`
	NeedsReview            bool             `json:"needs_review"`
	Sightings              int              `json:"sightings"`
	LastSeenAt             time.Time        `json:"last_seen_at"`
	Status                 string           `gorm:"index" json:"status"`
	ProcessedAt            *time.Time       `json:"processed_at,omitempty"`
	FinancialAccountID     *uuid.UUID       `gorm:"type:uuid" json:"financial_account_id,omitempty"`
	Details                datatypes.JSON   `json:"details,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}
