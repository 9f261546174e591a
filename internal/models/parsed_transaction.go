package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

const (
	TxStatusPending   = "pending"
	TxStatusProcessed = "processed"
	TxStatusRejected  = "rejected"
)

// ParsedTransaction is one transaction-bearing email, applied or not.
// (MailIntegrationID, SourceMessageID) is the ingestion dedup key.
type ParsedTransaction struct {
	ID                    uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	MailIntegrationID     uuid.UUID        `gorm:"type:uuid;uniqueIndex:idx_parsed_integration_message;index" json:"mail_integration_id"`
	SourceMessageID       string           `gorm:"uniqueIndex:idx_parsed_integration_message" json:"source_message_id"`
	Amount                decimal.Decimal  `gorm:"type:numeric(18,2)" json:"amount"`
	Direction             string           `json:"direction"`
	Fingerprint           string           `json:"fingerprint"`
	NormalizedFingerprint string           `gorm:"index" json:"normalized_fingerprint"`
	Institution           string           `json:"institution"`
	AccountLast4          string           `json:"account_last4"`
	AccountTypeHint       string           `json:"account_type_hint"`
	StatedBalance         *decimal.Decimal `gorm:"type:numeric(18,2)" json:"stated_balance,omitempty"`
	OccurredAt            time.Time        `gorm:"index" json:"occurred_at"`
	Description           string           `json:"description"`
	Sender                string           `json:"sender"`
	Subject               string           `json:"subject"`
	RuleName              string           `json:"rule_name"`
	Confidence            float64          `json:"confidence"`
	Status                string           `gorm:"index" json:"status"`
	ProcessedAt           *time.Time       `json:"processed_at,omitempty"`
	LedgerEntryID         *uuid.UUID       `gorm:"type:uuid" json:"ledger_entry_id,omitempty"`
	FinancialAccountID    *uuid.UUID       `gorm:"type:uuid;index" json:"financial_account_id,omitempty"`
	DiscoveredAccountID   *uuid.UUID       `gorm:"type:uuid;index" json:"discovered_account_id,omitempty"`
	Note                  string           `json:"note,omitempty"`
	ExtractedFields       datatypes.JSON   `json:"extracted_fields,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// SignedDelta is the balance change this transaction causes on an account
// of the given type.
func (t *ParsedTransaction) SignedDelta(accountType string) decimal.Decimal {
	return SignedDelta(accountType, t.Direction, t.Amount)
}

// SignedDelta applies account polarity: asset accounts gain on credit,
// credit-type accounts (debt) gain on debit.
func SignedDelta(accountType, direction string, amount decimal.Decimal) decimal.Decimal {
	amount = amount.Abs()
	credit := direction == DirectionCredit
	if IsCreditType(accountType) {
		credit = !credit
	}
	if credit {
		return amount
	}
	return amount.Neg()
}

// ValidDirection reports whether d is credit or debit.
func ValidDirection(d string) bool {
	return d == DirectionCredit || d == DirectionDebit
}
