package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AccountTypeBank       = "bank"
	AccountTypeCash       = "cash"
	AccountTypeWallet     = "wallet"
	AccountTypeInvestment = "investment"
	AccountTypeCreditCard = "credit_card"
	AccountTypeLoan       = "loan"
)

// IsCreditType reports whether the balance of accounts of type t is
// outstanding debt.
func IsCreditType(t string) bool {
	return t == AccountTypeCreditCard || t == AccountTypeLoan
}

// ValidAccountType reports whether t is a known account type.
func ValidAccountType(t string) bool {
	switch t {
	case AccountTypeBank, AccountTypeCash, AccountTypeWallet, AccountTypeInvestment,
		AccountTypeCreditCard, AccountTypeLoan:
		return true
	}
	return false
}

// FinancialAccount is only mutated through the ledger. Version is bumped on
// every balance write and used as a compare-and-swap guard.
type FinancialAccount struct {
	ID           uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string               `gorm:"index" json:"user_id"`
	Type         string               `gorm:"index" json:"type"`
	DisplayName  string               `json:"display_name"`
	Currency     string               `json:"currency"`
	Balance      decimal.Decimal      `gorm:"type:numeric(18,2)" json:"balance"`
	Version      int64                `json:"version"`
	Fingerprints []AccountFingerprint `gorm:"foreignKey:AccountID" json:"fingerprints,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// AccountFingerprint is one normalized "institution + last 4" pattern that
// identifies an account in mail.
type AccountFingerprint struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_fingerprint_account_value" json:"account_id"`
	UserID     string    `gorm:"index" json:"user_id"`
	Raw        string    `json:"raw"`
	Normalized string    `gorm:"uniqueIndex:idx_fingerprint_account_value;index" json:"normalized"`
	CreatedAt  time.Time `json:"created_at"`
}
