package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	LedgerKindApply   = "apply"
	LedgerKindReverse = "reverse"
	LedgerKindUpdate  = "update"
)

// LedgerEntry is the audit row for one balance mutation. An apply or update
// entry is active until it is reversed or superseded by an update.
type LedgerEntry struct {
	ID                  uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID           uuid.UUID       `gorm:"type:uuid;index" json:"account_id"`
	ParsedTransactionID *uuid.UUID      `gorm:"type:uuid;index" json:"parsed_transaction_id,omitempty"`
	Kind                string          `json:"kind"`
	Amount              decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Direction           string          `json:"direction"`
	SignedDelta         decimal.Decimal `gorm:"type:numeric(18,2)" json:"signed_delta"`
	NetDelta            decimal.Decimal `gorm:"type:numeric(18,2)" json:"net_delta"`
	BalanceBefore       decimal.Decimal `gorm:"type:numeric(18,2)" json:"balance_before"`
	BalanceAfter        decimal.Decimal `gorm:"type:numeric(18,2)" json:"balance_after"`
	RelatedEntryID      *uuid.UUID      `gorm:"type:uuid" json:"related_entry_id,omitempty"`
	ReversedAt          *time.Time      `json:"reversed_at,omitempty"`
	SupersededAt        *time.Time      `json:"superseded_at,omitempty"`
	Details             datatypes.JSON  `json:"details,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Active reports whether the entry's delta is still part of the balance.
func (e *LedgerEntry) Active() bool {
	return e.Kind != LedgerKindReverse && e.ReversedAt == nil && e.SupersededAt == nil
}

// MarshalDetails encodes v for a datatypes.JSON column. Encoding failures
// yield an empty document.
func MarshalDetails(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
