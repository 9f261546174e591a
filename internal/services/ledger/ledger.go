// Package ledger applies parsed transactions to account balances exactly
// once and keeps an audit row for every balance mutation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/matching"
)

var (
	// ErrLedgerInvariant flags a programming error such as reversing an
	// entry that does not exist or is no longer active.
	ErrLedgerInvariant = errors.New("ledger invariant violated")
	// ErrInvalidTransition is returned for status changes the parsed
	// transaction state machine does not allow.
	ErrInvalidTransition = errors.New("invalid parsed transaction transition")
	// ErrAwaitingDiscovery means the fingerprint was staged for approval.
	ErrAwaitingDiscovery = errors.New("account awaiting discovery approval")
	// ErrAccountRejected means the fingerprint belongs to a rejected discovery.
	ErrAccountRejected = errors.New("account was rejected")
	// ErrInvalidAmount is returned for non-positive amounts or unknown directions.
	ErrInvalidAmount = errors.New("amount must be positive and direction credit or debit")

	errConcurrentUpdate = errors.New("account balance changed concurrently")
)

// Warning is an advisory signal: the ledger records the mutation anyway.
type Warning struct {
	AccountID uuid.UUID       `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Floor     decimal.Decimal `json:"floor"`
	Message   string          `json:"message"`
}

// Result describes one ledger operation.
type Result struct {
	EntryID        uuid.UUID       `json:"entry_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Balance        decimal.Decimal `json:"balance"`
	AlreadyApplied bool            `json:"already_applied,omitempty"`
	Warning        *Warning        `json:"warning,omitempty"`
}

// Resolver finds the account a parsed transaction belongs to.
type Resolver interface {
	Resolve(ctx context.Context, userID string, pt *models.ParsedTransaction) (*matching.Resolution, error)
}

type Ledger struct {
	db       *gorm.DB
	accounts *repository.AccountRepository
	parsed   *repository.ParsedTransactionRepository
	entries  *repository.LedgerRepository
	resolver Resolver
	floor    decimal.Decimal
	log      zerolog.Logger
}

func New(
	db *gorm.DB,
	accounts *repository.AccountRepository,
	parsed *repository.ParsedTransactionRepository,
	entries *repository.LedgerRepository,
	resolver Resolver,
	floor decimal.Decimal,
	log zerolog.Logger,
) *Ledger {
	return &Ledger{
		db:       db,
		accounts: accounts,
		parsed:   parsed,
		entries:  entries,
		resolver: resolver,
		floor:    floor,
		log:      log.With().Str("component", "ledger").Logger(),
	}
}

// Apply resolves the target account and applies the transaction. A
// transaction that is already processed is returned as is.
func (l *Ledger) Apply(ctx context.Context, userID string, parsedID uuid.UUID) (*Result, error) {
	pt, err := l.parsed.GetByID(ctx, parsedID)
	if err != nil {
		return nil, err
	}
	switch pt.Status {
	case models.TxStatusProcessed:
		return l.existing(ctx, pt)
	case models.TxStatusRejected:
		return nil, ErrInvalidTransition
	}

	accountID := pt.FinancialAccountID
	if accountID == nil {
		res, err := l.resolver.Resolve(ctx, userID, pt)
		if err != nil {
			return nil, err
		}
		switch {
		case res.Rejected:
			return nil, ErrAccountRejected
		case res.AccountID == nil:
			return nil, ErrAwaitingDiscovery
		}
		accountID = res.AccountID
	}
	return l.ApplyTo(ctx, parsedID, *accountID)
}

// ApplyTo applies a pending transaction to a known account. The balance
// write, the audit row and the status change commit together.
func (l *Ledger) ApplyTo(ctx context.Context, parsedID, accountID uuid.UUID) (*Result, error) {
	var result *Result
	err := l.withRetry(ctx, func(tx *gorm.DB) error {
		pt, err := l.parsed.WithTx(tx).GetForUpdate(ctx, parsedID)
		if err != nil {
			return err
		}
		switch pt.Status {
		case models.TxStatusProcessed:
			if pt.LedgerEntryID == nil || pt.FinancialAccountID == nil {
				return fmt.Errorf("%w: processed transaction %s has no ledger link", ErrLedgerInvariant, pt.ID)
			}
			result = &Result{EntryID: *pt.LedgerEntryID, AccountID: *pt.FinancialAccountID, AlreadyApplied: true}
			acct, err := l.accounts.WithTx(tx).GetByID(ctx, *pt.FinancialAccountID)
			if err == nil {
				result.Balance = acct.Balance
			}
			return nil
		case models.TxStatusRejected:
			return ErrInvalidTransition
		}

		acct, err := l.lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := checkOwner(ctx, tx, pt, acct); err != nil {
			return err
		}

		delta := models.SignedDelta(acct.Type, pt.Direction, pt.Amount)
		entry := &models.LedgerEntry{
			AccountID:           acct.ID,
			ParsedTransactionID: &pt.ID,
			Kind:                models.LedgerKindApply,
			Amount:              pt.Amount,
			Direction:           pt.Direction,
			SignedDelta:         delta,
			NetDelta:            delta,
			Details: models.MarshalDetails(map[string]interface{}{
				"fingerprint":       pt.Fingerprint,
				"source_message_id": pt.SourceMessageID,
			}),
		}
		if err := l.mutate(ctx, tx, acct, entry); err != nil {
			return err
		}
		if err := l.parsed.WithTx(tx).MarkProcessed(ctx, pt, acct.ID, entry.ID, entry.CreatedAt); err != nil {
			return err
		}
		result = l.result(acct, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reverse undoes an active entry and moves its parsed transaction back to
// pending.
func (l *Ledger) Reverse(ctx context.Context, entryID uuid.UUID) (*Result, error) {
	var result *Result
	err := l.withRetry(ctx, func(tx *gorm.DB) error {
		orig, err := l.lockEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		acct, err := l.lockAccount(ctx, tx, orig.AccountID)
		if err != nil {
			return err
		}

		delta := orig.SignedDelta.Neg()
		entry := &models.LedgerEntry{
			AccountID:           acct.ID,
			ParsedTransactionID: orig.ParsedTransactionID,
			Kind:                models.LedgerKindReverse,
			Amount:              orig.Amount,
			Direction:           orig.Direction,
			SignedDelta:         delta,
			NetDelta:            delta,
			RelatedEntryID:      &orig.ID,
		}
		if err := l.mutate(ctx, tx, acct, entry); err != nil {
			return err
		}
		orig.ReversedAt = &entry.CreatedAt
		if err := l.entries.WithTx(tx).Save(ctx, orig); err != nil {
			return err
		}

		if orig.ParsedTransactionID != nil {
			pt, err := l.parsed.WithTx(tx).GetForUpdate(ctx, *orig.ParsedTransactionID)
			if err != nil {
				return err
			}
			if pt.LedgerEntryID != nil && *pt.LedgerEntryID == orig.ID {
				pt.Status = models.TxStatusPending
				pt.ProcessedAt = nil
				pt.LedgerEntryID = nil
				if err := l.parsed.WithTx(tx).Save(ctx, pt); err != nil {
					return err
				}
			}
		}
		result = l.result(acct, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyUpdate replaces an active entry's amount and direction, moving the
// balance by the net difference only.
func (l *Ledger) ApplyUpdate(ctx context.Context, entryID uuid.UUID, amount decimal.Decimal, direction string) (*Result, error) {
	if !amount.IsPositive() || !models.ValidDirection(direction) {
		return nil, ErrInvalidAmount
	}

	var result *Result
	err := l.withRetry(ctx, func(tx *gorm.DB) error {
		orig, err := l.lockEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		acct, err := l.lockAccount(ctx, tx, orig.AccountID)
		if err != nil {
			return err
		}

		delta := models.SignedDelta(acct.Type, direction, amount)
		entry := &models.LedgerEntry{
			AccountID:           acct.ID,
			ParsedTransactionID: orig.ParsedTransactionID,
			Kind:                models.LedgerKindUpdate,
			Amount:              amount,
			Direction:           direction,
			SignedDelta:         delta,
			NetDelta:            delta.Sub(orig.SignedDelta),
			RelatedEntryID:      &orig.ID,
			Details: models.MarshalDetails(map[string]interface{}{
				"previous_amount":    orig.Amount.String(),
				"previous_direction": orig.Direction,
			}),
		}
		if err := l.mutate(ctx, tx, acct, entry); err != nil {
			return err
		}
		orig.SupersededAt = &entry.CreatedAt
		if err := l.entries.WithTx(tx).Save(ctx, orig); err != nil {
			return err
		}

		if orig.ParsedTransactionID != nil {
			pt, err := l.parsed.WithTx(tx).GetForUpdate(ctx, *orig.ParsedTransactionID)
			if err != nil {
				return err
			}
			pt.Amount = amount
			pt.Direction = direction
			pt.LedgerEntryID = &entry.ID
			if err := l.parsed.WithTx(tx).Save(ctx, pt); err != nil {
				return err
			}
		}
		result = l.result(acct, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reject closes a pending transaction without touching any balance.
func (l *Ledger) Reject(ctx context.Context, parsedID uuid.UUID, note string) (*models.ParsedTransaction, error) {
	var pt *models.ParsedTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pt, err = l.parsed.WithTx(tx).GetForUpdate(ctx, parsedID)
		if err != nil {
			return err
		}
		switch pt.Status {
		case models.TxStatusRejected:
			return nil
		case models.TxStatusProcessed:
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		pt.Status = models.TxStatusRejected
		pt.ProcessedAt = &now
		pt.Note = note
		return l.parsed.WithTx(tx).Save(ctx, pt)
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// History lists an account's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	return l.entries.ListByAccount(ctx, accountID, limit)
}

func (l *Ledger) existing(ctx context.Context, pt *models.ParsedTransaction) (*Result, error) {
	if pt.LedgerEntryID == nil || pt.FinancialAccountID == nil {
		return nil, fmt.Errorf("%w: processed transaction %s has no ledger link", ErrLedgerInvariant, pt.ID)
	}
	acct, err := l.accounts.GetByID(ctx, *pt.FinancialAccountID)
	if err != nil {
		return nil, err
	}
	return &Result{EntryID: *pt.LedgerEntryID, AccountID: acct.ID, Balance: acct.Balance, AlreadyApplied: true}, nil
}

func (l *Ledger) lockEntry(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.LedgerEntry, error) {
	e, err := l.entries.WithTx(tx).GetForUpdate(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: ledger entry %s does not exist", ErrLedgerInvariant, id)
	}
	if err != nil {
		return nil, err
	}
	if !e.Active() {
		return nil, fmt.Errorf("%w: ledger entry %s is not active", ErrLedgerInvariant, id)
	}
	return e, nil
}

func (l *Ledger) lockAccount(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.FinancialAccount, error) {
	acct, err := l.accounts.WithTx(tx).GetForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return acct, nil
}

// mutate moves acct's balance by entry.NetDelta with a version check and
// stores the audit row.
func (l *Ledger) mutate(ctx context.Context, tx *gorm.DB, acct *models.FinancialAccount, entry *models.LedgerEntry) error {
	before := acct.Balance
	after := before.Add(entry.NetDelta)

	ok, err := l.accounts.WithTx(tx).CompareAndSetBalance(ctx, acct.ID, acct.Version, after)
	if err != nil {
		return err
	}
	if !ok {
		return errConcurrentUpdate
	}
	acct.Balance = after
	acct.Version++

	entry.ID = uuid.New()
	entry.BalanceBefore = before
	entry.BalanceAfter = after
	entry.CreatedAt = time.Now().UTC()
	return l.entries.WithTx(tx).Create(ctx, entry)
}

func (l *Ledger) result(acct *models.FinancialAccount, entry *models.LedgerEntry) *Result {
	res := &Result{EntryID: entry.ID, AccountID: acct.ID, Balance: acct.Balance}
	if !models.IsCreditType(acct.Type) && acct.Balance.LessThan(l.floor) {
		res.Warning = &Warning{
			AccountID: acct.ID,
			Balance:   acct.Balance,
			Floor:     l.floor,
			Message:   fmt.Sprintf("balance of %s is below %s", acct.DisplayName, l.floor),
		}
		l.log.Warn().
			Str("account_id", acct.ID.String()).
			Str("balance", acct.Balance.String()).
			Str("floor", l.floor.String()).
			Msg("balance below floor")
	}
	return res
}

// withRetry runs fn in a transaction, retrying when a compare-and-swap on
// an account balance loses a race.
func (l *Ledger) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		err := l.db.WithContext(ctx).Transaction(fn)
		if err == nil || errors.Is(err, errConcurrentUpdate) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func checkOwner(ctx context.Context, tx *gorm.DB, pt *models.ParsedTransaction, acct *models.FinancialAccount) error {
	var owner string
	err := tx.WithContext(ctx).Model(&models.MailIntegration{}).
		Where("id = ?", pt.MailIntegrationID).
		Pluck("user_id", &owner).Error
	if err != nil {
		return err
	}
	if owner != acct.UserID {
		return fmt.Errorf("%w: account %s does not belong to the transaction's owner", repository.ErrNotFound, acct.ID)
	}
	return nil
}
