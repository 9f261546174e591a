// Package matching resolves account fingerprints found in mail to a user's
// financial accounts, staging unknown ones as discovered accounts.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
)

var (
	// ErrAmbiguousFingerprint means more than one account claims the
	// fingerprint; the user has to fix their account setup.
	ErrAmbiguousFingerprint = errors.New("fingerprint matches more than one account")
	// ErrInvalidTransition is returned when a discovery is not pending.
	ErrInvalidTransition = errors.New("discovered account is not pending")
)

const (
	reviewConfidence      = 0.8
	institutionSimilarity = 0.8
	suggestionDistance    = 2
)

// Resolution is the outcome of resolving one parsed transaction.
// Exactly one of AccountID or Discovery is set.
type Resolution struct {
	AccountID    *uuid.UUID
	Discovery    *models.DiscoveredAccount
	NewDiscovery bool
	// Rejected is set when the fingerprint belongs to a discovery the user
	// rejected and nothing about it changed since.
	Rejected bool
}

type Resolver struct {
	db         *gorm.DB
	accounts   *repository.AccountRepository
	discovered *repository.DiscoveredAccountRepository
	parsed     *repository.ParsedTransactionRepository
	log        zerolog.Logger
}

func NewResolver(
	db *gorm.DB,
	accounts *repository.AccountRepository,
	discovered *repository.DiscoveredAccountRepository,
	parsed *repository.ParsedTransactionRepository,
	log zerolog.Logger,
) *Resolver {
	return &Resolver{
		db:         db,
		accounts:   accounts,
		discovered: discovered,
		parsed:     parsed,
		log:        log.With().Str("component", "resolver").Logger(),
	}
}

// Match returns the id of the single account carrying the normalized
// fingerprint, nil when none does.
func (r *Resolver) Match(ctx context.Context, userID, normalized string) (*uuid.UUID, error) {
	accts, err := r.accounts.FindByFingerprint(ctx, userID, normalized)
	if err != nil {
		return nil, err
	}
	switch len(accts) {
	case 0:
		return nil, nil
	case 1:
		id := accts[0].ID
		return &id, nil
	default:
		return nil, fmt.Errorf("%w: %q claimed by %d accounts", ErrAmbiguousFingerprint, normalized, len(accts))
	}
}

// Resolve maps a parsed transaction to an account or stages its
// fingerprint as a discovered account. Each transaction counts as one
// sighting no matter how often it is resolved.
func (r *Resolver) Resolve(ctx context.Context, userID string, pt *models.ParsedTransaction) (*Resolution, error) {
	if pt.NormalizedFingerprint == "" {
		pt.NormalizedFingerprint = Normalize(pt.Fingerprint)
	}

	id, err := r.Match(ctx, userID, pt.NormalizedFingerprint)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return &Resolution{AccountID: id}, nil
	}
	return r.stage(ctx, userID, pt)
}

func (r *Resolver) stage(ctx context.Context, userID string, pt *models.ParsedTransaction) (*Resolution, error) {
	var res *Resolution
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		discovered := r.discovered.WithTx(tx)
		parsed := r.parsed.WithTx(tx)

		d, err := discovered.GetByKey(ctx, pt.MailIntegrationID, pt.NormalizedFingerprint)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			d = r.newDiscovery(pt)
			d.Details = models.MarshalDetails(r.details(ctx, tx, userID, pt))
			if err := discovered.Create(ctx, d); err != nil {
				return err
			}
			res = &Resolution{Discovery: d, NewDiscovery: true}
		case err != nil:
			return err
		default:
			res, err = r.sight(ctx, discovered, d, pt)
			if err != nil {
				return err
			}
		}

		if res.AccountID != nil || res.Rejected {
			return nil
		}
		pt.DiscoveredAccountID = &res.Discovery.ID
		return parsed.Save(ctx, pt)
	})
	if err != nil {
		return nil, err
	}
	if res.NewDiscovery {
		r.log.Info().
			Str("user_id", userID).
			Str("fingerprint", pt.NormalizedFingerprint).
			Str("discovery_id", res.Discovery.ID.String()).
			Msg("staged discovered account")
	}
	return res, nil
}

func (r *Resolver) newDiscovery(pt *models.ParsedTransaction) *models.DiscoveredAccount {
	d := &models.DiscoveredAccount{
		ID:                    uuid.New(),
		MailIntegrationID:     pt.MailIntegrationID,
		NormalizedFingerprint: pt.NormalizedFingerprint,
		Fingerprint:           pt.Fingerprint,
		Institution:           pt.Institution,
		InferredType:          inferredType(pt),
		PartialNumber:         pt.AccountLast4,
		Status:                models.DiscoveryPending,
	}
	count(d, pt)
	return d
}

// sight records another transaction against an existing discovery.
func (r *Resolver) sight(ctx context.Context, discovered *repository.DiscoveredAccountRepository, d *models.DiscoveredAccount, pt *models.ParsedTransaction) (*Resolution, error) {
	switch d.Status {
	case models.DiscoveryApproved:
		if d.FinancialAccountID != nil {
			return &Resolution{AccountID: d.FinancialAccountID}, nil
		}
		return nil, fmt.Errorf("approved discovery %s has no account", d.ID)

	case models.DiscoveryRejected:
		if !materiallyDifferent(d, pt) {
			return &Resolution{Discovery: d, Rejected: true}, nil
		}
		d.Status = models.DiscoveryPending
		d.ProcessedAt = nil
		d.Sightings = 0
		d.StagedDelta = decimal.Zero
		d.Confidence = 0
		d.Institution = pt.Institution
		d.InferredType = inferredType(pt)
		d.Fingerprint = pt.Fingerprint
		count(d, pt)
		r.log.Info().Str("discovery_id", d.ID.String()).Msg("rejected discovery reappeared with different details")

	default:
		if pt.DiscoveredAccountID == nil || *pt.DiscoveredAccountID != d.ID {
			count(d, pt)
		}
	}

	if err := discovered.Save(ctx, d); err != nil {
		return nil, err
	}
	return &Resolution{Discovery: d}, nil
}

// count folds one sighting into the discovery's bookkeeping.
func count(d *models.DiscoveredAccount, pt *models.ParsedTransaction) {
	d.Sightings++
	d.StagedDelta = d.StagedDelta.Add(models.SignedDelta(d.InferredType, pt.Direction, pt.Amount))
	if pt.Confidence > d.Confidence {
		d.Confidence = pt.Confidence
	}
	d.NeedsReview = d.Confidence < reviewConfidence
	if pt.OccurredAt.After(d.LastSeenAt) || d.LastSeenAt.IsZero() {
		d.LastSeenAt = pt.OccurredAt
		if pt.StatedBalance != nil {
			bal := *pt.StatedBalance
			d.StatedBalance = &bal
		}
	}
	d.InferredOpeningBalance = openingBalance(d)
}

// openingBalance is the balance before the staged transactions: the latest
// stated balance minus everything staged, or zero when mail never stated one.
func openingBalance(d *models.DiscoveredAccount) decimal.Decimal {
	if d.StatedBalance == nil {
		return decimal.Zero
	}
	return d.StatedBalance.Sub(d.StagedDelta)
}

// stagedDelta sums the staged rows with acctType's polarity.
func stagedDelta(acctType string, rows []models.ParsedTransaction) decimal.Decimal {
	delta := decimal.Zero
	for i := range rows {
		delta = delta.Add(models.SignedDelta(acctType, rows[i].Direction, rows[i].Amount))
	}
	return delta
}

// SaveStaged stores a corrected transaction. When it is staged on a
// pending discovery, the discovery's staged delta and inferred opening
// balance are recomputed in the same database transaction.
func (r *Resolver) SaveStaged(ctx context.Context, pt *models.ParsedTransaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.parsed.WithTx(tx).Save(ctx, pt); err != nil {
			return err
		}
		if pt.DiscoveredAccountID == nil {
			return nil
		}
		return r.restage(ctx, tx, *pt.DiscoveredAccountID)
	})
}

// Restage recomputes a pending discovery from the rows still staged on it.
func (r *Resolver) Restage(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.restage(ctx, tx, id)
	})
}

func (r *Resolver) restage(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	discovered := r.discovered.WithTx(tx)
	d, err := discovered.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != models.DiscoveryPending {
		return nil
	}
	staged, err := r.parsed.WithTx(tx).ListByDiscovery(ctx, d.ID, models.TxStatusPending)
	if err != nil {
		return err
	}
	d.StagedDelta = stagedDelta(d.InferredType, staged)
	d.InferredOpeningBalance = openingBalance(d)
	return discovered.Save(ctx, d)
}

func inferredType(pt *models.ParsedTransaction) string {
	if models.ValidAccountType(pt.AccountTypeHint) {
		return pt.AccountTypeHint
	}
	return models.AccountTypeBank
}

func materiallyDifferent(d *models.DiscoveredAccount, pt *models.ParsedTransaction) bool {
	if inferredType(pt) != d.InferredType {
		return true
	}
	if pt.StatedBalance != nil && d.StatedBalance != nil && !pt.StatedBalance.Equal(*d.StatedBalance) {
		return true
	}
	return Similarity(d.Institution, pt.Institution) < institutionSimilarity
}

// details records the extraction context and near-miss accounts the user
// may have meant.
func (r *Resolver) details(ctx context.Context, tx *gorm.DB, userID string, pt *models.ParsedTransaction) map[string]interface{} {
	details := map[string]interface{}{
		"first_rule":        pt.RuleName,
		"first_message_id":  pt.SourceMessageID,
		"first_description": pt.Description,
	}
	fps, err := r.accounts.WithTx(tx).ListFingerprints(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Msg("list fingerprints for suggestions")
		return details
	}
	var suggestions []string
	for _, fp := range fps {
		if levenshtein.ComputeDistance(fp.Normalized, pt.NormalizedFingerprint) <= suggestionDistance {
			suggestions = append(suggestions, fp.AccountID.String())
		}
	}
	if len(suggestions) > 0 {
		details["suggested_account_ids"] = suggestions
	}
	return details
}

// ApproveInput overrides what was inferred from mail.
type ApproveInput struct {
	Type           string
	DisplayName    string
	Currency       string
	OpeningBalance *decimal.Decimal
}

// Approve materializes a pending discovery as a financial account carrying
// its fingerprint and links the staged pending transactions to it. The
// caller applies those transactions through the ledger.
func (r *Resolver) Approve(ctx context.Context, userID string, id uuid.UUID, in ApproveInput) (*models.FinancialAccount, []models.ParsedTransaction, error) {
	var (
		acct   *models.FinancialAccount
		staged []models.ParsedTransaction
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		discovered := r.discovered.WithTx(tx)
		parsed := r.parsed.WithTx(tx)

		d, err := discovered.GetForUser(ctx, userID, id)
		if err != nil {
			return err
		}
		if d.Status != models.DiscoveryPending {
			return ErrInvalidTransition
		}

		acctType := d.InferredType
		if in.Type != "" {
			if !models.ValidAccountType(in.Type) {
				return fmt.Errorf("invalid account type %q", in.Type)
			}
			acctType = in.Type
		}
		name := in.DisplayName
		if name == "" {
			name = d.Fingerprint
		}
		staged, err = parsed.ListByDiscovery(ctx, d.ID, models.TxStatusPending)
		if err != nil {
			return err
		}
		// The stored opening balance assumed the inferred type's polarity.
		opening := decimal.Zero
		if d.StatedBalance != nil {
			opening = d.StatedBalance.Sub(stagedDelta(acctType, staged))
		}
		if in.OpeningBalance != nil {
			opening = *in.OpeningBalance
		}

		acct = &models.FinancialAccount{
			ID:          uuid.New(),
			UserID:      userID,
			Type:        acctType,
			DisplayName: name,
			Currency:    in.Currency,
			Balance:     opening,
			Fingerprints: []models.AccountFingerprint{{
				Raw:        d.Fingerprint,
				Normalized: d.NormalizedFingerprint,
			}},
		}
		if err := r.accounts.WithTx(tx).Create(ctx, acct); err != nil {
			return err
		}

		now := time.Now().UTC()
		d.Status = models.DiscoveryApproved
		d.ProcessedAt = &now
		d.FinancialAccountID = &acct.ID
		if err := discovered.Save(ctx, d); err != nil {
			return err
		}

		for i := range staged {
			staged[i].FinancialAccountID = &acct.ID
			if err := parsed.Save(ctx, &staged[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	r.log.Info().Str("user_id", userID).Str("account_id", acct.ID.String()).Int("staged", len(staged)).Msg("approved discovered account")
	return acct, staged, nil
}

// Reject closes a pending discovery. Transactions staged on it are
// rejected too; they never touch a balance.
func (r *Resolver) Reject(ctx context.Context, userID string, id uuid.UUID) (*models.DiscoveredAccount, error) {
	var d *models.DiscoveredAccount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		discovered := r.discovered.WithTx(tx)
		parsed := r.parsed.WithTx(tx)

		var err error
		d, err = discovered.GetForUser(ctx, userID, id)
		if err != nil {
			return err
		}
		if d.Status != models.DiscoveryPending {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		d.Status = models.DiscoveryRejected
		d.ProcessedAt = &now
		if err := discovered.Save(ctx, d); err != nil {
			return err
		}

		staged, err := parsed.ListByDiscovery(ctx, d.ID, models.TxStatusPending)
		if err != nil {
			return err
		}
		for i := range staged {
			staged[i].Status = models.TxStatusRejected
			staged[i].ProcessedAt = &now
			staged[i].Note = "account rejected"
			if err := parsed.Save(ctx, &staged[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
