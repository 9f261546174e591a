package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/ledger"
)

// ReprocessResult aggregates one ReprocessAll call.
type ReprocessResult struct {
	Reversed            int              `json:"reversed"`
	ResetRejected       int64            `json:"reset_rejected"`
	TransactionsApplied int              `json:"transactions_applied"`
	AccountsDiscovered  int              `json:"accounts_discovered"`
	Errors              []SyncError      `json:"errors"`
	Issues              []Issue          `json:"issues"`
	Warnings            []ledger.Warning `json:"warnings"`
}

// ReprocessAll re-runs resolution and application over stored
// transactions without fetching mail. Every processed transaction is
// reversed first and re-applied to the account it was on, so repeated
// calls never compound balances. Pending rows are resolved from scratch.
func (s *ReconciliationService) ReprocessAll(ctx context.Context, userID string, includeRejected bool) (*ReprocessResult, error) {
	integrations, err := s.integrations.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ReprocessResult{Errors: []SyncError{}, Issues: []Issue{}, Warnings: []ledger.Warning{}}
	if len(integrations) == 0 {
		result.Errors = append(result.Errors, SyncError{
			Code:    CodeNoConnectedAccounts,
			Message: "no connected mail accounts",
		})
		return result, nil
	}

	for i := range integrations {
		in := &integrations[i]
		if err := s.reprocessIntegration(ctx, in, includeRejected, result); err != nil {
			id := in.ID
			result.Errors = append(result.Errors, SyncError{
				IntegrationID: &id,
				Provider:      in.Provider,
				Email:         in.Email,
				Code:          CodeFailed,
				Message:       err.Error(),
			})
			ev := s.log.Warn()
			if errors.Is(err, ledger.ErrLedgerInvariant) {
				ev = s.log.Error()
			}
			ev.Err(err).Str("integration_id", in.ID.String()).Msg("reprocess failed")
		}
	}

	s.log.Info().
		Str("user_id", userID).
		Bool("include_rejected", includeRejected).
		Int("reversed", result.Reversed).
		Int("applied", result.TransactionsApplied).
		Int("errors", len(result.Errors)).
		Msg("reprocess finished")
	return result, nil
}

func (s *ReconciliationService) reprocessIntegration(ctx context.Context, in *models.MailIntegration, includeRejected bool, result *ReprocessResult) error {
	mu := s.lock(in.ID)
	mu.Lock()
	defer mu.Unlock()

	if includeRejected {
		n, err := s.parsed.ResetRejected(ctx, in.ID)
		if err != nil {
			return fmt.Errorf("reset rejected transactions: %w", err)
		}
		result.ResetRejected += n
		if err := s.discovered.ResetRejected(ctx, in.ID); err != nil {
			return fmt.Errorf("reset rejected discoveries: %w", err)
		}
	}

	// Only rows pending now lose their resolution. Rows reversed below
	// become pending with their account link intact.
	if err := s.discovered.ResetPending(ctx, in.ID); err != nil {
		return fmt.Errorf("reset discoveries: %w", err)
	}
	if err := s.parsed.ClearResolution(ctx, in.ID); err != nil {
		return fmt.Errorf("clear resolution: %w", err)
	}

	processed, err := s.parsed.ListByStatus(ctx, in.ID, models.TxStatusProcessed)
	if err != nil {
		return err
	}
	for i := len(processed) - 1; i >= 0; i-- {
		pt := &processed[i]
		if pt.LedgerEntryID == nil {
			return fmt.Errorf("%w: processed transaction %s has no ledger entry", ledger.ErrLedgerInvariant, pt.ID)
		}
		if _, err := s.ledger.Reverse(ctx, *pt.LedgerEntryID); err != nil {
			return fmt.Errorf("reverse transaction %s: %w", pt.ID, err)
		}
		result.Reversed++
	}

	p, err := s.processPending(ctx, in.UserID, in.ID)
	result.TransactionsApplied += p.applied
	result.AccountsDiscovered += p.discovered
	result.Issues = append(result.Issues, p.issues...)
	result.Warnings = append(result.Warnings, p.warnings...)
	return err
}

// ResetWatermark makes the next sync scan the whole lookback window again.
// Stored transactions are untouched; re-fetched mail is deduplicated on
// insert.
func (s *ReconciliationService) ResetWatermark(ctx context.Context, integrationID uuid.UUID) error {
	if _, err := s.integrations.GetByID(ctx, integrationID); err != nil {
		return err
	}
	if err := s.integrations.ResetWatermark(ctx, integrationID); err != nil {
		return err
	}
	s.log.Info().Str("integration_id", integrationID.String()).Msg("watermark reset")
	return nil
}

// ResetWatermarkForUser is ResetWatermark with an ownership check.
func (s *ReconciliationService) ResetWatermarkForUser(ctx context.Context, userID string, integrationID uuid.UUID) error {
	if _, err := s.integrations.GetForUser(ctx, userID, integrationID); err != nil {
		return err
	}
	return s.ResetWatermark(ctx, integrationID)
}
