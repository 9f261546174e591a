package reconciliation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/ledger"
	"expense-reconciliation-backend/internal/services/matching"
)

// ApproveResult is the account created from a discovery and the outcome
// of applying its staged transactions.
type ApproveResult struct {
	Account  *models.FinancialAccount `json:"account"`
	Applied  []ledger.Result          `json:"applied"`
	Issues   []Issue                  `json:"issues"`
	Warnings []ledger.Warning         `json:"warnings"`
}

func (s *ReconciliationService) ListDiscovered(ctx context.Context, userID, status string) ([]models.DiscoveredAccount, error) {
	return s.discovered.ListByUser(ctx, userID, status)
}

// ApproveDiscovered materializes a discovery as an account and applies
// every transaction staged on it in occurred-at order.
func (s *ReconciliationService) ApproveDiscovered(ctx context.Context, userID string, id uuid.UUID, in matching.ApproveInput) (*ApproveResult, error) {
	if in.Type != "" && !models.ValidAccountType(in.Type) {
		return nil, fmt.Errorf("%w: unknown account type %q", ErrInvalidInput, in.Type)
	}
	if in.Currency == "" {
		in.Currency = s.ledgerCfg.DefaultCurrency
	}
	acct, staged, err := s.resolver.Approve(ctx, userID, id, in)
	if err != nil {
		return nil, err
	}

	result := &ApproveResult{Account: acct, Applied: []ledger.Result{}, Issues: []Issue{}, Warnings: []ledger.Warning{}}
	for _, pt := range staged {
		res, err := s.ledger.ApplyTo(ctx, pt.ID, acct.ID)
		if err != nil {
			result.Issues = append(result.Issues, Issue{ParsedTransactionID: pt.ID, Fingerprint: pt.Fingerprint, Message: err.Error()})
			continue
		}
		result.Applied = append(result.Applied, *res)
		if res.Warning != nil {
			result.Warnings = append(result.Warnings, *res.Warning)
		}
	}

	if fresh, err := s.accounts.GetByID(ctx, acct.ID); err == nil {
		result.Account = fresh
	}
	return result, nil
}

func (s *ReconciliationService) RejectDiscovered(ctx context.Context, userID string, id uuid.UUID) (*models.DiscoveredAccount, error) {
	return s.resolver.Reject(ctx, userID, id)
}

// ImportReportAccounts stages the accounts of a credit-bureau report as
// discoveries. They are filed under integrationID when given, otherwise
// under the user's first connected mailbox.
func (s *ReconciliationService) ImportReportAccounts(ctx context.Context, userID string, integrationID *uuid.UUID, accounts []matching.ReportAccount) (*matching.ImportResult, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: no accounts to import", ErrInvalidInput)
	}
	if integrationID != nil {
		if _, err := s.integrations.GetForUser(ctx, userID, *integrationID); err != nil {
			return nil, err
		}
		return s.resolver.ImportReportAccounts(ctx, userID, *integrationID, accounts)
	}

	integrations, err := s.integrations.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range integrations {
		if integrations[i].Status == models.IntegrationConnected {
			return s.resolver.ImportReportAccounts(ctx, userID, integrations[i].ID, accounts)
		}
	}
	if len(integrations) > 0 {
		return s.resolver.ImportReportAccounts(ctx, userID, integrations[0].ID, accounts)
	}
	return nil, fmt.Errorf("%w: connect a mailbox before importing a report", ErrInvalidInput)
}

// TransactionPage is one page of a cursor-paginated listing.
type TransactionPage struct {
	Items      []models.ParsedTransaction `json:"items"`
	NextCursor string                     `json:"next_cursor"`
	HasMore    bool                       `json:"has_more"`
}

func (s *ReconciliationService) ListTransactions(ctx context.Context, userID string, f repository.ListFilter) (*TransactionPage, error) {
	items, next, hasMore, err := s.parsed.List(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.ParsedTransaction{}
	}
	return &TransactionPage{Items: items, NextCursor: next, HasMore: hasMore}, nil
}

func (s *ReconciliationService) GetTransaction(ctx context.Context, userID string, id uuid.UUID) (*models.ParsedTransaction, error) {
	return s.parsed.GetForUser(ctx, userID, id)
}

// ApplyTransaction applies a pending transaction regardless of its
// confidence, to accountID when given or to the resolved account.
func (s *ReconciliationService) ApplyTransaction(ctx context.Context, userID string, id uuid.UUID, accountID *uuid.UUID) (*ledger.Result, error) {
	if _, err := s.parsed.GetForUser(ctx, userID, id); err != nil {
		return nil, err
	}
	if accountID != nil {
		return s.ledger.ApplyTo(ctx, id, *accountID)
	}
	return s.ledger.Apply(ctx, userID, id)
}

// RejectTransaction marks a transaction as not a real transaction. A
// processed one is reversed first.
func (s *ReconciliationService) RejectTransaction(ctx context.Context, userID string, id uuid.UUID, note string) (*models.ParsedTransaction, error) {
	pt, err := s.parsed.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if note == "" {
		note = "rejected by user"
	}
	if pt.Status == models.TxStatusProcessed {
		if pt.LedgerEntryID == nil {
			return nil, fmt.Errorf("%w: processed transaction %s has no ledger entry", ledger.ErrLedgerInvariant, pt.ID)
		}
		if _, err := s.ledger.Reverse(ctx, *pt.LedgerEntryID); err != nil {
			return nil, err
		}
	}
	rejected, err := s.ledger.Reject(ctx, id, note)
	if err != nil {
		return nil, err
	}
	if pt.DiscoveredAccountID != nil {
		if err := s.resolver.Restage(ctx, *pt.DiscoveredAccountID); err != nil {
			return nil, err
		}
	}
	return rejected, nil
}

// TransactionUpdate is a user correction of what the parser extracted.
type TransactionUpdate struct {
	Amount    decimal.Decimal
	Direction string
}

// UpdateTransaction corrects amount and direction. A processed transaction
// moves its account by the net difference only.
func (s *ReconciliationService) UpdateTransaction(ctx context.Context, userID string, id uuid.UUID, in TransactionUpdate) (*models.ParsedTransaction, *ledger.Result, error) {
	in.Direction = strings.ToLower(strings.TrimSpace(in.Direction))
	if !in.Amount.IsPositive() || !models.ValidDirection(in.Direction) {
		return nil, nil, ledger.ErrInvalidAmount
	}

	pt, err := s.parsed.GetForUser(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}

	switch pt.Status {
	case models.TxStatusProcessed:
		if pt.LedgerEntryID == nil {
			return nil, nil, fmt.Errorf("%w: processed transaction %s has no ledger entry", ledger.ErrLedgerInvariant, pt.ID)
		}
		res, err := s.ledger.ApplyUpdate(ctx, *pt.LedgerEntryID, in.Amount, in.Direction)
		if err != nil {
			return nil, nil, err
		}
		pt, err = s.parsed.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return pt, res, nil
	case models.TxStatusRejected:
		return nil, nil, ledger.ErrInvalidTransition
	}

	pt.Amount = in.Amount
	pt.Direction = in.Direction
	if err := s.resolver.SaveStaged(ctx, pt); err != nil {
		return nil, nil, err
	}
	return pt, nil, nil
}

// Stats aggregates a user's parsed transactions by status.
type Stats struct {
	Total       int64           `json:"total"`
	TotalAmount decimal.Decimal `json:"total_amount"`

	PendingCount int64           `json:"pending_count"`
	PendingSum   decimal.Decimal `json:"pending_sum"`

	ProcessedCount int64           `json:"processed_count"`
	ProcessedSum   decimal.Decimal `json:"processed_sum"`

	RejectedCount int64           `json:"rejected_count"`
	RejectedSum   decimal.Decimal `json:"rejected_sum"`

	PendingDiscoveries int `json:"pending_discoveries"`
}

func (s *ReconciliationService) Stats(ctx context.Context, userID string) (Stats, error) {
	var stats Stats
	rows, err := s.parsed.StatsByStatus(ctx, userID)
	if err != nil {
		return stats, err
	}

	for _, r := range rows {
		stats.Total += r.Count
		stats.TotalAmount = stats.TotalAmount.Add(r.Sum)

		switch r.Status {
		case models.TxStatusPending:
			stats.PendingCount = r.Count
			stats.PendingSum = r.Sum
		case models.TxStatusProcessed:
			stats.ProcessedCount = r.Count
			stats.ProcessedSum = r.Sum
		case models.TxStatusRejected:
			stats.RejectedCount = r.Count
			stats.RejectedSum = r.Sum
		}
	}

	pending, err := s.discovered.ListByUser(ctx, userID, models.DiscoveryPending)
	if err != nil {
		return stats, err
	}
	stats.PendingDiscoveries = len(pending)
	return stats, nil
}

func (s *ReconciliationService) ListSyncRuns(ctx context.Context, userID string, limit int) ([]models.SyncRun, error) {
	return s.runs.ListByUser(ctx, userID, limit)
}

// CreateAccountInput describes an account the user registers by hand.
type CreateAccountInput struct {
	Type           string
	DisplayName    string
	Currency       string
	OpeningBalance decimal.Decimal
	Fingerprints   []string
}

func (s *ReconciliationService) ListAccounts(ctx context.Context, userID string) ([]models.FinancialAccount, error) {
	return s.accounts.ListByUser(ctx, userID)
}

func (s *ReconciliationService) CreateAccount(ctx context.Context, userID string, in CreateAccountInput) (*models.FinancialAccount, error) {
	if !models.ValidAccountType(in.Type) {
		return nil, fmt.Errorf("%w: unknown account type %q", ErrInvalidInput, in.Type)
	}
	if strings.TrimSpace(in.DisplayName) == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	if in.Currency == "" {
		in.Currency = s.ledgerCfg.DefaultCurrency
	}

	acct := &models.FinancialAccount{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        in.Type,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Currency:    in.Currency,
		Balance:     in.OpeningBalance,
	}
	seen := make(map[string]bool)
	for _, raw := range in.Fingerprints {
		normalized := matching.Normalize(raw)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		acct.Fingerprints = append(acct.Fingerprints, models.AccountFingerprint{Raw: raw, Normalized: normalized})
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// AddFingerprint teaches the resolver another way mail names the account.
func (s *ReconciliationService) AddFingerprint(ctx context.Context, userID string, accountID uuid.UUID, raw string) (*models.FinancialAccount, error) {
	acct, err := s.accounts.GetForUser(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	normalized := matching.Normalize(raw)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty fingerprint", ErrInvalidInput)
	}
	err = s.accounts.AddFingerprint(ctx, &models.AccountFingerprint{
		AccountID:  acct.ID,
		UserID:     userID,
		Raw:        raw,
		Normalized: normalized,
	})
	if err != nil {
		return nil, err
	}
	return s.accounts.GetByID(ctx, acct.ID)
}

// AccountHistory lists the ledger entries of one of the user's accounts.
func (s *ReconciliationService) AccountHistory(ctx context.Context, userID string, accountID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.accounts.GetForUser(ctx, userID, accountID); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, accountID, limit)
}
