package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/ledger"
	"expense-reconciliation-backend/internal/services/mailgateway"
	"expense-reconciliation-backend/internal/services/matching"
	"expense-reconciliation-backend/internal/services/parser"
)

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerCLI       = "cli"
)

// Codes carried by SyncError.
const (
	CodeNoConnectedAccounts = "no_connected_accounts"
	CodeReconnectRequired   = "reconnect_required"
	CodeProviderUnavailable = "provider_unavailable"
	CodeInProgress          = "sync_in_progress"
	CodeFailed              = "sync_failed"
)

// Integration outcomes reported in IntegrationResult.Status.
const (
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusReconnectRequired = "reconnect_required"
	StatusSkipped           = "skipped"
)

// SyncError is one integration's failure inside an otherwise successful
// sync or reprocess.
type SyncError struct {
	IntegrationID *uuid.UUID `json:"integration_id,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	Email         string     `json:"email,omitempty"`
	Code          string     `json:"code"`
	Message       string     `json:"message"`
}

// Issue is a transaction left pending because it needs the user, such as
// a fingerprint claimed by several accounts.
type Issue struct {
	ParsedTransactionID uuid.UUID `json:"parsed_transaction_id"`
	Fingerprint         string    `json:"fingerprint"`
	Message             string    `json:"message"`
}

type IntegrationResult struct {
	IntegrationID        uuid.UUID  `json:"integration_id"`
	Provider             string     `json:"provider"`
	Email                string     `json:"email"`
	Status               string     `json:"status"`
	MessagesFetched      int        `json:"messages_fetched"`
	MessagesSkipped      int        `json:"messages_skipped"`
	TransactionsIngested int        `json:"transactions_ingested"`
	TransactionsApplied  int        `json:"transactions_applied"`
	AccountsDiscovered   int        `json:"accounts_discovered"`
	SyncRunID            *uuid.UUID `json:"sync_run_id,omitempty"`
}

// SyncResult aggregates one SyncAll call. Per-integration failures land in
// Errors; they never fail the call.
type SyncResult struct {
	TransactionsIngested int                 `json:"transactions_ingested"`
	TransactionsApplied  int                 `json:"transactions_applied"`
	AccountsDiscovered   int                 `json:"accounts_discovered"`
	MessagesSkipped      int                 `json:"messages_skipped"`
	Errors               []SyncError         `json:"errors"`
	Issues               []Issue             `json:"issues"`
	Warnings             []ledger.Warning    `json:"warnings"`
	Integrations         []IntegrationResult `json:"integrations"`
}

func newSyncResult() *SyncResult {
	return &SyncResult{
		Errors:       []SyncError{},
		Issues:       []Issue{},
		Warnings:     []ledger.Warning{},
		Integrations: []IntegrationResult{},
	}
}

// progress counts what processing pending transactions achieved.
type progress struct {
	applied    int
	discovered int
	issues     []Issue
	warnings   []ledger.Warning
}

type syncOutcome struct {
	IntegrationResult
	err      *SyncError
	issues   []Issue
	warnings []ledger.Warning
}

func (o *syncOutcome) fail(code string, err error) {
	id := o.IntegrationID
	o.err = &SyncError{
		IntegrationID: &id,
		Provider:      o.Provider,
		Email:         o.Email,
		Code:          code,
		Message:       err.Error(),
	}
	switch code {
	case CodeReconnectRequired:
		o.Status = StatusReconnectRequired
	case CodeInProgress:
		o.Status = StatusSkipped
	default:
		o.Status = StatusFailed
	}
}

func (o *syncOutcome) absorb(p *progress) {
	o.TransactionsApplied += p.applied
	o.AccountsDiscovered += p.discovered
	o.issues = append(o.issues, p.issues...)
	o.warnings = append(o.warnings, p.warnings...)
}

func (r *SyncResult) add(o *syncOutcome) {
	r.TransactionsIngested += o.TransactionsIngested
	r.TransactionsApplied += o.TransactionsApplied
	r.AccountsDiscovered += o.AccountsDiscovered
	r.MessagesSkipped += o.MessagesSkipped
	if o.err != nil {
		r.Errors = append(r.Errors, *o.err)
	}
	r.Issues = append(r.Issues, o.issues...)
	r.Warnings = append(r.Warnings, o.warnings...)
	r.Integrations = append(r.Integrations, o.IntegrationResult)
}

// SyncAll fetches, parses, resolves and applies new mail for every active
// integration of the user. Integrations run concurrently and fail
// independently. Integrations waiting for re-consent are reported as
// reconnect_required entries on every call until the user reconnects.
func (s *ReconciliationService) SyncAll(ctx context.Context, userID, trigger string) (*SyncResult, error) {
	all, err := s.integrations.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := newSyncResult()
	var integrations []models.MailIntegration
	for i := range all {
		switch {
		case all[i].Active:
			integrations = append(integrations, all[i])
		case all[i].Status == models.IntegrationReconnectRequired:
			o := &syncOutcome{IntegrationResult: IntegrationResult{
				IntegrationID: all[i].ID,
				Provider:      all[i].Provider,
				Email:         all[i].Email,
			}}
			err := ErrReconnectRequired
			if all[i].LastError != "" {
				err = fmt.Errorf("%w: %s", ErrReconnectRequired, all[i].LastError)
			}
			o.fail(CodeReconnectRequired, err)
			result.add(o)
		}
	}
	if len(integrations) == 0 && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, SyncError{
			Code:    CodeNoConnectedAccounts,
			Message: "no connected mail accounts",
		})
		return result, nil
	}

	outcomes := make([]*syncOutcome, len(integrations))
	var g errgroup.Group
	g.SetLimit(s.syncCfg.Concurrency)
	for i := range integrations {
		i := i
		g.Go(func() error {
			outcomes[i] = s.syncIntegration(ctx, &integrations[i], trigger)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		result.add(o)
	}
	s.log.Info().
		Str("user_id", userID).
		Str("trigger", trigger).
		Int("integrations", len(integrations)).
		Int("ingested", result.TransactionsIngested).
		Int("applied", result.TransactionsApplied).
		Int("discovered", result.AccountsDiscovered).
		Int("errors", len(result.Errors)).
		Msg("sync finished")
	return result, nil
}

func (s *ReconciliationService) syncIntegration(ctx context.Context, in *models.MailIntegration, trigger string) *syncOutcome {
	o := &syncOutcome{IntegrationResult: IntegrationResult{
		IntegrationID: in.ID,
		Provider:      in.Provider,
		Email:         in.Email,
	}}
	log := s.log.With().
		Str("integration_id", in.ID.String()).
		Str("user_id", in.UserID).
		Str("provider", in.Provider).
		Logger()

	mu := s.lock(in.ID)
	if !mu.TryLock() {
		o.fail(CodeInProgress, ErrSyncInProgress)
		return o
	}
	defer mu.Unlock()

	run, err := s.runs.Start(ctx, in.ID, in.UserID, trigger)
	if err != nil {
		o.fail(CodeFailed, err)
		return o
	}
	o.SyncRunID = &run.ID

	err = s.runSync(ctx, in, o, log)
	switch {
	case err == nil:
		o.Status = StatusCompleted
		if err := s.integrations.RecordSync(ctx, in.ID, s.now().UTC(), o.TransactionsApplied, o.AccountsDiscovered); err != nil {
			log.Error().Err(err).Msg("record sync")
		}
	case errors.Is(err, ErrReconnectRequired):
		o.fail(CodeReconnectRequired, err)
		log.Warn().Err(err).Msg("integration needs reconnect")
		if err := s.integrations.MarkReconnectRequired(ctx, in.ID, err.Error()); err != nil {
			log.Error().Err(err).Msg("mark reconnect required")
		}
	default:
		code := CodeFailed
		if errors.Is(err, mailgateway.ErrTransient) {
			code = CodeProviderUnavailable
		}
		if errors.Is(err, ledger.ErrLedgerInvariant) {
			log.Error().Err(err).Msg("ledger invariant violated during sync")
		} else {
			log.Warn().Err(err).Msg("integration sync failed")
		}
		o.fail(code, err)
		if err := s.integrations.MarkFailed(ctx, in.ID, err.Error()); err != nil {
			log.Error().Err(err).Msg("mark integration failed")
		}
	}

	run.MessagesFetched = o.MessagesFetched
	run.MessagesSkipped = o.MessagesSkipped
	run.TransactionsIngested = o.TransactionsIngested
	run.TransactionsApplied = o.TransactionsApplied
	run.AccountsDiscovered = o.AccountsDiscovered
	if err != nil {
		run.Status = models.SyncRunFailed
		run.Error = err.Error()
	}
	if err := s.runs.Finish(ctx, run); err != nil {
		log.Error().Err(err).Msg("finish sync run")
	}
	return o
}

func (s *ReconciliationService) runSync(ctx context.Context, in *models.MailIntegration, o *syncOutcome, log zerolog.Logger) error {
	gw, err := s.gateways.Get(in.Provider)
	if err != nil {
		return err
	}
	token, err := s.token(ctx, in, gw, false)
	if err != nil {
		return err
	}

	since := s.now().UTC().AddDate(0, 0, -s.syncCfg.LookbackDays)
	if in.Watermark != nil {
		since = *in.Watermark
	}

	box := mailgateway.Mailbox{Email: in.Email, Token: token}
	messages, err := gw.ListMessagesSince(ctx, box, since)
	if errors.Is(err, mailgateway.ErrUnauthorized) {
		log.Info().Msg("access token rejected, refreshing once")
		if box.Token, err = s.token(ctx, in, gw, true); err != nil {
			return err
		}
		messages, err = gw.ListMessagesSince(ctx, box, since)
		if errors.Is(err, mailgateway.ErrUnauthorized) {
			return fmt.Errorf("%w: %v", ErrReconnectRequired, err)
		}
	}
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	o.MessagesFetched = len(messages)

	o.TransactionsIngested, o.MessagesSkipped, err = s.ingest(ctx, in, messages)
	if err != nil {
		return err
	}
	// Everything fetched is stored, so the watermark may pass it.
	if len(messages) > 0 {
		latest := messages[0].ReceivedAt
		for _, m := range messages[1:] {
			if m.ReceivedAt.After(latest) {
				latest = m.ReceivedAt
			}
		}
		if err := s.integrations.AdvanceWatermark(ctx, in.ID, latest.UTC()); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}

	p, err := s.processPending(ctx, in.UserID, in.ID)
	o.absorb(p)
	return err
}

// ingest parses messages and stores the new candidates. It returns how
// many rows were inserted and how many messages held no transaction.
func (s *ReconciliationService) ingest(ctx context.Context, in *models.MailIntegration, messages []mailgateway.Message) (int, int, error) {
	skipped := 0
	candidates := make([]*models.ParsedTransaction, 0, len(messages))
	for _, msg := range messages {
		c, ok := s.parser.Parse(msg)
		if !ok {
			skipped++
			continue
		}
		candidates = append(candidates, newParsedTransaction(in.ID, msg, c))
	}
	if len(candidates) == 0 {
		return 0, skipped, nil
	}
	inserted, err := s.parsed.InsertNew(ctx, candidates)
	if err != nil {
		return 0, skipped, fmt.Errorf("persist parsed transactions: %w", err)
	}
	return len(inserted), skipped, nil
}

func newParsedTransaction(integrationID uuid.UUID, msg mailgateway.Message, c *parser.Candidate) *models.ParsedTransaction {
	pt := &models.ParsedTransaction{
		ID:                    uuid.New(),
		MailIntegrationID:     integrationID,
		SourceMessageID:       msg.ID,
		Amount:                c.Amount,
		Direction:             c.Direction,
		Fingerprint:           c.Fingerprint,
		NormalizedFingerprint: matching.Normalize(c.Fingerprint),
		Institution:           c.Institution,
		AccountLast4:          c.AccountLast4,
		AccountTypeHint:       c.AccountType,
		StatedBalance:         c.StatedBalance,
		OccurredAt:            c.OccurredAt.UTC(),
		Description:           c.Description,
		Sender:                msg.From,
		Subject:               msg.Subject,
		RuleName:              c.Rule,
		Confidence:            c.Confidence,
		Status:                models.TxStatusPending,
	}
	if len(c.Fields) > 0 {
		pt.ExtractedFields = models.MarshalDetails(c.Fields)
	}
	return pt
}

// processPending resolves and applies an integration's pending rows in
// occurred-at order.
func (s *ReconciliationService) processPending(ctx context.Context, userID string, integrationID uuid.UUID) (*progress, error) {
	p := &progress{}
	pending, err := s.parsed.ListByStatus(ctx, integrationID, models.TxStatusPending)
	if err != nil {
		return p, err
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if err := s.process(ctx, userID, &pending[i], p); err != nil {
			return p, err
		}
	}
	return p, nil
}

// process handles one pending row. Rows already bound to an account (by
// an approval or an earlier application) skip resolution and the
// confidence gate.
func (s *ReconciliationService) process(ctx context.Context, userID string, pt *models.ParsedTransaction, p *progress) error {
	accountID := pt.FinancialAccountID
	if accountID == nil {
		res, err := s.resolver.Resolve(ctx, userID, pt)
		switch {
		case errors.Is(err, matching.ErrAmbiguousFingerprint):
			p.issues = append(p.issues, Issue{ParsedTransactionID: pt.ID, Fingerprint: pt.Fingerprint, Message: err.Error()})
			return nil
		case err != nil:
			return fmt.Errorf("resolve transaction %s: %w", pt.ID, err)
		}
		if res.NewDiscovery {
			p.discovered++
		}
		switch {
		case res.Rejected:
			_, err := s.ledger.Reject(ctx, pt.ID, "account rejected")
			return err
		case res.AccountID == nil:
			return nil
		case pt.Confidence < s.ledgerCfg.AutoApplyConfidence:
			return nil
		}
		accountID = res.AccountID
	}

	res, err := s.ledger.ApplyTo(ctx, pt.ID, *accountID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		p.issues = append(p.issues, Issue{ParsedTransactionID: pt.ID, Fingerprint: pt.Fingerprint, Message: err.Error()})
		return nil
	case err != nil:
		return fmt.Errorf("apply transaction %s: %w", pt.ID, err)
	}
	if !res.AlreadyApplied {
		p.applied++
	}
	if res.Warning != nil {
		p.warnings = append(p.warnings, *res.Warning)
	}
	return nil
}

// token returns usable credentials for the integration, refreshing them
// when they are about to expire or when force is set.
func (s *ReconciliationService) token(ctx context.Context, in *models.MailIntegration, gw mailgateway.Gateway, force bool) (*oauth2.Token, error) {
	access, err := s.cipher.Decrypt(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconnectRequired, err)
	}
	refresh, err := s.cipher.Decrypt(in.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconnectRequired, err)
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: in.TokenExpiry}
	if !force && (tok.Expiry.IsZero() || tok.Expiry.After(s.now().Add(refreshMargin))) {
		return tok, nil
	}
	return s.refresh(ctx, in, gw, tok)
}

func (s *ReconciliationService) refresh(ctx context.Context, in *models.MailIntegration, gw mailgateway.Gateway, tok *oauth2.Token) (*oauth2.Token, error) {
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrReconnectRequired)
	}
	fresh, err := gw.Refresh(ctx, tok)
	if err != nil {
		if errors.Is(err, mailgateway.ErrTransient) {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrReconnectRequired, err)
	}

	access, err := s.cipher.Encrypt(fresh.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Encrypt(fresh.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := s.integrations.UpdateTokens(ctx, in.ID, access, refresh, fresh.Expiry); err != nil {
		return nil, fmt.Errorf("store refreshed token: %w", err)
	}
	in.AccessToken = access
	if refresh != "" {
		in.RefreshToken = refresh
	}
	in.TokenExpiry = fresh.Expiry
	return fresh, nil
}
