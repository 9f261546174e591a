package reconciliation

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/mailgateway"
	"expense-reconciliation-backend/internal/services/matching"
	"expense-reconciliation-backend/internal/services/parser"
	"expense-reconciliation-backend/internal/testutil"
)

const user = "user-1"

func newTestService(t *testing.T, gateways ...mailgateway.Gateway) (*ReconciliationService, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := &config.Config{
		Sync: config.SyncConfig{LookbackDays: 30, Concurrency: 3},
		Ledger: config.LedgerConfig{
			NegativeBalanceFloor: "-100000",
			AutoApplyConfidence:  0.85,
			DefaultCurrency:      "INR",
		},
	}
	cipher, err := mailgateway.NewTokenCipher("test-token-key")
	require.NoError(t, err)

	svc, err := NewReconciliationService(db, cfg, mailgateway.NewRegistry(gateways...), parser.NewDefault(), cipher, zerolog.Nop())
	require.NoError(t, err)
	svc.now = func() time.Time { return testutil.Epoch.Add(24 * time.Hour) }
	return svc, db
}

// connect runs the consent flow against a fake gateway.
func connect(t *testing.T, svc *ReconciliationService, provider, code string) *models.MailIntegration {
	t.Helper()
	ctx := context.Background()
	authURL, err := svc.Connect(ctx, user, provider)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)

	in, err := svc.CompleteConnect(ctx, provider, code, u.Query().Get("state"))
	require.NoError(t, err)
	return in
}

// sbiAlert builds an SBI alert received n hours after the fixture epoch.
func sbiAlert(id string, n int, verb, amount, last4 string) mailgateway.Message {
	at := testutil.Epoch.Add(time.Duration(n) * time.Hour)
	return mailgateway.Message{
		ID:         id,
		From:       "donotreply.sbiatm@alerts.sbi.co.in",
		Subject:    "Transaction alert",
		Body:       fmt.Sprintf("Dear Customer, your A/c XXXXX%s has been %s by Rs. %s on %s towards UPI/%s.", last4, verb, amount, at.Format("02-01-2006"), id),
		ReceivedAt: at,
	}
}

func newsletter(id string, n int) mailgateway.Message {
	return mailgateway.Message{
		ID:         id,
		From:       "news@shop.example",
		Subject:    "Weekend sale",
		Body:       "Big discounts this weekend only.",
		ReceivedAt: testutil.Epoch.Add(time.Duration(n) * time.Hour),
	}
}

func requireBalance(t *testing.T, svc *ReconciliationService, accountID interface{ String() string }, want string) {
	t.Helper()
	accounts, err := svc.ListAccounts(context.Background(), user)
	require.NoError(t, err)
	for _, a := range accounts {
		if a.ID.String() == accountID.String() {
			require.True(t, decimal.RequireFromString(want).Equal(a.Balance), "balance %s, want %s", a.Balance, want)
			return
		}
	}
	t.Fatalf("account %s not found", accountID)
}

func TestSyncAllAppliesAndAdvancesWatermark(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com",
		sbiAlert("m1", 1, "debited", "500.00", "1234"),
		newsletter("m2", 2),
		sbiAlert("m3", 3, "debited", "300.00", "1234"),
	)
	svc, db := newTestService(t, gw)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 2, res.TransactionsIngested)
	require.Equal(t, 2, res.TransactionsApplied)
	require.Equal(t, 1, res.MessagesSkipped)
	require.Len(t, res.Integrations, 1)
	require.Equal(t, StatusCompleted, res.Integrations[0].Status)
	requireBalance(t, svc, acct.ID, "9200")

	stored, err := svc.integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Watermark)
	require.True(t, stored.Watermark.Equal(testutil.Epoch.Add(3*time.Hour)))
	require.Equal(t, models.IntegrationConnected, stored.Status)

	// The first fetch scans the lookback window, later ones start at the
	// watermark.
	require.True(t, gw.Calls[0].Equal(svc.now().UTC().AddDate(0, 0, -30)))

	res, err = svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 0, res.TransactionsIngested)
	require.Equal(t, 0, res.TransactionsApplied)
	require.True(t, gw.Calls[1].Equal(*stored.Watermark))
	requireBalance(t, svc, acct.ID, "9200")

	runs, err := svc.ListSyncRuns(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestSyncAllWithoutIntegrations(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.SyncAll(context.Background(), user, TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeNoConnectedAccounts, res.Errors[0].Code)
	require.Nil(t, res.Errors[0].IntegrationID)
	require.Empty(t, res.Integrations)
}

func TestSyncAllIsolatesFailingIntegration(t *testing.T) {
	gmail := mailgateway.NewFake(models.ProviderGmail, "a@gmail.com", sbiAlert("g1", 1, "debited", "500", "1234"))
	outlook := mailgateway.NewFake(models.ProviderOutlook, "b@outlook.com", sbiAlert("o1", 2, "debited", "700", "1234"))
	outlook.ListErr = fmt.Errorf("%w: 503 from provider", mailgateway.ErrTransient)
	yahoo := mailgateway.NewFake(models.ProviderYahoo, "c@yahoo.com", sbiAlert("y1", 3, "debited", "200", "1234"))

	svc, db := newTestService(t, gmail, outlook, yahoo)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	connect(t, svc, models.ProviderGmail, "g")
	failing := connect(t, svc, models.ProviderOutlook, "o")
	connect(t, svc, models.ProviderYahoo, "y")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Integrations, 3)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeProviderUnavailable, res.Errors[0].Code)
	require.Equal(t, failing.ID, *res.Errors[0].IntegrationID)
	require.Equal(t, 2, res.TransactionsApplied)
	requireBalance(t, svc, acct.ID, "9300")

	stored, err := svc.integrations.GetByID(ctx, failing.ID)
	require.NoError(t, err)
	require.Nil(t, stored.Watermark)
	require.True(t, stored.Active)
	require.Equal(t, models.IntegrationError, stored.Status)
	require.NotEmpty(t, stored.LastError)

	// The provider recovers and the next sync picks the mail up.
	outlook.ListErr = nil
	res, err = svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.TransactionsApplied)
	requireBalance(t, svc, acct.ID, "8600")
}

func TestSyncAllRefreshesRejectedTokenOnce(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", sbiAlert("m1", 1, "debited", "500", "1234"))
	gw.RejectToken = "access-abc"
	svc, db := newTestService(t, gw)
	testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.TransactionsApplied)
	require.Equal(t, 1, gw.Refreshes)

	stored, err := svc.integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	access, err := svc.cipher.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "refreshed-1", access)
}

func TestSyncAllMarksReconnectRequired(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", sbiAlert("m1", 1, "debited", "500", "1234"))
	gw.RejectToken = "access-abc"
	gw.RefreshErr = fmt.Errorf("%w: invalid_grant", mailgateway.ErrUnauthorized)
	svc, _ := newTestService(t, gw)
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeReconnectRequired, res.Errors[0].Code)
	require.Equal(t, StatusReconnectRequired, res.Integrations[0].Status)

	stored, err := svc.integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	require.False(t, stored.Active)
	require.Equal(t, models.IntegrationReconnectRequired, stored.Status)

	// Later syncs keep naming the mailbox that needs re-consent.
	res, err = svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeReconnectRequired, res.Errors[0].Code)
	require.Equal(t, in.ID, *res.Errors[0].IntegrationID)
	require.Len(t, res.Integrations, 1)
	require.Equal(t, StatusReconnectRequired, res.Integrations[0].Status)
	require.Equal(t, 1, gw.Refreshes)

	// Connecting again reactivates the same integration.
	gw.RejectToken = ""
	gw.RefreshErr = nil
	again := connect(t, svc, models.ProviderGmail, "def")
	require.Equal(t, in.ID, again.ID)
	require.True(t, again.Active)
}

func TestSyncAllTransientRefreshKeepsIntegrationActive(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com")
	gw.RejectToken = "access-abc"
	gw.RefreshErr = fmt.Errorf("%w: token endpoint timeout", mailgateway.ErrTransient)
	svc, _ := newTestService(t, gw)
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeProviderUnavailable, res.Errors[0].Code)

	stored, err := svc.integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, stored.Active)
}

func TestResetWatermarkDoesNotDuplicate(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com",
		sbiAlert("m1", 1, "debited", "500", "1234"),
		sbiAlert("m2", 2, "credited", "1000", "1234"),
	)
	svc, db := newTestService(t, gw)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	requireBalance(t, svc, acct.ID, "10500")

	require.NoError(t, svc.ResetWatermarkForUser(ctx, user, in.ID))
	stored, err := svc.integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	require.Nil(t, stored.Watermark)

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 2, res.Integrations[0].MessagesFetched)
	require.Equal(t, 0, res.TransactionsIngested)
	require.Equal(t, 0, res.TransactionsApplied)
	require.True(t, gw.Calls[1].Equal(gw.Calls[0]))
	requireBalance(t, svc, acct.ID, "10500")

	var count int64
	require.NoError(t, db.Model(&models.ParsedTransaction{}).Count(&count).Error)
	require.EqualValues(t, 2, count)

	err = svc.ResetWatermarkForUser(ctx, "someone-else", in.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLowConfidenceStaysPendingUntilApplied(t *testing.T) {
	undated := mailgateway.Message{
		ID:         "m1",
		From:       "donotreply.sbiatm@alerts.sbi.co.in",
		Subject:    "Transaction alert",
		Body:       "Dear Customer, your A/c XXXXX1234 has been debited by Rs. 250.00.",
		ReceivedAt: testutil.Epoch.Add(time.Hour),
	}
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", undated)
	svc, db := newTestService(t, gw)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.TransactionsIngested)
	require.Equal(t, 0, res.TransactionsApplied)
	requireBalance(t, svc, acct.ID, "10000")

	page, err := svc.ListTransactions(ctx, user, repository.ListFilter{Status: models.TxStatusPending})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	pt := page.Items[0]
	require.Less(t, pt.Confidence, 0.85)

	// Another sync leaves it alone.
	res, err = svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 0, res.TransactionsApplied)

	applied, err := svc.ApplyTransaction(ctx, user, pt.ID, nil)
	require.NoError(t, err)
	require.Equal(t, acct.ID, applied.AccountID)
	requireBalance(t, svc, acct.ID, "9750")
}

func TestDiscoveryApprovalAppliesStagedTransactions(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com",
		sbiAlert("m1", 1, "debited", "500", "9999"),
		sbiAlert("m2", 2, "debited", "200", "9999"),
	)
	svc, _ := newTestService(t, gw)
	connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	res, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 2, res.TransactionsIngested)
	require.Equal(t, 0, res.TransactionsApplied)
	require.Equal(t, 1, res.AccountsDiscovered)

	pending, err := svc.ListDiscovered(ctx, user, models.DiscoveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Sightings)

	approved, err := svc.ApproveDiscovered(ctx, user, pending[0].ID, matching.ApproveInput{DisplayName: "SBI salary"})
	require.NoError(t, err)
	require.Len(t, approved.Applied, 2)
	require.Empty(t, approved.Issues)
	require.Equal(t, "INR", approved.Account.Currency)
	require.True(t, decimal.NewFromInt(-700).Equal(approved.Account.Balance))

	_, err = svc.ApproveDiscovered(ctx, user, pending[0].ID, matching.ApproveInput{})
	require.ErrorIs(t, err, matching.ErrInvalidTransition)

	// New mail for the approved fingerprint applies straight away.
	gw.Add(sbiAlert("m3", 3, "credited", "1000", "9999"))
	res, err = svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.TransactionsApplied)
	requireBalance(t, svc, approved.Account.ID, "300")
}

func TestDiscoveryKeepsStatedBalanceAfterEditAndRetype(t *testing.T) {
	withBalance := func(m mailgateway.Message) mailgateway.Message {
		m.Body += " Avl Bal Rs. 5000.00"
		return m
	}
	cases := []struct {
		name string
		edit string
		typ  string
	}{
		{name: "edited amount", edit: "500"},
		{name: "card override", typ: models.AccountTypeCreditCard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", withBalance(sbiAlert("m1", 1, "debited", "300", "9999")))
			svc, _ := newTestService(t, gw)
			connect(t, svc, models.ProviderGmail, "abc")
			ctx := context.Background()

			_, err := svc.SyncAll(ctx, user, TriggerManual)
			require.NoError(t, err)
			pending, err := svc.ListDiscovered(ctx, user, models.DiscoveryPending)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			require.True(t, decimal.NewFromInt(5300).Equal(pending[0].InferredOpeningBalance))

			if tc.edit != "" {
				page, err := svc.ListTransactions(ctx, user, repository.ListFilter{Status: models.TxStatusPending})
				require.NoError(t, err)
				require.Len(t, page.Items, 1)
				_, _, err = svc.UpdateTransaction(ctx, user, page.Items[0].ID, TransactionUpdate{
					Amount:    decimal.RequireFromString(tc.edit),
					Direction: models.DirectionDebit,
				})
				require.NoError(t, err)
			}

			approved, err := svc.ApproveDiscovered(ctx, user, pending[0].ID, matching.ApproveInput{Type: tc.typ})
			require.NoError(t, err)
			require.Len(t, approved.Applied, 1)
			require.True(t, decimal.NewFromInt(5000).Equal(approved.Account.Balance), "balance %s", approved.Account.Balance)
		})
	}
}

func TestRejectedDiscoveryRejectsItsTransactions(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", sbiAlert("m1", 1, "debited", "500", "9999"))
	svc, _ := newTestService(t, gw)
	connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	pending, err := svc.ListDiscovered(ctx, user, models.DiscoveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = svc.RejectDiscovered(ctx, user, pending[0].ID)
	require.NoError(t, err)

	gw.Add(sbiAlert("m2", 2, "debited", "100", "9999"))
	_, err = svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)

	// The staged row was rejected with the discovery, the new one on arrival.
	page, err := svc.ListTransactions(ctx, user, repository.ListFilter{Status: models.TxStatusRejected})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	// Reprocess without include_rejected keeps the rejection, with it the
	// rows and the discovery come back for review.
	_, err = svc.ReprocessAll(ctx, user, false)
	require.NoError(t, err)
	page, err = svc.ListTransactions(ctx, user, repository.ListFilter{Status: models.TxStatusRejected})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	rep, err := svc.ReprocessAll(ctx, user, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, rep.ResetRejected)
	page, err = svc.ListTransactions(ctx, user, repository.ListFilter{Status: models.TxStatusRejected})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	pending, err = svc.ListDiscovered(ctx, user, models.DiscoveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

type snapshot struct {
	balances  map[string]string
	statuses  map[string]string
	sightings map[string]int
}

func takeSnapshot(t *testing.T, svc *ReconciliationService) snapshot {
	t.Helper()
	ctx := context.Background()
	s := snapshot{balances: map[string]string{}, statuses: map[string]string{}, sightings: map[string]int{}}

	accounts, err := svc.ListAccounts(ctx, user)
	require.NoError(t, err)
	for _, a := range accounts {
		s.balances[a.ID.String()] = a.Balance.String()
	}
	page, err := svc.ListTransactions(ctx, user, repository.ListFilter{Limit: 100})
	require.NoError(t, err)
	for _, pt := range page.Items {
		s.statuses[pt.SourceMessageID] = pt.Status
	}
	discovered, err := svc.ListDiscovered(ctx, user, "")
	require.NoError(t, err)
	for _, d := range discovered {
		s.sightings[d.NormalizedFingerprint] = d.Sightings
	}
	return s
}

func TestReprocessAllIsIdempotent(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com",
		sbiAlert("m1", 1, "debited", "500", "1234"),
		sbiAlert("m2", 2, "credited", "2000", "1234"),
		sbiAlert("m3", 3, "debited", "100", "9999"),
		sbiAlert("m4", 4, "debited", "50", "9999"),
	)
	svc, db := newTestService(t, gw)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	requireBalance(t, svc, acct.ID, "11500")
	before := takeSnapshot(t, svc)

	for i := 0; i < 3; i++ {
		res, err := svc.ReprocessAll(ctx, user, false)
		require.NoError(t, err)
		require.Empty(t, res.Errors)
		require.Equal(t, 2, res.Reversed)
		require.Equal(t, 2, res.TransactionsApplied)
		require.Equal(t, before, takeSnapshot(t, svc))
	}

	history, err := svc.AccountHistory(ctx, user, acct.ID, 0)
	require.NoError(t, err)
	active := 0
	for i := range history {
		if history[i].Active() {
			active++
		}
	}
	require.Equal(t, 2, active)
}

func TestReprocessKeepsManualAssignment(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", sbiAlert("m1", 1, "debited", "500", "9999"))
	svc, db := newTestService(t, gw)
	wallet := testutil.Account(t, db, user, models.AccountTypeWallet, 1000)
	connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	page, err := svc.ListTransactions(ctx, user, repository.ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	_, err = svc.ApplyTransaction(ctx, user, page.Items[0].ID, &wallet.ID)
	require.NoError(t, err)
	requireBalance(t, svc, wallet.ID, "500")

	_, err = svc.ReprocessAll(ctx, user, false)
	require.NoError(t, err)
	requireBalance(t, svc, wallet.ID, "500")

	pt, err := svc.GetTransaction(ctx, user, page.Items[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.TxStatusProcessed, pt.Status)
	require.Equal(t, wallet.ID, *pt.FinancialAccountID)
}

func TestEditedTransactionMovesBalanceByDifference(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", sbiAlert("m1", 1, "debited", "500", "1234"))
	svc, db := newTestService(t, gw)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)
	requireBalance(t, svc, acct.ID, "9500")

	page, err := svc.ListTransactions(ctx, user, repository.ListFilter{})
	require.NoError(t, err)
	id := page.Items[0].ID

	pt, res, err := svc.UpdateTransaction(ctx, user, id, TransactionUpdate{Amount: decimal.NewFromInt(800), Direction: "debit"})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, decimal.NewFromInt(800).Equal(pt.Amount))
	requireBalance(t, svc, acct.ID, "9200")

	_, _, err = svc.UpdateTransaction(ctx, user, id, TransactionUpdate{Amount: decimal.NewFromInt(800), Direction: "credit"})
	require.NoError(t, err)
	requireBalance(t, svc, acct.ID, "10800")

	_, _, err = svc.UpdateTransaction(ctx, user, id, TransactionUpdate{Amount: decimal.Zero, Direction: "credit"})
	require.Error(t, err)
	requireBalance(t, svc, acct.ID, "10800")

	// Reprocessing keeps the corrected values.
	_, err = svc.ReprocessAll(ctx, user, false)
	require.NoError(t, err)
	requireBalance(t, svc, acct.ID, "10800")

	// Rejecting a processed transaction takes it back off the balance.
	rejected, err := svc.RejectTransaction(ctx, user, id, "")
	require.NoError(t, err)
	require.Equal(t, models.TxStatusRejected, rejected.Status)
	requireBalance(t, svc, acct.ID, "10000")

	stats, err := svc.Stats(ctx, user)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Total)
	require.EqualValues(t, 1, stats.RejectedCount)
}

func TestRefreshExpiringTokens(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com")
	svc, _ := newTestService(t, gw)
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	// Tokens from the fake last an hour from now.
	svc.now = time.Now
	n, err := svc.RefreshExpiringTokens(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	svc.now = func() time.Time { return time.Now().Add(55 * time.Minute) }
	n, err = svc.RefreshExpiringTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, gw.Refreshes)

	stored, err := svc.integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	access, err := svc.cipher.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "refreshed-1", access)
}

func TestDisconnectRemovesIntegration(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com", sbiAlert("m1", 1, "debited", "500", "1234"))
	svc, db := newTestService(t, gw)
	acct := testutil.Account(t, db, user, models.AccountTypeBank, 10000, "SBI Bank ****1234")
	in := connect(t, svc, models.ProviderGmail, "abc")
	ctx := context.Background()

	_, err := svc.SyncAll(ctx, user, TriggerManual)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Disconnect(ctx, "someone-else", in.ID), repository.ErrNotFound)
	require.NoError(t, svc.Disconnect(ctx, user, in.ID))

	list, err := svc.ListIntegrations(ctx, user)
	require.NoError(t, err)
	require.Empty(t, list)
	requireBalance(t, svc, acct.ID, "9500")
}

func TestCompleteConnectRejectsUnknownState(t *testing.T) {
	gw := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com")
	svc, _ := newTestService(t, gw)

	_, err := svc.CompleteConnect(context.Background(), models.ProviderGmail, "abc", "forged")
	require.Error(t, err)

	_, err = svc.Connect(context.Background(), user, "hotmail")
	require.ErrorIs(t, err, mailgateway.ErrUnknownProvider)
}
