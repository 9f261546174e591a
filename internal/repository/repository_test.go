package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/testutil"
)

func newIntegration(t *testing.T, repo *repository.IntegrationRepository, userID string) *models.MailIntegration {
	t.Helper()
	in, err := repo.Upsert(context.Background(), &models.MailIntegration{
		UserID:   userID,
		Provider: models.ProviderGmail,
		Email:    userID + "@example.com",
	})
	require.NoError(t, err)
	return in
}

func parsed(integrationID uuid.UUID, msgID string, occurred time.Time) *models.ParsedTransaction {
	return &models.ParsedTransaction{
		MailIntegrationID: integrationID,
		SourceMessageID:   msgID,
		Amount:            decimal.NewFromInt(100),
		Direction:         models.DirectionDebit,
		Fingerprint:       "SBI Bank ****1234",
		OccurredAt:        occurred,
		Status:            models.TxStatusPending,
	}
}

func TestInsertNewSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	integrations := repository.NewIntegrationRepository(db)
	txs := repository.NewParsedTransactionRepository(db)
	in := newIntegration(t, integrations, "u1")

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	inserted, err := txs.InsertNew(ctx, []*models.ParsedTransaction{
		parsed(in.ID, "m1", now),
		parsed(in.ID, "m2", now.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)

	inserted, err = txs.InsertNew(ctx, []*models.ParsedTransaction{
		parsed(in.ID, "m2", now),
		parsed(in.ID, "m3", now),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	require.Equal(t, "m3", inserted[0].SourceMessageID)

	pending, err := txs.ListByStatus(ctx, in.ID, models.TxStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "m1", pending[0].SourceMessageID)
	require.Equal(t, "m3", pending[1].SourceMessageID)
}

func TestAdvanceWatermarkNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	integrations := repository.NewIntegrationRepository(db)
	in := newIntegration(t, integrations, "u1")

	later := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-24 * time.Hour)

	require.NoError(t, integrations.AdvanceWatermark(ctx, in.ID, later))
	require.NoError(t, integrations.AdvanceWatermark(ctx, in.ID, earlier))

	got, err := integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Watermark)
	require.True(t, got.Watermark.Equal(later))

	require.NoError(t, integrations.ResetWatermark(ctx, in.ID))
	got, err = integrations.GetByID(ctx, in.ID)
	require.NoError(t, err)
	require.Nil(t, got.Watermark)
}

func TestFindByFingerprintReturnsEveryClaimant(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	accounts := repository.NewAccountRepository(db)

	for _, name := range []string{"Salary", "Joint"} {
		require.NoError(t, accounts.Create(ctx, &models.FinancialAccount{
			UserID:       "u1",
			Type:         models.AccountTypeBank,
			DisplayName:  name,
			Fingerprints: []models.AccountFingerprint{{Raw: "SBI ****1234", Normalized: "sbi 1234"}},
		}))
	}
	require.NoError(t, accounts.Create(ctx, &models.FinancialAccount{
		UserID:       "u2",
		Type:         models.AccountTypeBank,
		Fingerprints: []models.AccountFingerprint{{Raw: "SBI ****1234", Normalized: "sbi 1234"}},
	}))

	found, err := accounts.FindByFingerprint(ctx, "u1", "sbi 1234")
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = accounts.FindByFingerprint(ctx, "u1", "hdfc 1234")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestCompareAndSetBalance(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	accounts := repository.NewAccountRepository(db)

	acct := &models.FinancialAccount{UserID: "u1", Type: models.AccountTypeBank, Balance: decimal.NewFromInt(10)}
	require.NoError(t, accounts.Create(ctx, acct))

	ok, err := accounts.CompareAndSetBalance(ctx, acct.ID, 0, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = accounts.CompareAndSetBalance(ctx, acct.ID, 0, decimal.NewFromInt(30))
	require.NoError(t, err)
	require.False(t, ok)

	got, err := accounts.GetByID(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, got.Balance.Equal(decimal.NewFromInt(20)))
	require.Equal(t, int64(1), got.Version)
}

func TestListPaginatesByCursor(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	integrations := repository.NewIntegrationRepository(db)
	txs := repository.NewParsedTransactionRepository(db)
	in := newIntegration(t, integrations, "u1")
	other := newIntegration(t, integrations, "u2")

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var batch []*models.ParsedTransaction
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		batch = append(batch, parsed(in.ID, id, now))
	}
	batch = append(batch, parsed(other.ID, "z", now))
	_, err := txs.InsertNew(ctx, batch)
	require.NoError(t, err)

	page, cursor, more, err := txs.List(ctx, "u1", repository.ListFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.True(t, more)
	require.NotEmpty(t, cursor)

	rest, _, more, err := txs.List(ctx, "u1", repository.ListFilter{Limit: 3, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.False(t, more)

	stats, err := txs.StatsByStatus(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(5), stats[0].Count)
	require.True(t, stats[0].Sum.Equal(decimal.NewFromInt(500)))
}

func TestDeleteIntegrationCascades(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	integrations := repository.NewIntegrationRepository(db)
	txs := repository.NewParsedTransactionRepository(db)
	discovered := repository.NewDiscoveredAccountRepository(db)
	in := newIntegration(t, integrations, "u1")

	_, err := txs.InsertNew(ctx, []*models.ParsedTransaction{parsed(in.ID, "m1", time.Now().UTC())})
	require.NoError(t, err)
	require.NoError(t, discovered.Create(ctx, &models.DiscoveredAccount{
		MailIntegrationID:     in.ID,
		NormalizedFingerprint: "sbi bank 1234",
		Status:                models.DiscoveryPending,
	}))

	require.NoError(t, integrations.Delete(ctx, in.ID))

	var count int64
	require.NoError(t, db.Model(&models.ParsedTransaction{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, db.Model(&models.DiscoveredAccount{}).Count(&count).Error)
	require.Zero(t, count)

	_, err = integrations.GetByID(ctx, in.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}
