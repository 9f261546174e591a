package testutil

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/matching"
)

// Epoch is the base time fixtures count from.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Integration inserts a connected gmail integration for userID.
func Integration(t testing.TB, db *gorm.DB, userID string) *models.MailIntegration {
	t.Helper()
	in := &models.MailIntegration{
		ID:       uuid.New(),
		UserID:   userID,
		Provider: models.ProviderGmail,
		Email:    userID + "-" + uuid.NewString()[:8] + "@example.com",
		Active:   true,
		Status:   models.IntegrationConnected,
	}
	require.NoError(t, db.Create(in).Error)
	return in
}

// Account inserts an account carrying the given raw fingerprints.
func Account(t testing.TB, db *gorm.DB, userID, accountType string, balance int64, fingerprints ...string) *models.FinancialAccount {
	t.Helper()
	acct := &models.FinancialAccount{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        accountType,
		DisplayName: accountType + " account",
		Currency:    "INR",
		Balance:     decimal.NewFromInt(balance),
	}
	require.NoError(t, db.Create(acct).Error)
	for _, raw := range fingerprints {
		require.NoError(t, db.Create(&models.AccountFingerprint{
			ID:         uuid.New(),
			AccountID:  acct.ID,
			UserID:     userID,
			Raw:        raw,
			Normalized: matching.Normalize(raw),
		}).Error)
	}
	return acct
}

// Parsed inserts a pending parsed transaction. The n-th message of an
// integration occurs n minutes after Epoch.
func Parsed(t testing.TB, db *gorm.DB, integrationID uuid.UUID, msgID string, n int, amount int64, direction, fingerprint string) *models.ParsedTransaction {
	t.Helper()
	pt := &models.ParsedTransaction{
		ID:                    uuid.New(),
		MailIntegrationID:     integrationID,
		SourceMessageID:       msgID,
		Amount:                decimal.NewFromInt(amount),
		Direction:             direction,
		Fingerprint:           fingerprint,
		NormalizedFingerprint: matching.Normalize(fingerprint),
		Institution:           institution(fingerprint),
		AccountTypeHint:       models.AccountTypeBank,
		OccurredAt:            Epoch.Add(time.Duration(n) * time.Minute),
		Confidence:            1,
		RuleName:              "fixture",
		Status:                models.TxStatusPending,
	}
	require.NoError(t, db.Create(pt).Error)
	return pt
}

// institution returns the words of a fixture fingerprint before its
// account number.
func institution(fingerprint string) string {
	var words []string
	for _, w := range strings.Fields(fingerprint) {
		if strings.ContainsAny(w, "*0123456789") || strings.EqualFold(w, "a/c") {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}
