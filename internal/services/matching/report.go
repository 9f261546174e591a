package matching

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/repository"
)

// ReportAccount is one account listed in a credit-bureau report.
type ReportAccount struct {
	Institution   string           `json:"institution"`
	Type          string           `json:"type"`
	PartialNumber string           `json:"partial_number"`
	Balance       *decimal.Decimal `json:"balance"`
	Confidence    float64          `json:"confidence"`
}

// ImportResult counts what a report import did with each account.
type ImportResult struct {
	Created  int `json:"created"`
	Revived  int `json:"revived"`
	Existing int `json:"existing"`
	Matched  int `json:"matched"`
	Skipped  int `json:"skipped"`
}

// ImportReportAccounts stages accounts read from a credit-bureau report
// under the given integration. Accounts already registered are left
// alone, known discoveries are not duplicated and rejected ones go back
// to pending with the report's balance.
func (r *Resolver) ImportReportAccounts(ctx context.Context, userID string, integrationID uuid.UUID, accounts []ReportAccount) (*ImportResult, error) {
	result := &ImportResult{}
	now := time.Now().UTC()
	for _, a := range accounts {
		fingerprint := reportFingerprint(a)
		normalized := Normalize(fingerprint)
		if normalized == "" {
			result.Skipped++
			continue
		}

		id, err := r.Match(ctx, userID, normalized)
		if err != nil {
			return result, err
		}
		if id != nil {
			result.Matched++
			continue
		}

		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			discovered := r.discovered.WithTx(tx)
			d, err := discovered.GetByKey(ctx, integrationID, normalized)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				d = &models.DiscoveredAccount{
					ID:                    uuid.New(),
					MailIntegrationID:     integrationID,
					NormalizedFingerprint: normalized,
					Fingerprint:           fingerprint,
					Institution:           strings.TrimSpace(a.Institution),
					InferredType:          reportType(a.Type),
					PartialNumber:         lastDigits(a.PartialNumber),
					Status:                models.DiscoveryPending,
					LastSeenAt:            now,
					Details:               models.MarshalDetails(map[string]interface{}{"source": "credit_report"}),
				}
				fromReport(d, a)
				result.Created++
				return discovered.Create(ctx, d)
			case err != nil:
				return err
			case d.Status == models.DiscoveryRejected:
				d.Status = models.DiscoveryPending
				d.ProcessedAt = nil
				d.LastSeenAt = now
				// Rejecting the discovery rejected its staged rows too.
				d.StagedDelta = decimal.Zero
				fromReport(d, a)
				result.Revived++
				return discovered.Save(ctx, d)
			default:
				result.Existing++
				return nil
			}
		})
		if err != nil {
			return result, err
		}
	}

	r.log.Info().
		Str("user_id", userID).
		Str("integration_id", integrationID.String()).
		Int("created", result.Created).
		Int("revived", result.Revived).
		Msg("imported credit report accounts")
	return result, nil
}

func fromReport(d *models.DiscoveredAccount, a ReportAccount) {
	if a.Balance != nil {
		bal := *a.Balance
		d.StatedBalance = &bal
	}
	d.Confidence = a.Confidence
	d.NeedsReview = a.Confidence < reviewConfidence
	d.InferredOpeningBalance = openingBalance(d)
}

// reportFingerprint names a report account the way alert mail does, so a
// later alert for the same account resolves to the same discovery.
func reportFingerprint(a ReportAccount) string {
	institution := strings.TrimSpace(a.Institution)
	last4 := lastDigits(a.PartialNumber)
	if institution == "" || last4 == "" {
		return ""
	}
	return institution + " ****" + last4
}

func reportType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if models.ValidAccountType(t) {
		return t
	}
	return models.AccountTypeBank
}

func lastDigits(s string) string {
	var digits []rune
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) < 4 {
		return ""
	}
	return string(digits[len(digits)-4:])
}
