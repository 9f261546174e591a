package handler_test

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"expense-reconciliation-backend/internal/config"
	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/routes"
	"expense-reconciliation-backend/internal/services/mailgateway"
	"expense-reconciliation-backend/internal/services/parser"
	service "expense-reconciliation-backend/internal/services/reconciliation"
	"expense-reconciliation-backend/internal/testutil"
)

type fixture struct {
	router *gin.Engine
	gmail  *mailgateway.FakeGateway
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	cfg := &config.Config{
		Sync:   config.SyncConfig{LookbackDays: 30, Concurrency: 2},
		Ledger: config.LedgerConfig{NegativeBalanceFloor: "-100000", AutoApplyConfidence: 0.9, DefaultCurrency: "INR"},
	}
	gmail := mailgateway.NewFake(models.ProviderGmail, "me@gmail.com")
	cipher, err := mailgateway.NewTokenCipher("handler-test-key")
	require.NoError(t, err)
	svc, err := service.NewReconciliationService(db, cfg, mailgateway.NewRegistry(gmail), parser.NewDefault(), cipher, zerolog.Nop())
	require.NoError(t, err)

	jwt := middleware.NewJWTManager("handler-secret", "expense-reconciliation", time.Hour)
	token, err := jwt.GenerateToken("user-1")
	require.NoError(t, err)

	r := gin.New()
	routes.RegisterRoutes(r, svc, jwt, zerolog.Nop())
	return &fixture{router: r, gmail: gmail, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set(middleware.AuthorizationHeader, middleware.BearerPrefix+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// connect walks the consent flow through the HTTP surface.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/integrations/connect/gmail", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	decode(t, w, &out)
	u, err := url.Parse(out.AuthURL)
	require.NoError(t, err)

	token := f.token
	f.token = ""
	w = f.do(t, http.MethodGet, "/api/integrations/callback/gmail?code=abc&state="+url.QueryEscape(u.Query().Get("state")), nil)
	f.token = token
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func sbiDebit(id, amount string) mailgateway.Message {
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	return mailgateway.Message{
		ID:         id,
		From:       "donotreply.sbiatm@alerts.sbi.co.in",
		Subject:    "Transaction alert",
		Body:       fmt.Sprintf("Dear Customer, your A/c XXXXX1234 has been debited by Rs. %s on %s towards ATM WDL.", amount, at.Format("02-01-2006")),
		ReceivedAt: at,
	}
}

type accountList struct {
	Items []struct {
		ID      string          `json:"id"`
		Balance decimal.Decimal `json:"balance"`
	} `json:"items"`
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t)
	f.token = ""

	w := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSyncEditAndListFlow(t *testing.T) {
	f := newFixture(t)
	f.gmail.Add(sbiDebit("m1", "500.00"))

	w := f.do(t, http.MethodPost, "/api/accounts", map[string]any{
		"type":            "bank",
		"display_name":    "SBI savings",
		"opening_balance": "10000",
		"fingerprints":    []string{"SBI Bank ****1234"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sync struct {
		TransactionsApplied int               `json:"transactions_applied"`
		Errors              []json.RawMessage `json:"errors"`
	}
	decode(t, w, &sync)
	require.Equal(t, 0, sync.TransactionsApplied)
	require.Len(t, sync.Errors, 1)

	f.connect(t)
	w = f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &sync)
	require.Equal(t, 1, sync.TransactionsApplied)
	require.Empty(t, sync.Errors)

	w = f.do(t, http.MethodGet, "/api/transactions?status=processed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"items"`
		HasMore bool `json:"has_more"`
	}
	decode(t, w, &page)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasMore)

	w = f.do(t, http.MethodPut, "/api/transactions/"+page.Items[0].ID, map[string]any{"amount": "800", "direction": "debit"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var accounts accountList
	decode(t, w, &accounts)
	require.Len(t, accounts.Items, 1)
	require.True(t, decimal.NewFromInt(9200).Equal(accounts.Items[0].Balance))

	w = f.do(t, http.MethodGet, "/api/accounts/"+accounts.Items[0].ID+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/transactions/"+page.Items[0].ID+"/reject", map[string]any{"note": "duplicate alert"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A rejected transaction can no longer be applied.
	w = f.do(t, http.MethodPost, "/api/transactions/"+page.Items[0].ID+"/apply", nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		RejectedCount int `json:"rejected_count"`
	}
	decode(t, w, &stats)
	require.Equal(t, 1, stats.RejectedCount)
}

func TestDiscoveryApprovalOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.gmail.Add(sbiDebit("m1", "250"))
	f.connect(t)

	w := f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/discovered-accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	decode(t, w, &list)
	require.Len(t, list.Items, 1)
	path := "/api/discovered-accounts/" + list.Items[0].ID

	w = f.do(t, http.MethodPost, path+"/approve", map[string]any{"type": "spaceship"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, path+"/approve", map[string]any{"display_name": "SBI salary", "opening_balance": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var approved struct {
		Account struct {
			Balance decimal.Decimal `json:"balance"`
		} `json:"account"`
		Applied []json.RawMessage `json:"applied"`
	}
	decode(t, w, &approved)
	require.Len(t, approved.Applied, 1)
	require.True(t, decimal.NewFromInt(750).Equal(approved.Account.Balance))

	w = f.do(t, http.MethodPost, path+"/approve", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed id", http.MethodPost, "/api/transactions/not-a-uuid/apply", nil, http.StatusBadRequest},
		{"unknown transaction", http.MethodGet, "/api/transactions/00000000-0000-0000-0000-000000000001", nil, http.StatusNotFound},
		{"unknown provider", http.MethodPost, "/api/integrations/connect/hotmail", nil, http.StatusBadRequest},
		{"bad include_rejected", http.MethodPost, "/api/reprocess?include_rejected=maybe", nil, http.StatusBadRequest},
		{"account without name", http.MethodPost, "/api/accounts", map[string]any{"type": "bank"}, http.StatusBadRequest},
		{"bad account type", http.MethodPost, "/api/accounts", map[string]any{"type": "boat", "display_name": "x"}, http.StatusBadRequest},
		{"unknown integration", http.MethodDelete, "/api/integrations/00000000-0000-0000-0000-000000000002", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/transactions?limit=-1", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	f.token = ""
	w := f.do(t, http.MethodGet, "/api/integrations/callback/gmail?code=abc&state=forged", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportReportOverHTTP(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"accounts": []map[string]any{
		{"institution": "ICICI Bank", "type": "loan", "partial_number": "XXXX2468", "balance": "250000", "confidence": 0.95},
	}}

	w := f.do(t, http.MethodPost, "/api/discovered-accounts/import", body)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	f.connect(t)
	w = f.do(t, http.MethodPost, "/api/discovered-accounts/import", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Created int `json:"created"`
	}
	decode(t, w, &res)
	require.Equal(t, 1, res.Created)

	w = f.do(t, http.MethodGet, "/api/discovered-accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []struct {
			InferredType           string          `json:"inferred_type"`
			InferredOpeningBalance decimal.Decimal `json:"inferred_opening_balance"`
		} `json:"items"`
	}
	decode(t, w, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, "loan", list.Items[0].InferredType)
	require.True(t, decimal.NewFromInt(250000).Equal(list.Items[0].InferredOpeningBalance))
}
