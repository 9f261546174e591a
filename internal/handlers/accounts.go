package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"expense-reconciliation-backend/internal/middleware"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

func (h *ReconciliationHandler) ListAccounts(c *gin.Context) {
	items, err := h.service.ListAccounts(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *ReconciliationHandler) CreateAccount(c *gin.Context) {
	var payload struct {
		Type           string          `json:"type" binding:"required"`
		DisplayName    string          `json:"display_name" binding:"required"`
		Currency       string          `json:"currency"`
		OpeningBalance decimal.Decimal `json:"opening_balance"`
		Fingerprints   []string        `json:"fingerprints"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	acct, err := h.service.CreateAccount(c.Request.Context(), middleware.UserID(c), service.CreateAccountInput{
		Type:           payload.Type,
		DisplayName:    payload.DisplayName,
		Currency:       payload.Currency,
		OpeningBalance: payload.OpeningBalance,
		Fingerprints:   payload.Fingerprints,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (h *ReconciliationHandler) AddFingerprint(c *gin.Context) {
	id, ok := pathID(c, "account")
	if !ok {
		return
	}
	var payload struct {
		Fingerprint string `json:"fingerprint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	acct, err := h.service.AddFingerprint(c.Request.Context(), middleware.UserID(c), id, payload.Fingerprint)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *ReconciliationHandler) AccountLedger(c *gin.Context) {
	id, ok := pathID(c, "account")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.AccountHistory(c.Request.Context(), middleware.UserID(c), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}
