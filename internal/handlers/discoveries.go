package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/models"
	"expense-reconciliation-backend/internal/services/matching"
)

func (h *ReconciliationHandler) ListDiscovered(c *gin.Context) {
	status := c.DefaultQuery("status", models.DiscoveryPending)
	items, err := h.service.ListDiscovered(c.Request.Context(), middleware.UserID(c), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ApproveDiscovered turns a discovery into an account. Every field is
// optional; the inferred type and institution name fill the gaps.
func (h *ReconciliationHandler) ApproveDiscovered(c *gin.Context) {
	id, ok := pathID(c, "discovered account")
	if !ok {
		return
	}

	var payload struct {
		Type           string           `json:"type"`
		DisplayName    string           `json:"display_name"`
		Currency       string           `json:"currency"`
		OpeningBalance *decimal.Decimal `json:"opening_balance"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	result, err := h.service.ApproveDiscovered(c.Request.Context(), middleware.UserID(c), id, matching.ApproveInput{
		Type:           payload.Type,
		DisplayName:    payload.DisplayName,
		Currency:       payload.Currency,
		OpeningBalance: payload.OpeningBalance,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ReconciliationHandler) RejectDiscovered(c *gin.Context) {
	id, ok := pathID(c, "discovered account")
	if !ok {
		return
	}
	d, err := h.service.RejectDiscovered(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "discovered account rejected", "discovered_account": d})
}

// ImportReport stages the accounts listed in a parsed credit-bureau report.
func (h *ReconciliationHandler) ImportReport(c *gin.Context) {
	var payload struct {
		IntegrationID *uuid.UUID              `json:"integration_id"`
		Accounts      []matching.ReportAccount `json:"accounts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	result, err := h.service.ImportReportAccounts(c.Request.Context(), middleware.UserID(c), payload.IntegrationID, payload.Accounts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
