package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"expense-reconciliation-backend/internal/middleware"
	"expense-reconciliation-backend/internal/repository"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

func (h *ReconciliationHandler) ListTransactions(c *gin.Context) {
	f := repository.ListFilter{
		Status: c.Query("status"),
		Cursor: c.Query("cursor"),
		Search: c.Query("q"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = limit
	}
	if raw := c.Query("integration_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid integration ID"})
			return
		}
		f.IntegrationID = &id
	}

	page, err := h.service.ListTransactions(c.Request.Context(), middleware.UserID(c), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *ReconciliationHandler) GetTransaction(c *gin.Context) {
	id, ok := pathID(c, "transaction")
	if !ok {
		return
	}
	tx, err := h.service.GetTransaction(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *ReconciliationHandler) ApplyTransaction(c *gin.Context) {
	id, ok := pathID(c, "transaction")
	if !ok {
		return
	}

	var payload struct {
		AccountID string `json:"account_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	var accountID *uuid.UUID
	if payload.AccountID != "" {
		parsed, err := uuid.Parse(payload.AccountID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account ID"})
			return
		}
		accountID = &parsed
	}

	result, err := h.service.ApplyTransaction(c.Request.Context(), middleware.UserID(c), id, accountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction applied", "result": result})
}

func (h *ReconciliationHandler) RejectTransaction(c *gin.Context) {
	id, ok := pathID(c, "transaction")
	if !ok {
		return
	}

	var payload struct {
		Note string `json:"note"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	tx, err := h.service.RejectTransaction(c.Request.Context(), middleware.UserID(c), id, payload.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction rejected", "transaction": tx})
}

// UpdateTransaction corrects the amount or direction the parser read.
func (h *ReconciliationHandler) UpdateTransaction(c *gin.Context) {
	id, ok := pathID(c, "transaction")
	if !ok {
		return
	}

	var payload struct {
		Amount    decimal.Decimal `json:"amount"`
		Direction string          `json:"direction" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	tx, result, err := h.service.UpdateTransaction(c.Request.Context(), middleware.UserID(c), id, service.TransactionUpdate{
		Amount:    payload.Amount,
		Direction: payload.Direction,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction updated", "transaction": tx, "result": result})
}
