package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"expense-reconciliation-backend/internal/middleware"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

// Sync runs a manual sync across the caller's mailboxes. Per-mailbox
// failures are reported in the body; the request itself succeeds.
func (h *ReconciliationHandler) Sync(c *gin.Context) {
	result, err := h.service.SyncAll(c.Request.Context(), middleware.UserID(c), service.TriggerManual)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ReconciliationHandler) Reprocess(c *gin.Context) {
	includeRejected, err := strconv.ParseBool(c.DefaultQuery("include_rejected", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "include_rejected must be a boolean"})
		return
	}
	result, err := h.service.ReprocessAll(c.Request.Context(), middleware.UserID(c), includeRejected)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ReconciliationHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ReconciliationHandler) ListSyncRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.service.ListSyncRuns(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}
