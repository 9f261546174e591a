package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"expense-reconciliation-backend/internal/middleware"
)

func (h *ReconciliationHandler) Connect(c *gin.Context) {
	authURL, err := h.service.Connect(c.Request.Context(), middleware.UserID(c), c.Param("provider"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL})
}

// Callback is the OAuth redirect target. It is not behind the JWT check;
// the state parameter carries the user.
func (h *ReconciliationHandler) Callback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consent denied: " + reason})
		return
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
		return
	}

	in, err := h.service.CompleteConnect(c.Request.Context(), c.Param("provider"), code, state)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "mailbox connected", "integration": in})
}

func (h *ReconciliationHandler) ListIntegrations(c *gin.Context) {
	items, err := h.service.ListIntegrations(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "providers": h.service.Providers()})
}

func (h *ReconciliationHandler) Disconnect(c *gin.Context) {
	id, ok := pathID(c, "integration")
	if !ok {
		return
	}
	if err := h.service.Disconnect(c.Request.Context(), middleware.UserID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "integration disconnected"})
}

func (h *ReconciliationHandler) ResetWatermark(c *gin.Context) {
	id, ok := pathID(c, "integration")
	if !ok {
		return
	}
	if err := h.service.ResetWatermarkForUser(c.Request.Context(), middleware.UserID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "watermark reset"})
}
