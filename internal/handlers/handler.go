package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"expense-reconciliation-backend/internal/repository"
	"expense-reconciliation-backend/internal/services/ledger"
	"expense-reconciliation-backend/internal/services/mailgateway"
	"expense-reconciliation-backend/internal/services/matching"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

type ReconciliationHandler struct {
	service *service.ReconciliationService
	log     zerolog.Logger
}

func NewReconciliationHandler(s *service.ReconciliationService, log zerolog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{service: s, log: log.With().Str("component", "http").Logger()}
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, matching.ErrInvalidTransition),
		errors.Is(err, matching.ErrAmbiguousFingerprint),
		errors.Is(err, ledger.ErrAwaitingDiscovery),
		errors.Is(err, ledger.ErrAccountRejected),
		errors.Is(err, service.ErrReconnectRequired),
		errors.Is(err, service.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, mailgateway.ErrInvalidState),
		errors.Is(err, mailgateway.ErrUnknownProvider),
		errors.Is(err, mailgateway.ErrUnauthorized):
		return http.StatusBadRequest
	case errors.Is(err, mailgateway.ErrTransient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *ReconciliationHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// pathID parses the :id parameter. It writes the 400 itself and reports
// false when the id is malformed.
func pathID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " ID"})
		return uuid.Nil, false
	}
	return id, true
}
