package handlers

import (
	"context"
	"net/http"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/storage"
	"github.com/gin-gonic/gin"
)

// AccountRecords exposes settled balances and the compliance trail.
type AccountRecords interface {
	Balances(ctx context.Context, userID string) ([]storage.Balance, error)
	ComplianceLogs(ctx context.Context, userID string, limit int) ([]audit.Event, error)
}

type balancesResponse struct {
	Balances []storage.Balance `json:"balances"`
}

type complianceLogsResponse struct {
	UserID string        `json:"user_id"`
	Events []audit.Event `json:"events"`
}

func (h *Handler) ListBalances(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	balances, err := h.Records.Balances(c.Request.Context(), userID)
	if err != nil {
		h.writeServiceError(c, "list balances", err)
		return
	}
	if balances == nil {
		balances = []storage.Balance{}
	}
	c.JSON(http.StatusOK, balancesResponse{Balances: balances})
}

func (h *Handler) ComplianceLogs(c *gin.Context) {
	userID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid user id", nil)
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	events, err := h.Records.ComplianceLogs(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(c, "list compliance logs", err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, complianceLogsResponse{UserID: userID, Events: events})
}
