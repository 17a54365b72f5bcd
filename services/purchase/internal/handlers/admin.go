package handlers

import (
	"net/http"
	"strings"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/libs/auth"
	"github.com/AfshinJalili/cryptobuy/libs/httpmiddleware"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/gin-gonic/gin"
)

type reviewRequest struct {
	Verified *bool  `json:"verified"`
	Approved *bool  `json:"approved"`
	Notes    string `json:"notes"`
}

// requireAdmin admits requests already authenticated by an admin API key, or
// carrying a bearer token with the admin role.
func requireAdmin(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := apikey.RecordFrom(c); ok {
			c.Next()
			return
		}

		token := auth.ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing credentials"})
			return
		}
		claims, err := auth.ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
			return
		}
		if !claims.HasRole(auth.RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "admin role required"})
			return
		}
		c.Set(auth.ContextUserIDKey, claims.Subject)
		c.Set(auth.ContextClaimsKey, claims)
		c.Next()
	}
}

func adminIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(auth.ContextUserIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func (h *Handler) VerifyWire(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid purchase id", nil)
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Verified == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "verified is required", nil)
		return
	}

	adminID := adminIDFromContext(c)
	res, err := h.Service.VerifyWire(c.Request.Context(), purchase.VerifyWireInput{
		PurchaseID:    id,
		AdminID:       adminID,
		Verified:      *req.Verified,
		Notes:         strings.TrimSpace(req.Notes),
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeServiceError(c, "verify wire", err)
		return
	}
	h.Logger.Info("wire reviewed", "purchase_id", id, "admin_id", adminID, "verified", *req.Verified, "status", res.Purchase.Status)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Approve(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid purchase id", nil)
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Approved == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "approved is required", nil)
		return
	}

	adminID := adminIDFromContext(c)
	res, err := h.Service.Approve(c.Request.Context(), purchase.ApproveInput{
		PurchaseID:    id,
		AdminID:       adminID,
		Approved:      *req.Approved,
		Notes:         strings.TrimSpace(req.Notes),
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeServiceError(c, "approve purchase", err)
		return
	}
	h.Logger.Info("purchase reviewed", "purchase_id", id, "admin_id", adminID, "approved", *req.Approved, "status", res.Purchase.Status)
	c.JSON(http.StatusOK, res)
}

// ResumeProcessing retries the completion of a purchase stuck in PROCESSING.
func (h *Handler) ResumeProcessing(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid purchase id", nil)
		return
	}

	adminID := adminIDFromContext(c)
	res, err := h.Service.ResumeProcessing(c.Request.Context(), purchase.ResumeInput{
		PurchaseID:    id,
		AdminID:       adminID,
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeServiceError(c, "resume purchase", err)
		return
	}
	h.Logger.Info("purchase resumed", "purchase_id", id, "admin_id", adminID, "status", res.Purchase.Status)
	c.JSON(http.StatusOK, res)
}

func (h *Handler) PendingApproval(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := h.Service.PendingApproval(c.Request.Context(), limit)
	if err != nil {
		h.writeServiceError(c, "pending approval", err)
		return
	}
	c.JSON(http.StatusOK, listPurchasesResponse{Purchases: nonNilPurchases(items)})
}

func (h *Handler) PendingWire(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := h.Service.PendingWire(c.Request.Context(), limit)
	if err != nil {
		h.writeServiceError(c, "pending wire", err)
		return
	}
	c.JSON(http.StatusOK, listPurchasesResponse{Purchases: nonNilPurchases(items)})
}

func (h *Handler) ProcessingQueue(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	items, err := h.Service.Processing(c.Request.Context(), limit)
	if err != nil {
		h.writeServiceError(c, "processing queue", err)
		return
	}
	c.JSON(http.StatusOK, listPurchasesResponse{Purchases: nonNilPurchases(items)})
}

func (h *Handler) AdminGetPurchase(c *gin.Context) {
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid purchase id", nil)
		return
	}
	p, err := h.Service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "get purchase", err)
		return
	}
	c.JSON(http.StatusOK, p)
}
