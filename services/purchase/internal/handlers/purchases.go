package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/libs/auth"
	"github.com/AfshinJalili/cryptobuy/libs/httpmiddleware"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/geoip"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/locks"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/ratelimit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ScopeAdmin is the API key scope that grants the back-office routes.
const ScopeAdmin = "purchase:admin"

type PurchaseService interface {
	Initiate(ctx context.Context, in purchase.InitiateInput) (*purchase.InitiateResult, error)
	VerifyWire(ctx context.Context, in purchase.VerifyWireInput) (*purchase.TransitionResult, error)
	Approve(ctx context.Context, in purchase.ApproveInput) (*purchase.TransitionResult, error)
	ResumeProcessing(ctx context.Context, in purchase.ResumeInput) (*purchase.TransitionResult, error)
	Get(ctx context.Context, id string) (*purchase.Purchase, error)
	GetForUser(ctx context.Context, userID, id string) (*purchase.Purchase, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]purchase.Purchase, error)
	PendingApproval(ctx context.Context, limit int) ([]purchase.Purchase, error)
	PendingWire(ctx context.Context, limit int) ([]purchase.Purchase, error)
	Processing(ctx context.Context, limit int) ([]purchase.Purchase, error)
}

type RateBook interface {
	Snapshot() []rates.Price
	Update(ctx context.Context, prices []rates.Price) ([]rates.Price, error)
}

// Handler serves the purchase API. Geo, Limiter, Keys and Records are optional.
type Handler struct {
	Service  PurchaseService
	Rates    RateBook
	Registry *currency.Registry
	Geo      geoip.Locator
	Limiter  ratelimit.Limiter
	Keys     apikey.Lookup
	Records  AccountRecords
	Logger   *slog.Logger
	Now      func() time.Time
}

type initiateRequest struct {
	CryptoType string `json:"crypto_type"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
}

type listPurchasesResponse struct {
	Purchases []purchase.Purchase `json:"purchases"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func New(service PurchaseService, book RateBook, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:  service,
		Rates:    book,
		Registry: currency.Default(),
		Geo:      geoip.Unknown{},
		Logger:   logger,
		Now:      time.Now,
	}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	user := r.Group("/v1", auth.Middleware(jwtSecret))
	user.POST("/purchases", h.InitiatePurchase)
	user.GET("/purchases", h.ListPurchases)
	user.GET("/purchases/:id", h.GetPurchase)
	user.GET("/currencies", h.ListCurrencies)
	user.GET("/currencies/detect", h.DetectCurrency)
	user.GET("/rates/crypto", h.CryptoRates)
	if h.Records != nil {
		user.GET("/balances", h.ListBalances)
	}

	admin := r.Group("/v1/admin")
	if h.Keys != nil {
		admin.Use(apikey.Middleware(h.Keys, ScopeAdmin, auth.ContextUserIDKey, true, h.Logger))
	}
	admin.Use(requireAdmin(jwtSecret))
	admin.GET("/purchases/pending-approval", h.PendingApproval)
	admin.GET("/purchases/pending-wire", h.PendingWire)
	admin.GET("/purchases/processing", h.ProcessingQueue)
	admin.GET("/purchases/:id", h.AdminGetPurchase)
	admin.POST("/purchases/:id/verify-wire", h.VerifyWire)
	admin.POST("/purchases/:id/approve", h.Approve)
	admin.POST("/purchases/:id/resume", h.ResumeProcessing)
	admin.PUT("/rates/crypto", h.UpdateCryptoRates)
	if h.Records != nil {
		admin.GET("/users/:id/compliance-logs", h.ComplianceLogs)
	}
}

func (h *Handler) InitiatePurchase(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be decimal", nil)
		return
	}
	if strings.TrimSpace(req.CryptoType) == "" || strings.TrimSpace(req.Currency) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "crypto_type and currency are required", nil)
		return
	}

	if !h.allow(c, userID) {
		return
	}

	result, err := h.Service.Initiate(c.Request.Context(), purchase.InitiateInput{
		UserID:        userID,
		CryptoType:    req.CryptoType,
		Amount:        amount,
		Currency:      req.Currency,
		IPAddress:     c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		CorrelationID: httpmiddleware.RequestIDFrom(c),
	})
	if err != nil {
		h.writeServiceError(c, "initiate purchase", err)
		return
	}

	if !result.Success {
		writeError(c, http.StatusUnprocessableEntity, "COMPLIANCE_FAILED", result.Message, gin.H{
			"compliance_check": result.Verdict,
			"next_steps":       result.NextSteps,
		})
		return
	}
	c.JSON(http.StatusCreated, result)
}

// allow applies the per-user initiate throttle. Limiter errors let the request
// through.
func (h *Handler) allow(c *gin.Context, userID string) bool {
	if h.Limiter == nil {
		return true
	}
	ok, retryAfter, err := h.Limiter.Allow(c.Request.Context(), "initiate:"+userID, h.Now())
	if err != nil {
		h.Logger.Warn("rate limiter unavailable", "user_id", userID, "error", err)
		return true
	}
	if !ok {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		return false
	}
	return true
}

func (h *Handler) ListPurchases(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	items, err := h.Service.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(c, "list purchases", err)
		return
	}
	c.JSON(http.StatusOK, listPurchasesResponse{Purchases: nonNilPurchases(items)})
}

func (h *Handler) GetPurchase(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	id, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid purchase id", nil)
		return
	}

	p, err := h.Service.GetForUser(c.Request.Context(), userID, id)
	if err != nil {
		h.writeServiceError(c, "get purchase", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) writeServiceError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, currency.ErrUnsupportedCurrency):
		writeError(c, http.StatusBadRequest, "UNSUPPORTED_CURRENCY", err.Error(), nil)
	case errors.Is(err, rates.ErrUnsupportedCrypto):
		writeError(c, http.StatusBadRequest, "UNSUPPORTED_CRYPTO", err.Error(), nil)
	case errors.Is(err, purchase.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, rates.ErrRateUnavailable):
		writeError(c, http.StatusServiceUnavailable, "RATE_UNAVAILABLE", "exchange rate unavailable", nil)
	case errors.Is(err, purchase.ErrPurchaseNotFound):
		writeError(c, http.StatusNotFound, "PURCHASE_NOT_FOUND", "purchase not found", nil)
	case errors.Is(err, purchase.ErrInvalidStateTransition):
		writeError(c, http.StatusConflict, "INVALID_STATE_TRANSITION", err.Error(), nil)
	case errors.Is(err, purchase.ErrStaleState):
		writeError(c, http.StatusConflict, "STALE_STATE", "purchase changed concurrently, reload and retry", nil)
	case errors.Is(err, purchase.ErrLedgerCreditFailure):
		h.Logger.Error(op+" credit failed", "error", err, "request_id", httpmiddleware.RequestIDFrom(c))
		writeError(c, http.StatusInternalServerError, "LEDGER_CREDIT_FAILURE", "crypto credit failed, check the purchase status", nil)
	case errors.Is(err, locks.ErrNotAcquired):
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "another purchase is in progress", nil)
	default:
		h.Logger.Error(op+" failed", "error", err, "request_id", httpmiddleware.RequestIDFrom(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func userIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return "", false
	}
	userID, ok := val.(string)
	if !ok {
		return "", false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

func parseUUIDParam(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("missing id")
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
		return 0, false
	}
	return n, true
}

func nonNilPurchases(items []purchase.Purchase) []purchase.Purchase {
	if items == nil {
		return []purchase.Purchase{}
	}
	return items
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}
