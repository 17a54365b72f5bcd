package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type currenciesResponse struct {
	Currencies []currency.Profile `json:"currencies"`
}

type detectResponse struct {
	IP       string           `json:"ip"`
	Country  string           `json:"country,omitempty"`
	Detected bool             `json:"detected"`
	Currency currency.Code    `json:"currency"`
	Profile  currency.Profile `json:"profile"`
}

type cryptoRatesResponse struct {
	Prices []rates.Price `json:"prices"`
}

type updateRatesResponse struct {
	Applied []rates.Price `json:"applied"`
	Skipped int           `json:"skipped"`
}

func (h *Handler) ListCurrencies(c *gin.Context) {
	c.JSON(http.StatusOK, currenciesResponse{Currencies: h.Registry.Profiles()})
}

// DetectCurrency suggests a currency from the caller's address, or from ?ip=.
func (h *Handler) DetectCurrency(c *gin.Context) {
	ip := strings.TrimSpace(c.Query("ip"))
	if ip == "" {
		ip = c.ClientIP()
	}

	resp := detectResponse{IP: ip, Currency: currency.USD}
	if h.Geo != nil {
		if country, ok := h.Geo.Country(ip); ok {
			resp.Country = country
			resp.Detected = true
			resp.Currency = currency.ForCountry(country)
		}
	}
	profile, err := h.Registry.Profile(resp.Currency)
	if err != nil {
		resp.Currency = currency.USD
		profile, _ = h.Registry.Profile(currency.USD)
	}
	resp.Profile = profile
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CryptoRates(c *gin.Context) {
	c.JSON(http.StatusOK, cryptoRatesResponse{Prices: h.Rates.Snapshot()})
}

// UpdateCryptoRates takes a map of asset to USD price, e.g. {"BTC": "65000"}.
func (h *Handler) UpdateCryptoRates(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "prices are required", nil)
		return
	}

	now := h.Now().UTC()
	source := "admin"
	if id := adminIDFromContext(c); id != "" {
		source = "admin:" + id
	}
	prices := make([]rates.Price, 0, len(req))
	for asset, raw := range req {
		code, err := rates.ParseCrypto(asset)
		if err != nil {
			writeError(c, http.StatusBadRequest, "UNSUPPORTED_CRYPTO", err.Error(), nil)
			return
		}
		usd, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !usd.IsPositive() {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("price for %s must be a positive decimal", code), nil)
			return
		}
		prices = append(prices, rates.Price{Asset: code, USD: usd, AsOf: now, Source: source})
	}

	applied, err := h.Rates.Update(c.Request.Context(), prices)
	if err != nil {
		h.writeServiceError(c, "update crypto rates", err)
		return
	}
	h.Logger.Info("crypto rates updated", "source", source, "applied", len(applied))
	if applied == nil {
		applied = []rates.Price{}
	}
	c.JSON(http.StatusOK, updateRatesResponse{Applied: applied, Skipped: len(prices) - len(applied)})
}
