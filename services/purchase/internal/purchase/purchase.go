// Package purchase drives a fiat-to-crypto purchase from compliance screening
// through wire verification, admin review and crediting.
package purchase

import (
	"errors"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/shopspring/decimal"
)

var (
	ErrPurchaseNotFound       = errors.New("purchase not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStaleState             = errors.New("purchase state changed concurrently")
	ErrLedgerCreditFailure    = errors.New("ledger credit failed")
	ErrDuplicateReference     = errors.New("wire reference already in use")
	ErrInvalidAmount          = errors.New("amount must be positive")
)

type Purchase struct {
	ID                     string               `json:"id"`
	UserID                 string               `json:"user_id"`
	CryptoType             rates.Crypto         `json:"crypto_type"`
	Amount                 decimal.Decimal      `json:"amount"`
	Currency               currency.Code        `json:"currency"`
	FiatAmount             decimal.Decimal      `json:"fiat_amount"`
	ExchangeRate           decimal.Decimal      `json:"exchange_rate"`
	RateAsOf               time.Time            `json:"rate_as_of"`
	CryptoPriceUSD         decimal.Decimal      `json:"crypto_price_usd"`
	Status                 Status               `json:"status"`
	ComplianceCheckPassed  bool                 `json:"compliance_check_passed"`
	RequiresKYC            bool                 `json:"requires_kyc"`
	RequiresManualApproval bool                 `json:"requires_manual_approval"`
	RiskLevel              compliance.RiskLevel `json:"risk_level"`
	WireReference          string               `json:"wire_reference"`
	WireVerified           bool                 `json:"wire_verified"`
	WireVerifiedAt         *time.Time           `json:"wire_verified_at,omitempty"`
	WireVerifiedBy         string               `json:"wire_verified_by,omitempty"`
	AdminApproved          bool                 `json:"admin_approved"`
	AdminApprovedAt        *time.Time           `json:"admin_approved_at,omitempty"`
	AdminApprovedBy        string               `json:"admin_approved_by,omitempty"`
	ComplianceNotes        string               `json:"compliance_notes,omitempty"`
	FailureReason          string               `json:"failure_reason,omitempty"`
	CompletedAt            *time.Time           `json:"completed_at,omitempty"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

func appendNote(notes, label, text string) string {
	if text == "" {
		return notes
	}
	return notes + "\n\n" + label + ": " + text
}

func timePtr(t time.Time) *time.Time { return &t }
