// Package compliance scores a purchase request against the reporting regime of
// its currency, the user's KYC state and their recent purchase velocity.
package compliance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/velocity"
	"github.com/shopspring/decimal"
)

var ErrUserNotFound = errors.New("user not found")

var (
	kycBandRatio       = decimal.RequireFromString("0.5")
	annualVolumeFactor = decimal.NewFromInt(10)
)

// UserContext is the compliance-relevant view of a user.
type UserContext struct {
	Country             string          `json:"country"`
	KYCVerified         bool            `json:"kyc_verified"`
	KYCLevel            int             `json:"kyc_level"`
	AnnualVolume        decimal.Decimal `json:"annual_volume"`
	LastTransactionDate *time.Time      `json:"last_transaction_date,omitempty"`
}

type Input struct {
	UserID   string
	Currency currency.Code
	Amount   decimal.Decimal
	// IPCountry is the geo-located country of the request, empty when unknown.
	IPCountry string
	// User is nil when the user could not be resolved.
	User *UserContext
	// History holds prior purchases already restricted to the velocity window.
	History []velocity.Transaction
}

type Verdict struct {
	Passed                 bool               `json:"passed"`
	RiskLevel              RiskLevel          `json:"risk_level"`
	RequiresKYC            bool               `json:"requires_kyc"`
	RequiresManualApproval bool               `json:"requires_manual_approval"`
	ExceedsThreshold       bool               `json:"exceeds_threshold"`
	ThresholdType          string             `json:"threshold_type,omitempty"`
	RegulatoryNotes        string             `json:"regulatory_notes,omitempty"`
	VelocityWarning        bool               `json:"velocity_warning"`
	StructuringDetected    bool               `json:"structuring_detected"`
	Details                []string           `json:"details"`
	Velocity               *velocity.Snapshot `json:"velocity,omitempty"`
	// RiskTrail records the risk level after each check, in order.
	RiskTrail []RiskLevel `json:"risk_trail"`
}

type Evaluator struct {
	registry *currency.Registry
}

func NewEvaluator(registry *currency.Registry) *Evaluator {
	if registry == nil {
		registry = currency.Default()
	}
	return &Evaluator{registry: registry}
}

// evaluation accumulates one verdict; risk only ever moves up.
type evaluation struct {
	v Verdict
}

func (e *evaluation) escalate(level RiskLevel) {
	e.v.RiskLevel = e.v.RiskLevel.AtLeast(level)
}

func (e *evaluation) checkpoint() {
	e.v.RiskTrail = append(e.v.RiskTrail, e.v.RiskLevel)
}

func (e *evaluation) detail(format string, args ...any) {
	e.v.Details = append(e.v.Details, fmt.Sprintf(format, args...))
}

// Evaluate runs the ordered checks. The only error is an unsupported currency;
// an unknown user is a CRITICAL verdict, not an error. Evaluate performs no I/O
// and reads no clock.
func (ev *Evaluator) Evaluate(in Input) (Verdict, error) {
	profile, err := ev.registry.Profile(in.Currency)
	if err != nil {
		return Verdict{}, err
	}

	e := &evaluation{v: Verdict{Passed: true, RiskLevel: RiskLow, Details: []string{}}}
	threshold := profile.ReportingThreshold

	// 1. reporting threshold, inclusive
	if in.Amount.GreaterThanOrEqual(threshold) {
		e.v.ExceedsThreshold = true
		e.v.ThresholdType = profile.ThresholdType()
		e.v.RequiresKYC = true
		e.v.RequiresManualApproval = true
		e.escalate(RiskHigh)
		e.detail("Transaction of %s exceeds %s reporting threshold of %s%s",
			profile.Format(in.Amount), profile.RegulatoryBody, profile.Symbol, threshold.String())
		e.detail("%s", profile.RegulatoryNotes)
		e.detail("Enhanced due diligence required - KYC verification and manual approval needed")
	}
	e.checkpoint()

	// 2. user must exist
	if in.User == nil {
		e.v.Passed = false
		e.escalate(RiskCritical)
		e.v.Details = []string{"User not found"}
		e.checkpoint()
		return e.v, nil
	}
	user := in.User
	e.checkpoint()

	// 3. declared country vs geo-located IP
	userCountry := strings.ToUpper(strings.TrimSpace(user.Country))
	ipCountry := strings.ToUpper(strings.TrimSpace(in.IPCountry))
	if userCountry != "" && ipCountry != "" && userCountry != ipCountry {
		e.escalate(RiskMedium)
		e.v.RequiresManualApproval = true
		e.detail("Location mismatch: User country (%s) differs from detected IP country (%s)", userCountry, ipCountry)
	}
	e.checkpoint()

	// 4. velocity and structuring
	snap := velocity.Detect(profile.StructuringThreshold, in.Amount, in.History)
	e.v.Velocity = &snap
	if snap.SuspiciousPattern {
		e.v.VelocityWarning = true
		e.v.StructuringDetected = snap.StructuringDetected
		e.v.RequiresManualApproval = true
		e.v.Passed = false
		e.escalate(RiskHigh)
		e.detail("ALERT: Suspicious transaction velocity detected")
		e.detail("%d transactions totaling %s in last %d hours",
			snap.TransactionCount, profile.Format(snap.TotalAmount), snap.TimeWindowHours)
		if snap.StructuringDetected {
			e.detail("STRUCTURING DETECTED: Multiple transactions below reporting threshold may indicate attempt to avoid regulatory reporting")
			e.detail("This pattern violates anti-money laundering regulations and requires immediate manual review")
		}
	}
	e.checkpoint()

	// 5. KYC band at half the threshold
	kycBand := threshold.Mul(kycBandRatio)
	if in.Amount.GreaterThanOrEqual(kycBand) {
		e.v.RequiresKYC = true
		if !user.KYCVerified {
			e.v.Passed = false
			e.escalate(RiskMedium)
			e.detail("KYC verification required for transactions above %s", profile.Format(kycBand))
		}
	}
	e.checkpoint()

	// 6. cumulative volume
	projected := user.AnnualVolume.Add(in.Amount)
	if projected.GreaterThan(threshold.Mul(annualVolumeFactor)) {
		e.v.RequiresManualApproval = true
		if e.v.RiskLevel == RiskLow {
			e.escalate(RiskMedium)
		} else {
			e.escalate(RiskHigh)
		}
		e.detail("Annual transaction volume approaching regulatory scrutiny level: %s", profile.Format(projected))
	}
	e.checkpoint()

	// 7. KYC-gated purchases are never LOW
	if e.v.RiskLevel == RiskLow && e.v.RequiresKYC {
		e.escalate(RiskMedium)
	}
	if e.v.Passed && e.v.RiskLevel == RiskLow {
		e.detail("Transaction approved: %s %s within normal limits", profile.Format(in.Amount), profile.Code)
	}
	e.checkpoint()

	e.v.RegulatoryNotes = profile.RegulatoryNotes
	return e.v, nil
}
