package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/trace"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/geoip"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/locks"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/velocity"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	msgInitiated       = "Purchase initiated successfully. Please complete wire transfer."
	msgComplianceFail  = "Compliance check failed. Manual review required."
	msgWireVerified    = "Wire transfer verified successfully"
	msgWireFailed      = "Wire transfer verification failed"
	msgApproved        = "Purchase approved and processing"
	msgRejected        = "Purchase rejected"
	msgResumed         = "Purchase completion resumed"
	referenceAttempts  = 3
	userListLimit      = 20
	queueListLimit     = 50
	maxListLimit       = 200
	labelWireVerify    = "Wire Verification"
	labelAdminDecision = "Admin Decision"

	// completionTimeout bounds the credit unit and the FAILED fallback, both of
	// which run detached from the caller's cancellation.
	completionTimeout = 15 * time.Second
)

var reviewSteps = []string{
	"Your transaction has been flagged for manual review",
	"Our compliance team will contact you within 24-48 hours",
	"Please ensure your KYC documents are up to date",
}

// UserContextProvider returns compliance.ErrUserNotFound for unknown users.
type UserContextProvider interface {
	LoadUserContext(ctx context.Context, userID string) (*compliance.UserContext, error)
}

// Repository persists purchases. UpdatePurchase writes p only while the stored
// status still equals expected and returns ErrStaleState otherwise.
type Repository interface {
	CreatePurchase(ctx context.Context, p *Purchase) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	FindRecentByUserAndCurrency(ctx context.Context, userID string, code currency.Code, since time.Time) ([]velocity.Transaction, error)
	UpdatePurchase(ctx context.Context, expected Status, p *Purchase) error
}

// Queries lists purchases: a user's newest first, a status queue oldest first.
type Queries interface {
	ListUserPurchases(ctx context.Context, userID string, limit int) ([]Purchase, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Purchase, error)
}

// Ledger moves balances. Calls made through a Transactor commit or roll back
// together with the purchase update.
type Ledger interface {
	Credit(ctx context.Context, userID string, asset rates.Crypto, amount decimal.Decimal) error
	AddAnnualVolume(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(repo Repository, ledger Ledger) error) error
}

type PriceSource interface {
	Price(asset rates.Crypto) (rates.Price, error)
}

type Deps struct {
	Registry  *currency.Registry
	Evaluator *compliance.Evaluator
	Rates     rates.Provider
	Prices    PriceSource
	Users     UserContextProvider
	Repo      Repository
	Queries   Queries
	Tx        Transactor
	Locker    locks.Locker
	Audit     audit.Sink
	Geo       geoip.Locator
	Logger    *slog.Logger
	Metrics   *Metrics
	Now       func() time.Time
	NewID     func() string
}

type Service struct {
	registry  *currency.Registry
	evaluator *compliance.Evaluator
	rates     rates.Provider
	prices    PriceSource
	users     UserContextProvider
	repo      Repository
	queries   Queries
	tx        Transactor
	locker    locks.Locker
	audit     audit.Sink
	geo       geoip.Locator
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
	newID     func() string
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Rates == nil:
		return nil, errors.New("rate provider not configured")
	case d.Prices == nil:
		return nil, errors.New("crypto prices not configured")
	case d.Users == nil:
		return nil, errors.New("user context provider not configured")
	case d.Repo == nil:
		return nil, errors.New("purchase repository not configured")
	case d.Tx == nil:
		return nil, errors.New("transactor not configured")
	}
	if d.Registry == nil {
		d.Registry = currency.Default()
	}
	if d.Evaluator == nil {
		d.Evaluator = compliance.NewEvaluator(d.Registry)
	}
	if d.Locker == nil {
		d.Locker = locks.NewSharded()
	}
	if d.Audit == nil {
		d.Audit = audit.Discard
	}
	if d.Geo == nil {
		d.Geo = geoip.Unknown{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Service{
		registry:  d.Registry,
		evaluator: d.Evaluator,
		rates:     d.Rates,
		prices:    d.Prices,
		users:     d.Users,
		repo:      d.Repo,
		queries:   d.Queries,
		tx:        d.Tx,
		locker:    d.Locker,
		audit:     d.Audit,
		geo:       d.Geo,
		logger:    d.Logger,
		metrics:   d.Metrics,
		now:       d.Now,
		newID:     d.NewID,
	}, nil
}

type InitiateInput struct {
	UserID        string
	CryptoType    string
	Amount        decimal.Decimal
	Currency      string
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

type InitiateResult struct {
	Success          bool               `json:"success"`
	Purchase         *Purchase          `json:"purchase,omitempty"`
	Verdict          compliance.Verdict `json:"compliance_check"`
	WireInstructions *WireInstructions  `json:"wire_instructions,omitempty"`
	Message          string             `json:"message"`
	NextSteps        []string           `json:"next_steps"`
}

type TransitionResult struct {
	Message  string    `json:"message"`
	Purchase *Purchase `json:"purchase"`
}

// Initiate screens a purchase request and, when it passes, records a Purchase
// awaiting the user's wire. Requests for the same user and currency run one at
// a time so each sees the others in its velocity window.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (result *InitiateResult, err error) {
	started := time.Now()
	ctx, span := trace.Start(ctx, "purchase.Initiate")
	defer func() {
		label := "error"
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case result.Success:
			label = "passed"
		default:
			label = "failed"
		}
		s.metrics.observeInitiation(label, started)
		span.End()
	}()

	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	asset, err := rates.ParseCrypto(in.CryptoType)
	if err != nil {
		return nil, err
	}
	code, err := s.registry.Parse(in.Currency)
	if err != nil {
		return nil, err
	}
	profile, err := s.registry.Profile(code)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("purchase.currency", string(code)), attribute.String("purchase.asset", string(asset)))

	unlock, err := s.locker.Lock(ctx, in.UserID+"|"+string(code))
	if err != nil {
		return nil, fmt.Errorf("serialize initiate: %w", err)
	}
	defer unlock()

	now := s.now().UTC()

	price, err := s.prices.Price(asset)
	if err != nil {
		return nil, err
	}
	usdAmount := in.Amount.Mul(price.USD)
	conv, err := rates.Convert(ctx, s.rates, usdAmount, currency.USD, code)
	if err != nil {
		return nil, err
	}
	fiatAmount := conv.Amount.Round(2)

	user, err := s.users.LoadUserContext(ctx, in.UserID)
	if err != nil {
		if !errors.Is(err, compliance.ErrUserNotFound) {
			return nil, fmt.Errorf("load user context: %w", err)
		}
		user = nil
	}

	since := velocity.Since(now)
	history, err := s.repo.FindRecentByUserAndCurrency(ctx, in.UserID, code, since)
	if err != nil {
		return nil, fmt.Errorf("load recent purchases: %w", err)
	}

	ipCountry, _ := s.geo.Country(in.IPAddress)
	verdict, err := s.evaluator.Evaluate(compliance.Input{
		UserID:    in.UserID,
		Currency:  code,
		Amount:    fiatAmount,
		IPCountry: ipCountry,
		User:      user,
		History:   velocity.Within(history, since),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.observeVerdict(verdict.RiskLevel.String(), verdict.Passed)
	span.SetAttributes(attribute.String("compliance.risk_level", verdict.RiskLevel.String()), attribute.Bool("compliance.passed", verdict.Passed))

	if !verdict.Passed {
		s.record(ctx, s.initiatedEvent(in, code, fiatAmount, verdict, "", now))
		s.logger.Info("purchase blocked by compliance",
			"user_id", in.UserID,
			"currency", code,
			"risk_level", verdict.RiskLevel.String(),
			"structuring", verdict.StructuringDetected,
		)
		return &InitiateResult{
			Success:   false,
			Verdict:   verdict,
			Message:   msgComplianceFail,
			NextSteps: append([]string(nil), reviewSteps...),
		}, nil
	}

	p := &Purchase{
		ID:                     s.newID(),
		UserID:                 in.UserID,
		CryptoType:             asset,
		Amount:                 in.Amount,
		Currency:               code,
		FiatAmount:             fiatAmount,
		ExchangeRate:           conv.Rate,
		RateAsOf:               conv.AsOf,
		CryptoPriceUSD:         price.USD,
		Status:                 StatusPendingWire,
		ComplianceCheckPassed:  true,
		RequiresKYC:            verdict.RequiresKYC,
		RequiresManualApproval: verdict.RequiresManualApproval,
		RiskLevel:              verdict.RiskLevel,
		ComplianceNotes:        strings.Join(verdict.Details, "\n"),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.create(ctx, p, now); err != nil {
		return nil, err
	}
	s.metrics.observeTransition(StatusPendingWire)
	s.record(ctx, s.initiatedEvent(in, code, fiatAmount, verdict, p.ID, now))

	wire := NewWireInstructions(profile, fiatAmount, p.WireReference)
	s.logger.Info("purchase initiated",
		"purchase_id", p.ID,
		"user_id", p.UserID,
		"currency", code,
		"fiat_amount", fiatAmount.StringFixed(2),
		"risk_level", verdict.RiskLevel.String(),
	)
	return &InitiateResult{
		Success:          true,
		Purchase:         p,
		Verdict:          verdict,
		WireInstructions: &wire,
		Message:          msgInitiated,
		NextSteps:        nextSteps(verdict, p.WireReference),
	}, nil
}

// create assigns the wire reference, moving to the next millisecond when the
// same user already holds the reference.
func (s *Service) create(ctx context.Context, p *Purchase, now time.Time) error {
	at := now
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		p.WireReference = WireReference(p.UserID, at)
		err := s.repo.CreatePurchase(ctx, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateReference) {
			return fmt.Errorf("create purchase: %w", err)
		}
		at = at.Add(time.Millisecond)
	}
	return fmt.Errorf("create purchase: %w", ErrDuplicateReference)
}

func nextSteps(v compliance.Verdict, reference string) []string {
	steps := make([]string, 0, 7)
	if v.RequiresKYC {
		steps = append(steps, "Complete KYC verification before proceeding")
	}
	if v.RequiresManualApproval {
		steps = append(steps,
			"Your purchase requires manual approval due to the transaction amount or risk level",
			"Our compliance team will review within 24-48 hours",
		)
	}
	return append(steps,
		"Initiate wire transfer using the provided instructions",
		fmt.Sprintf("Include reference code: %s in your wire transfer", reference),
		"Wire transfers typically take 1-3 business days to process",
		"Once we receive and verify your wire transfer, your crypto will be delivered",
	)
}

type VerifyWireInput struct {
	PurchaseID    string
	AdminID       string
	Verified      bool
	Notes         string
	CorrelationID string
}

// VerifyWire records an admin's check of the incoming wire. A verified wire on
// a purchase that needs no manual review is credited immediately.
func (s *Service) VerifyWire(ctx context.Context, in VerifyWireInput) (*TransitionResult, error) {
	ctx, span := trace.Start(ctx, "purchase.VerifyWire")
	defer span.End()

	p, err := s.repo.GetPurchase(ctx, in.PurchaseID)
	if err != nil {
		return nil, err
	}
	if p.WireVerified || p.Status != StatusPendingWire {
		return nil, fmt.Errorf("%w: wire already handled, status %s", ErrInvalidStateTransition, p.Status)
	}

	next := StatusWireVerificationFailed
	if in.Verified {
		next = StatusProcessing
		if p.RequiresManualApproval {
			next = StatusPendingApproval
		}
	}
	if err := checkTransition(p.Status, next); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated := *p
	updated.Status = next
	updated.WireVerified = in.Verified
	updated.WireVerifiedAt = timePtr(now)
	updated.WireVerifiedBy = in.AdminID
	updated.ComplianceNotes = appendNote(p.ComplianceNotes, labelWireVerify, in.Notes)
	updated.UpdatedAt = now
	if err := s.repo.UpdatePurchase(ctx, StatusPendingWire, &updated); err != nil {
		return nil, err
	}
	s.metrics.observeTransition(next)

	outcome := "rejected"
	if in.Verified {
		outcome = "verified"
	}
	ev := audit.NewEvent(audit.WireVerified, p.UserID, p.ID, now)
	ev.Currency = string(p.Currency)
	ev.Amount = p.FiatAmount
	ev.Details = fmt.Sprintf("Wire transfer %s by admin %s", outcome, in.AdminID)
	ev.CorrelationID = in.CorrelationID
	s.record(ctx, ev)

	s.logger.Info("wire transfer reviewed", "purchase_id", p.ID, "admin_id", in.AdminID, "verified", in.Verified, "status", next)

	if next == StatusProcessing {
		completed, err := s.complete(ctx, &updated, in.CorrelationID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		updated = *completed
	}

	msg := msgWireFailed
	if in.Verified {
		msg = msgWireVerified
	}
	return &TransitionResult{Message: msg, Purchase: &updated}, nil
}

type ApproveInput struct {
	PurchaseID    string
	AdminID       string
	Approved      bool
	Notes         string
	CorrelationID string
}

// Approve records the admin decision on a purchase held for manual review.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (*TransitionResult, error) {
	ctx, span := trace.Start(ctx, "purchase.Approve")
	defer span.End()

	p, err := s.repo.GetPurchase(ctx, in.PurchaseID)
	if err != nil {
		return nil, err
	}
	if !p.WireVerified {
		return nil, fmt.Errorf("%w: wire transfer must be verified first", ErrInvalidStateTransition)
	}
	if p.AdminApproved || p.Status != StatusPendingApproval {
		return nil, fmt.Errorf("%w: purchase is %s", ErrInvalidStateTransition, p.Status)
	}

	next := StatusRejected
	if in.Approved {
		next = StatusProcessing
	}
	if err := checkTransition(p.Status, next); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated := *p
	updated.Status = next
	updated.AdminApproved = in.Approved
	updated.AdminApprovedAt = timePtr(now)
	updated.AdminApprovedBy = in.AdminID
	updated.ComplianceNotes = appendNote(p.ComplianceNotes, labelAdminDecision, in.Notes)
	updated.UpdatedAt = now
	if err := s.repo.UpdatePurchase(ctx, StatusPendingApproval, &updated); err != nil {
		return nil, err
	}
	s.metrics.observeTransition(next)

	outcome := "rejected"
	if in.Approved {
		outcome = "approved"
	}
	ev := audit.NewEvent(audit.AdminReview, p.UserID, p.ID, now)
	ev.Currency = string(p.Currency)
	ev.Amount = p.FiatAmount
	ev.RiskLevel = p.RiskLevel.String()
	ev.RequiresReporting = s.meetsReportingThreshold(p)
	ev.Details = fmt.Sprintf("Purchase %s by admin %s", outcome, in.AdminID)
	ev.CorrelationID = in.CorrelationID
	s.record(ctx, ev)

	s.logger.Info("purchase reviewed", "purchase_id", p.ID, "admin_id", in.AdminID, "approved", in.Approved)

	if in.Approved {
		completed, err := s.complete(ctx, &updated, in.CorrelationID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		updated = *completed
	}

	msg := msgRejected
	if in.Approved {
		msg = msgApproved
	}
	return &TransitionResult{Message: msg, Purchase: &updated}, nil
}

// complete credits the crypto, bumps the annual volume and marks the purchase
// COMPLETED in one transaction. If that unit fails the purchase is moved to
// FAILED with the reason and ErrLedgerCreditFailure is returned.
func (s *Service) complete(ctx context.Context, p *Purchase, correlationID string) (*Purchase, error) {
	// Once PROCESSING is committed the unit must reach COMPLETED or FAILED even
	// if the admin's request goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	ctx, span := trace.Start(ctx, "purchase.complete")
	defer span.End()

	if err := checkTransition(p.Status, StatusCompleted); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	done := *p
	done.Status = StatusCompleted
	done.CompletedAt = timePtr(now)
	done.UpdatedAt = now

	err := s.tx.WithinTx(ctx, func(repo Repository, ledger Ledger) error {
		if err := repo.UpdatePurchase(ctx, StatusProcessing, &done); err != nil {
			return err
		}
		if err := ledger.Credit(ctx, p.UserID, p.CryptoType, p.Amount); err != nil {
			return fmt.Errorf("credit %s: %w", p.CryptoType, err)
		}
		if err := ledger.AddAnnualVolume(ctx, p.UserID, p.FiatAmount, now); err != nil {
			return fmt.Errorf("add annual volume: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, err
		}
		s.metrics.observeCreditFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.fail(ctx, p, err)
	}
	s.metrics.observeTransition(StatusCompleted)

	ev := audit.NewEvent(audit.PurchaseCompleted, p.UserID, p.ID, now)
	ev.Currency = string(p.Currency)
	ev.Amount = p.FiatAmount
	ev.RiskLevel = p.RiskLevel.String()
	ev.Details = fmt.Sprintf("%s %s delivered to user", p.Amount.String(), p.CryptoType)
	ev.CorrelationID = correlationID
	s.record(ctx, ev)

	s.logger.Info("purchase completed",
		"purchase_id", p.ID,
		"user_id", p.UserID,
		"asset", p.CryptoType,
		"amount", p.Amount.String(),
	)
	return &done, nil
}

// fail moves p from PROCESSING to FAILED on a fresh deadline, so a timed out
// credit unit can still record its outcome. If even that write fails the
// purchase stays PROCESSING for ResumeProcessing.
func (s *Service) fail(ctx context.Context, p *Purchase, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	failed := *p
	failed.Status = StatusFailed
	failed.FailureReason = cause.Error()
	failed.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdatePurchase(ctx, StatusProcessing, &failed); err != nil {
		s.logger.Error("mark purchase failed", "purchase_id", p.ID, "error", err)
	} else {
		s.metrics.observeTransition(StatusFailed)
	}
	s.logger.Error("purchase credit failed", "purchase_id", p.ID, "user_id", p.UserID, "error", cause)
	return fmt.Errorf("%w: %v", ErrLedgerCreditFailure, cause)
}

type ResumeInput struct {
	PurchaseID    string
	AdminID       string
	CorrelationID string
}

// ResumeProcessing finishes a purchase left in PROCESSING by an interrupted
// completion: it is credited and completed, or moved to FAILED.
func (s *Service) ResumeProcessing(ctx context.Context, in ResumeInput) (*TransitionResult, error) {
	ctx, span := trace.Start(ctx, "purchase.ResumeProcessing")
	defer span.End()

	p, err := s.repo.GetPurchase(ctx, in.PurchaseID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: purchase is %s", ErrInvalidStateTransition, p.Status)
	}

	s.logger.Warn("resuming purchase completion", "purchase_id", p.ID, "admin_id", in.AdminID, "stuck_since", p.UpdatedAt)
	completed, err := s.complete(ctx, p, in.CorrelationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &TransitionResult{Message: msgResumed, Purchase: completed}, nil
}

func (s *Service) meetsReportingThreshold(p *Purchase) bool {
	profile, err := s.registry.Profile(p.Currency)
	if err != nil {
		return false
	}
	return p.FiatAmount.GreaterThanOrEqual(profile.ReportingThreshold)
}

func (s *Service) initiatedEvent(in InitiateInput, code currency.Code, amount decimal.Decimal, v compliance.Verdict, purchaseID string, now time.Time) audit.Event {
	ev := audit.NewEvent(audit.PurchaseInitiated, in.UserID, purchaseID, now)
	ev.Currency = string(code)
	ev.Amount = amount
	ev.RiskLevel = v.RiskLevel.String()
	ev.RequiresReporting = v.ExceedsThreshold
	ev.ReportingThresholdType = v.ThresholdType
	ev.Details = strings.Join(v.Details, "; ")
	ev.IPAddress = in.IPAddress
	ev.UserAgent = in.UserAgent
	ev.CorrelationID = in.CorrelationID
	return ev
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if err := s.audit.Record(ctx, ev); err != nil {
		s.metrics.observeAuditFailure(string(ev.Type))
		s.logger.Error("record compliance event failed", "event_type", ev.Type, "user_id", ev.UserID, "error", err)
	}
}

// Get returns a purchase by ID.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.repo.GetPurchase(ctx, id)
}

// GetForUser hides other users' purchases behind ErrPurchaseNotFound.
func (s *Service) GetForUser(ctx context.Context, userID, id string) (*Purchase, error) {
	p, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPurchaseNotFound
	}
	return p, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Purchase, error) {
	if s.queries == nil {
		return nil, errors.New("purchase queries not configured")
	}
	return s.queries.ListUserPurchases(ctx, userID, clampLimit(limit, userListLimit))
}

// PendingApproval lists wire-verified purchases waiting for an admin decision.
func (s *Service) PendingApproval(ctx context.Context, limit int) ([]Purchase, error) {
	if s.queries == nil {
		return nil, errors.New("purchase queries not configured")
	}
	return s.queries.ListByStatus(ctx, StatusPendingApproval, clampLimit(limit, queueListLimit))
}

// Processing lists purchases whose completion has not finished, oldest first.
func (s *Service) Processing(ctx context.Context, limit int) ([]Purchase, error) {
	if s.queries == nil {
		return nil, errors.New("purchase queries not configured")
	}
	return s.queries.ListByStatus(ctx, StatusProcessing, clampLimit(limit, queueListLimit))
}

// PendingWire lists purchases whose wire has not been checked yet.
func (s *Service) PendingWire(ctx context.Context, limit int) ([]Purchase, error) {
	if s.queries == nil {
		return nil, errors.New("purchase queries not configured")
	}
	return s.queries.ListByStatus(ctx, StatusPendingWire, clampLimit(limit, queueListLimit))
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
