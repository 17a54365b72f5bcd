package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/geoip"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/locks"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/ratelimit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var secret = []byte("secret")

type fakeService struct {
	initiate    *purchase.InitiateResult
	transition  *purchase.TransitionResult
	purchase    *purchase.Purchase
	list        []purchase.Purchase
	err         error
	lastInit    *purchase.InitiateInput
	lastVerify  *purchase.VerifyWireInput
	lastApprove *purchase.ApproveInput
	lastResume  *purchase.ResumeInput
	lastUser    string
	lastLimit   int
	calls       int
}

func (f *fakeService) Initiate(_ context.Context, in purchase.InitiateInput) (*purchase.InitiateResult, error) {
	f.calls++
	f.lastInit = &in
	return f.initiate, f.err
}

func (f *fakeService) VerifyWire(_ context.Context, in purchase.VerifyWireInput) (*purchase.TransitionResult, error) {
	f.lastVerify = &in
	return f.transition, f.err
}

func (f *fakeService) Approve(_ context.Context, in purchase.ApproveInput) (*purchase.TransitionResult, error) {
	f.lastApprove = &in
	return f.transition, f.err
}

func (f *fakeService) ResumeProcessing(_ context.Context, in purchase.ResumeInput) (*purchase.TransitionResult, error) {
	f.lastResume = &in
	return f.transition, f.err
}

func (f *fakeService) Processing(_ context.Context, limit int) ([]purchase.Purchase, error) {
	f.lastLimit = limit
	return f.list, f.err
}

func (f *fakeService) Get(context.Context, string) (*purchase.Purchase, error) {
	return f.purchase, f.err
}

func (f *fakeService) GetForUser(_ context.Context, userID, _ string) (*purchase.Purchase, error) {
	f.lastUser = userID
	return f.purchase, f.err
}

func (f *fakeService) ListForUser(_ context.Context, userID string, limit int) ([]purchase.Purchase, error) {
	f.lastUser = userID
	f.lastLimit = limit
	return f.list, f.err
}

func (f *fakeService) PendingApproval(_ context.Context, limit int) ([]purchase.Purchase, error) {
	f.lastLimit = limit
	return f.list, f.err
}

func (f *fakeService) PendingWire(_ context.Context, limit int) ([]purchase.Purchase, error) {
	f.lastLimit = limit
	return f.list, f.err
}

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newRouter(t *testing.T, svc *fakeService, configure func(*Handler)) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := New(svc, rates.NewCryptoBook(nil, rates.DefaultPrices(testNow.Add(-time.Minute))...), nil)
	h.Now = func() time.Time { return testNow }
	if configure != nil {
		configure(h)
	}
	h.Register(router, secret)
	return router
}

func userToken(t *testing.T) string {
	t.Helper()
	token, err := testutil.GenerateJWT(testutil.DemoUserID, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return token
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := testutil.GenerateAdminJWT(testutil.AdminUserID, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return token
}

func samplePurchase(status purchase.Status) *purchase.Purchase {
	return &purchase.Purchase{
		ID:            uuid.NewString(),
		UserID:        testutil.DemoUserID.String(),
		CryptoType:    rates.BTC,
		Amount:        decimal.RequireFromString("0.01"),
		Currency:      currency.USD,
		FiatAmount:    decimal.RequireFromString("430.00"),
		Status:        status,
		WireReference: "WIRE-TEST",
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func TestInitiatePurchaseUnauthorized(t *testing.T) {
	router := newRouter(t, &fakeService{}, nil)

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/purchases", initiateRequest{CryptoType: "BTC", Amount: "1", Currency: "USD"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestInitiatePurchaseCreated(t *testing.T) {
	p := samplePurchase(purchase.StatusPendingWire)
	svc := &fakeService{initiate: &purchase.InitiateResult{
		Success:  true,
		Purchase: p,
		Message:  "Purchase initiated",
	}}
	router := newRouter(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", initiateRequest{CryptoType: "btc", Amount: "0.01", Currency: "usd"}, userToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	var body purchase.InitiateResult
	testutil.DecodeJSON(t, resp, &body)
	if !body.Success || body.Purchase == nil || body.Purchase.ID != p.ID {
		t.Fatalf("unexpected body %+v", body)
	}
	if svc.lastInit == nil || svc.lastInit.UserID != testutil.DemoUserID.String() {
		t.Fatalf("unexpected input %+v", svc.lastInit)
	}
	if !svc.lastInit.Amount.Equal(decimal.RequireFromString("0.01")) || svc.lastInit.IPAddress != "198.51.100.7" {
		t.Fatalf("request not forwarded: %+v", svc.lastInit)
	}
}

func TestInitiatePurchaseComplianceFailure(t *testing.T) {
	svc := &fakeService{initiate: &purchase.InitiateResult{
		Success:   false,
		Verdict:   compliance.Verdict{Passed: false, RiskLevel: compliance.RiskHigh, Details: []string{"KYC verification required"}},
		Message:   "Compliance check failed",
		NextSteps: []string{"Complete KYC verification"},
	}}
	router := newRouter(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", initiateRequest{CryptoType: "BTC", Amount: "1", Currency: "USD"}, userToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeComplianceFailed)

	var body struct {
		Details struct {
			NextSteps []string `json:"next_steps"`
		} `json:"details"`
	}
	testutil.DecodeJSON(t, resp, &body)
	if len(body.Details.NextSteps) != 1 {
		t.Fatalf("expected next steps in details, got %s", resp.Body.String())
	}
}

func TestInitiatePurchaseValidation(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(t, svc, nil)
	token := userToken(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "not json", body: "amount"},
		{name: "bad amount", body: initiateRequest{CryptoType: "BTC", Amount: "lots", Currency: "USD"}},
		{name: "missing crypto", body: initiateRequest{Amount: "1", Currency: "USD"}},
		{name: "missing currency", body: initiateRequest{CryptoType: "BTC", Amount: "1"}},
	}
	for _, tt := range tests {
		resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", tt.body, token)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tt.name, resp.Code)
		}
	}
	if svc.calls != 0 {
		t.Fatalf("service should not be called for invalid input")
	}
}

func TestInitiatePurchaseErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{err: fmt.Errorf("%w: JPY", currency.ErrUnsupportedCurrency), code: testutil.ErrorCodeUnsupportedCurrency},
		{err: fmt.Errorf("%w: DOGE", rates.ErrUnsupportedCrypto), code: testutil.ErrorCodeUnsupportedCrypto},
		{err: purchase.ErrInvalidAmount, code: testutil.ErrorCodeInvalidRequest},
		{err: fmt.Errorf("USD->EUR: %w", rates.ErrRateUnavailable), code: testutil.ErrorCodeRateUnavailable},
		{err: locks.ErrNotAcquired, code: testutil.ErrorCodeRateLimited},
		{err: fmt.Errorf("%w: credit BTC: ledger offline", purchase.ErrLedgerCreditFailure), code: testutil.ErrorCodeLedgerCreditFailure},
		{err: errors.New("boom"), code: testutil.ErrorCodeInternalError},
	}
	token := userToken(t)
	for _, tt := range tests {
		router := newRouter(t, &fakeService{err: tt.err}, nil)
		resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", initiateRequest{CryptoType: "BTC", Amount: "1", Currency: "USD"}, token)
		testutil.AssertErrorCode(t, resp, tt.code)
	}
}

func TestInitiatePurchaseThrottled(t *testing.T) {
	svc := &fakeService{initiate: &purchase.InitiateResult{Success: true, Purchase: samplePurchase(purchase.StatusPendingWire)}}
	router := newRouter(t, svc, func(h *Handler) {
		h.Limiter = ratelimit.NewMemory(2, time.Minute)
	})
	token := userToken(t)
	body := initiateRequest{CryptoType: "BTC", Amount: "1", Currency: "USD"}

	for i := 0; i < 2; i++ {
		resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", body, token)
		testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	}
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", body, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if svc.calls != 2 {
		t.Fatalf("expected 2 service calls, got %d", svc.calls)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestInitiatePurchaseLimiterFailureAllows(t *testing.T) {
	svc := &fakeService{initiate: &purchase.InitiateResult{Success: true, Purchase: samplePurchase(purchase.StatusPendingWire)}}
	router := newRouter(t, svc, func(h *Handler) { h.Limiter = brokenLimiter{} })

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/purchases", initiateRequest{CryptoType: "BTC", Amount: "1", Currency: "USD"}, userToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
}

func TestListPurchases(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/purchases?limit=5", nil, userToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if resp.Body.String() != `{"purchases":[]}` {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}
	if svc.lastLimit != 5 || svc.lastUser != testutil.DemoUserID.String() {
		t.Fatalf("unexpected args user=%s limit=%d", svc.lastUser, svc.lastLimit)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/purchases?limit=-1", nil, userToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestGetPurchase(t *testing.T) {
	router := newRouter(t, &fakeService{err: purchase.ErrPurchaseNotFound}, nil)
	token := userToken(t)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/purchases/not-a-uuid", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/purchases/"+uuid.NewString(), nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodePurchaseNotFound)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	router := newRouter(t, &fakeService{}, nil)

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/v1/admin/purchases/pending-wire", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/admin/purchases/pending-wire", nil, userToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/admin/purchases/pending-wire", nil, adminToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

func TestAdminRoutesAcceptAPIKey(t *testing.T) {
	key, prefix, hash, err := testutil.GenerateAPIKey("test")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherKey, otherPrefix, otherHash, err := testutil.GenerateAPIKey("test")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	lookup := apikey.NewStaticLookup(
		apikey.Record{ID: "k1", UserID: "ops", Prefix: prefix, KeyHash: hash, Scopes: []string{ScopeAdmin}},
		apikey.Record{ID: "k2", UserID: "reader", Prefix: otherPrefix, KeyHash: otherHash, Scopes: []string{"read"}},
	)
	svc := &fakeService{transition: &purchase.TransitionResult{Message: "ok", Purchase: samplePurchase(purchase.StatusProcessing)}}
	router := newRouter(t, svc, func(h *Handler) { h.Keys = lookup })

	id := uuid.NewString()
	resp := testutil.MakeKeyRequest(router, http.MethodPost, "/v1/admin/purchases/"+id+"/verify-wire", map[string]any{"verified": true, "notes": " ok "}, key)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if svc.lastVerify == nil || svc.lastVerify.AdminID != "ops" || svc.lastVerify.PurchaseID != id || !svc.lastVerify.Verified || svc.lastVerify.Notes != "ok" {
		t.Fatalf("unexpected verify input %+v", svc.lastVerify)
	}

	resp = testutil.MakeKeyRequest(router, http.MethodPost, "/v1/admin/purchases/"+id+"/verify-wire", map[string]any{"verified": true}, otherKey)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestVerifyWireRequiresDecision(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/admin/purchases/"+uuid.NewString()+"/verify-wire", map[string]any{"notes": "?"}, adminToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	if svc.lastVerify != nil {
		t.Fatalf("service should not be called")
	}
}

func TestApprove(t *testing.T) {
	svc := &fakeService{transition: &purchase.TransitionResult{Message: "rejected", Purchase: samplePurchase(purchase.StatusRejected)}}
	router := newRouter(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/admin/purchases/"+uuid.NewString()+"/approve", map[string]any{"approved": false, "notes": "source of funds unclear"}, adminToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if svc.lastApprove == nil || svc.lastApprove.Approved || svc.lastApprove.AdminID != testutil.AdminUserID.String() {
		t.Fatalf("unexpected approve input %+v", svc.lastApprove)
	}
}

func TestTransitionConflicts(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{err: fmt.Errorf("%w: COMPLETED -> PROCESSING", purchase.ErrInvalidStateTransition), code: testutil.ErrorCodeInvalidStateTransition},
		{err: purchase.ErrStaleState, code: testutil.ErrorCodeStaleState},
		{err: purchase.ErrPurchaseNotFound, code: testutil.ErrorCodePurchaseNotFound},
	}
	for _, tt := range tests {
		router := newRouter(t, &fakeService{err: tt.err}, nil)
		resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/admin/purchases/"+uuid.NewString()+"/approve", map[string]any{"approved": true}, adminToken(t))
		testutil.AssertErrorCode(t, resp, tt.code)
	}
}

func TestCreditFailureIsReportedDistinctly(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("%w: add annual volume: timeout", purchase.ErrLedgerCreditFailure)}
	router := newRouter(t, svc, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/admin/purchases/"+uuid.NewString()+"/verify-wire", map[string]any{"verified": true}, adminToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeLedgerCreditFailure)
	testutil.AssertHTTPStatus(t, resp, http.StatusInternalServerError)
}

func TestResumeProcessing(t *testing.T) {
	svc := &fakeService{
		transition: &purchase.TransitionResult{Message: "resumed", Purchase: samplePurchase(purchase.StatusCompleted)},
		list:       []purchase.Purchase{*samplePurchase(purchase.StatusProcessing)},
	}
	router := newRouter(t, svc, nil)
	token := adminToken(t)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/admin/purchases/processing", nil, token)
	var queue listPurchasesResponse
	testutil.DecodeJSON(t, resp, &queue)
	if len(queue.Purchases) != 1 || queue.Purchases[0].Status != purchase.StatusProcessing {
		t.Fatalf("unexpected processing queue %+v", queue.Purchases)
	}

	id := uuid.NewString()
	resp = testutil.MakeAuthRequest(router, http.MethodPost, "/v1/admin/purchases/"+id+"/resume", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if svc.lastResume == nil || svc.lastResume.PurchaseID != id || svc.lastResume.AdminID != testutil.AdminUserID.String() {
		t.Fatalf("unexpected resume input %+v", svc.lastResume)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodPost, "/v1/admin/purchases/"+id+"/resume", nil, userToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestListCurrencies(t *testing.T) {
	router := newRouter(t, &fakeService{}, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/currencies", nil, userToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body currenciesResponse
	testutil.DecodeJSON(t, resp, &body)
	if len(body.Currencies) != 4 {
		t.Fatalf("expected 4 currencies, got %d", len(body.Currencies))
	}
}

func TestDetectCurrency(t *testing.T) {
	locator, err := geoip.NewStaticLocator(map[string]string{
		"198.51.100.0/24": "GB",
		"203.0.113.0/24":  "DE",
	})
	if err != nil {
		t.Fatalf("locator: %v", err)
	}
	router := newRouter(t, &fakeService{}, func(h *Handler) { h.Geo = locator })
	token := userToken(t)

	tests := []struct {
		path     string
		want     currency.Code
		detected bool
	}{
		{path: "/v1/currencies/detect", want: currency.GBP, detected: true},
		{path: "/v1/currencies/detect?ip=203.0.113.9", want: currency.EUR, detected: true},
		{path: "/v1/currencies/detect?ip=192.0.2.1", want: currency.USD},
	}
	for _, tt := range tests {
		resp := testutil.MakeAuthRequest(router, http.MethodGet, tt.path, nil, token)
		testutil.AssertHTTPStatus(t, resp, http.StatusOK)
		var body detectResponse
		testutil.DecodeJSON(t, resp, &body)
		if body.Currency != tt.want || body.Detected != tt.detected || body.Profile.Code != tt.want {
			t.Fatalf("%s: unexpected body %+v", tt.path, body)
		}
	}
}

func TestCryptoRates(t *testing.T) {
	router := newRouter(t, &fakeService{}, nil)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/rates/crypto", nil, userToken(t))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body cryptoRatesResponse
	testutil.DecodeJSON(t, resp, &body)
	if len(body.Prices) != 3 {
		t.Fatalf("expected 3 prices, got %d", len(body.Prices))
	}
}

func TestUpdateCryptoRates(t *testing.T) {
	router := newRouter(t, &fakeService{}, nil)
	token := adminToken(t)

	resp := testutil.MakeAuthRequest(router, http.MethodPut, "/v1/admin/rates/crypto", map[string]string{"btc": "70000.25"}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body updateRatesResponse
	testutil.DecodeJSON(t, resp, &body)
	if len(body.Applied) != 1 || body.Applied[0].Source != "admin:"+testutil.AdminUserID.String() {
		t.Fatalf("unexpected body %+v", body)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/v1/rates/crypto", nil, userToken(t))
	var snapshot cryptoRatesResponse
	testutil.DecodeJSON(t, resp, &snapshot)
	found := false
	for _, p := range snapshot.Prices {
		if p.Asset == "BTC" && p.USD.Equal(decimal.RequireFromString("70000.25")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected updated BTC price, got %+v", snapshot.Prices)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodPut, "/v1/admin/rates/crypto", map[string]string{"DOGE": "1"}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnsupportedCrypto)

	resp = testutil.MakeAuthRequest(router, http.MethodPut, "/v1/admin/rates/crypto", map[string]string{"ETH": "0"}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}
