package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest         = "INVALID_REQUEST"
	ErrorCodeUnauthorized           = "UNAUTHORIZED"
	ErrorCodeForbidden              = "FORBIDDEN"
	ErrorCodeRateLimited            = "RATE_LIMITED"
	ErrorCodeUnsupportedCurrency    = "UNSUPPORTED_CURRENCY"
	ErrorCodeUnsupportedCrypto      = "UNSUPPORTED_CRYPTO"
	ErrorCodeRateUnavailable        = "RATE_UNAVAILABLE"
	ErrorCodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrorCodeStaleState             = "STALE_STATE"
	ErrorCodePurchaseNotFound       = "PURCHASE_NOT_FOUND"
	ErrorCodeComplianceFailed       = "COMPLIANCE_FAILED"
	ErrorCodeLedgerCreditFailure    = "LEDGER_CREDIT_FAILURE"
	ErrorCodeInternalError          = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, errResp.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

// DecodeJSON unmarshals the response body into out.
func DecodeJSON(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v: %s", err, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeUnsupportedCurrency, ErrorCodeUnsupportedCrypto:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodePurchaseNotFound:
		return http.StatusNotFound
	case ErrorCodeInvalidStateTransition, ErrorCodeStaleState:
		return http.StatusConflict
	case ErrorCodeComplianceFailed:
		return http.StatusUnprocessableEntity
	case ErrorCodeRateUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeInternalError, ErrorCodeLedgerCreditFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
