package autherr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusByCode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err      *Error
		expected int
	}{
		{err: MissingParameter("code"), expected: http.StatusBadRequest},
		{err: UnsupportedProvider("facebook"), expected: http.StatusBadRequest},
		{err: New(CodeMalformedToken, "bad"), expected: http.StatusUnauthorized},
		{err: New(CodeTokenExchange, "bad"), expected: http.StatusBadRequest},
		{err: New(CodeEmailConflict, "taken"), expected: http.StatusConflict},
		{err: ProviderTimeout("token_exchange", context.DeadlineExceeded), expected: http.StatusGatewayTimeout},
		{err: Internal(errors.New("db down")), expected: http.StatusInternalServerError},
		{err: New(Code("Unknown"), "?"), expected: http.StatusInternalServerError},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(string(testCase.err.Code), func(t *testing.T) {
			t.Parallel()
			if status := testCase.err.HTTPStatus(); status != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, status)
			}
		})
	}
}

func TestAudienceMismatchCarriesBothAudiences(t *testing.T) {
	t.Parallel()

	err := AudienceMismatch("client-999", []string{"client-123"})
	if err.Details["tokenAudience"] != "client-999" {
		t.Fatalf("expected token audience detail, got %v", err.Details["tokenAudience"])
	}
	expected, ok := err.Details["expectedAudience"].([]string)
	if !ok || len(expected) != 1 || expected[0] != "client-123" {
		t.Fatalf("expected audience detail, got %v", err.Details["expectedAudience"])
	}
}

func TestConstructorDetails(t *testing.T) {
	missing := MissingParameter("state")
	if missing.Code != CodeMissingParameter || missing.Details["parameter"] != "state" || missing.Message != "state is required" {
		t.Fatalf("unexpected missing parameter error: %+v", missing)
	}
	unsupported := UnsupportedProvider("facebook")
	if unsupported.Code != CodeUnsupportedProvider || unsupported.Message != `provider "facebook" is not supported` {
		t.Fatalf("unexpected unsupported provider error: %+v", unsupported)
	}
	timeout := ProviderTimeout("token_exchange", context.DeadlineExceeded)
	if timeout.Code != CodeProviderTimeout || timeout.Details["stage"] != "token_exchange" || !errors.Is(timeout, context.DeadlineExceeded) {
		t.Fatalf("unexpected provider timeout error: %+v", timeout)
	}
}

func TestAsClassifiesWrappedErrors(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("flow: %w", New(CodeTokenExchange, "rejected"))
	if classified := As(wrapped); classified.Code != CodeTokenExchange {
		t.Fatalf("expected TokenExchangeError, got %s", classified.Code)
	}

	cause := errors.New("store unavailable")
	internal := As(cause)
	if internal.Code != CodeInternal {
		t.Fatalf("expected InternalError, got %s", internal.Code)
	}
	if internal.Message == cause.Error() {
		t.Fatalf("internal message must not leak the cause")
	}
	if !errors.Is(internal, cause) {
		t.Fatalf("expected cause to be preserved for logging")
	}
	if As(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", MissingParameter("tokenId"))
	if !Is(err, CodeMissingParameter) {
		t.Fatalf("expected MissingParameter")
	}
	if Is(err, CodeInternal) {
		t.Fatalf("unexpected InternalError match")
	}
}
