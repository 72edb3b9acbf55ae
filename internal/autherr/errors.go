// Package autherr defines the client-visible error taxonomy of the authentication flows.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable machine-readable identifier returned in the "error" field.
type Code string

const (
	CodeMissingParameter    Code = "MissingParameter"
	CodeUnsupportedProvider Code = "UnsupportedProviderError"
	CodeMalformedToken      Code = "MalformedTokenError"
	CodeTokenExchange       Code = "TokenExchangeError"
	CodeProfileFetch        Code = "ProfileFetchError"
	CodeAudienceMismatch    Code = "AudienceMismatchError"
	CodeTokenVerification   Code = "TokenVerificationError"
	CodeIncompleteProfile   Code = "IncompleteProfileError"
	CodeInvalidRefreshToken Code = "InvalidRefreshTokenError"
	CodeInvalidState        Code = "InvalidStateError"
	CodeEmailConflict       Code = "EmailConflictError"
	CodeProviderTimeout     Code = "ProviderTimeoutError"
	CodeUnauthorized        Code = "Unauthorized"
	CodeHTTPSRequired       Code = "HTTPSRequired"
	CodeInternal            Code = "InternalError"
)

const (
	internalMessage        = "An unexpected error occurred. Please try again later."
	providerTimeoutMessage = "The identity provider did not respond in time."
)

var statusByCode = map[Code]int{
	CodeMissingParameter:    http.StatusBadRequest,
	CodeUnsupportedProvider: http.StatusBadRequest,
	CodeMalformedToken:      http.StatusUnauthorized,
	CodeTokenExchange:       http.StatusBadRequest,
	CodeProfileFetch:        http.StatusBadRequest,
	CodeAudienceMismatch:    http.StatusUnauthorized,
	CodeTokenVerification:   http.StatusUnauthorized,
	CodeIncompleteProfile:   http.StatusBadRequest,
	CodeInvalidRefreshToken: http.StatusUnauthorized,
	CodeInvalidState:        http.StatusBadRequest,
	CodeEmailConflict:       http.StatusConflict,
	CodeProviderTimeout:     http.StatusGatewayTimeout,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeHTTPSRequired:       http.StatusBadRequest,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is a classified authentication failure. Message and Details are safe to
// show to clients; Cause is for server-side logs only.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the response status associated with the error code.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetail attaches a client-visible diagnostic field and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying the underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// MissingParameter names the absent request field in the "parameter" detail.
func MissingParameter(name string) *Error {
	return New(CodeMissingParameter, fmt.Sprintf("%s is required", name)).WithDetail("parameter", name)
}

// UnsupportedProvider rejects a provider name this server cannot verify.
func UnsupportedProvider(provider string) *Error {
	return New(CodeUnsupportedProvider, fmt.Sprintf("provider %q is not supported", provider))
}

// AudienceMismatch reports both audiences so operators can spot a misconfigured client id.
func AudienceMismatch(tokenAudience string, expectedAudience []string) *Error {
	return New(CodeAudienceMismatch, "identity token audience does not match this application").
		WithDetail("tokenAudience", tokenAudience).
		WithDetail("expectedAudience", expectedAudience)
}

// ProviderTimeout records which provider call ran out of time in the "stage" detail.
func ProviderTimeout(stage string, cause error) *Error {
	return Wrap(CodeProviderTimeout, providerTimeoutMessage, cause).WithDetail("stage", stage)
}

// Internal hides the cause behind an opaque message.
func Internal(cause error) *Error {
	return Wrap(CodeInternal, internalMessage, cause)
}

// As extracts a classified error, falling back to InternalError for anything unclassified.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return Internal(err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Code == code
}
