package types

import (
	"errors"
	"fmt"
	"time"
)

// Error codes returned by the gateway. Codes are stable API surface; the
// HTTP layer maps them to status codes and callers branch on them to decide
// whether a retry or a policy switch makes sense.
const (
	CodeValidation            = "VALIDATION"
	CodeUnsupportedEndpoint   = "UNSUPPORTED_ENDPOINT"
	CodeIncompleteCredentials = "INCOMPLETE_CREDENTIALS"
	CodeAuthRejected          = "AUTH_REJECTED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeUpstreamError         = "UPSTREAM_ERROR"
	CodeClientError           = "CLIENT_ERROR"
	CodeNoDelegate            = "NO_DELEGATE"
	CodeTimeout               = "TIMEOUT"
	CodeDisconnected          = "DISCONNECTED"
	CodeProtocolError         = "PROTOCOL_ERROR"
)

// CodedError is a typed error used for stable API mapping. Status carries
// the upstream HTTP status when one was observed; RetryAfter carries the
// parsed Retry-After hint on rate-limit errors. Both are zero otherwise.
type CodedError struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
	Cause      error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError with no upstream status attached.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NewStatusError builds a CodedError recording the upstream HTTP status
// that produced it.
func NewStatusError(code, msg string, status int) error {
	return &CodedError{Code: code, Message: msg, Status: status}
}

// ErrorCode extracts the gateway code from err, or "INTERNAL" for anything
// untyped.
func ErrorCode(err error) string {
	var cerr *CodedError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return "INTERNAL"
}
