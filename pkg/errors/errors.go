package apperrors

import "errors"

// Standardized broker failure kinds. Placement and query paths classify
// every gateway failure into exactly one of these.
var (
	ErrNetwork              = errors.New("network error")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrServerError          = errors.New("broker server error")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrOrderRejected        = errors.New("order rejected")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateFill        = errors.New("duplicate fill")
	ErrInvariantViolation   = errors.New("invariant violation")
)

// IsRetryable reports whether a broker failure may be retried with backoff.
// Authentication, invalid-request, rejection and balance failures are
// terminal; network, rate-limit and 5xx failures are transient.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrServerError):
		return true
	}
	return false
}

// Code returns the machine-readable code for a classified broker failure
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNetwork):
		return "NETWORK"
	case errors.Is(err, ErrRateLimitExceeded):
		return "RATE_LIMIT"
	case errors.Is(err, ErrServerError):
		return "SERVER_ERROR"
	case errors.Is(err, ErrAuthenticationFailed):
		return "AUTHENTICATION"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrOrderRejected):
		return "ORDER_REJECTED"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrInvariantViolation):
		return "INVARIANT_VIOLATION"
	default:
		return "UNKNOWN"
	}
}
