// Package apperr defines the error taxonomy shared by the gateway and the relay.
// Package-level sentinels elsewhere wrap one of these so callers can classify
// failures with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrAuthentication marks a bad, expired or missing session or CSRF token.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization marks an authenticated caller that is not entitled.
	ErrAuthorization = errors.New("not authorized")
	// ErrRateLimited marks a request rejected by the rate limiter.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTransport marks a bridge delivery failure.
	ErrTransport = errors.New("transport failure")
	// ErrInternal marks a store or database failure.
	ErrInternal = errors.New("internal error")
)

// Validation returns an ErrValidation wrapping the formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Internal wraps err as an ErrInternal with the given operation name.
func Internal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

// Kind reports which taxonomy sentinel err belongs to. Unclassified errors
// are treated as internal.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrAuthentication, ErrAuthorization, ErrRateLimited, ErrTransport, ErrInternal} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
