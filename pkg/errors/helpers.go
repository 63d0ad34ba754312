package errors

import (
	"context"
	stderrors "errors"
)

// CheckContext returns an error if the context is canceled or timed out.
// This provides a standardized way to check and wrap context errors.
func CheckContext(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return Wrap(err, Canceled, operation+" canceled")
	}
	return nil
}

// CodeOf extracts the error code from an error chain. Returns Unknown for
// errors that were not created by this package.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code()
	}
	return Unknown
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code() == code
	}
	return false
}

// IsTransient reports whether the error is a transient inference failure
// that is safe to retry.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case InferenceFailed, RateLimited, Timeout, InvalidResponse:
		return true
	default:
		return false
	}
}
