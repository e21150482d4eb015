package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict: resource already exists")
	ErrRateLimited  = errors.New("too many requests")

	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ErrAdminRequired is returned when a moderation action is attempted by an
// account below admin rank. It matches ErrForbidden.
var ErrAdminRequired = fmt.Errorf("%w: admin rank required", ErrForbidden)

// Token and session lifecycle errors.
var (
	ErrTokenInvalid     = errors.New("token invalid")
	ErrTokenExpired     = errors.New("token expired")
	ErrRefreshNotFound  = errors.New("refresh token not found")
	ErrRefreshConsumed  = errors.New("refresh token already consumed")
	ErrRefreshExpired   = errors.New("refresh token expired")
	ErrSessionRevoked   = errors.New("session revoked")
	ErrClientIPMismatch = errors.New("refresh token bound to a different client address")

	// ErrUnavailable marks transient store failures. Callers may retry with backoff.
	ErrUnavailable = errors.New("session store unavailable")
)

// ErrRefreshConsumedAndRevoked is returned when a consumed refresh token is
// presented and its session is (now) revoked. It matches both
// ErrRefreshConsumed and ErrSessionRevoked.
var ErrRefreshConsumedAndRevoked = fmt.Errorf("%w: %w", ErrRefreshConsumed, ErrSessionRevoked)

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Unavailable wraps a driver error so that it matches ErrUnavailable. The
// cause stays reachable through errors.Is.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsAuthFailure reports whether err is a definitive authentication rejection.
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrTokenInvalid,
		ErrTokenExpired,
		ErrRefreshNotFound,
		ErrRefreshConsumed,
		ErrRefreshExpired,
		ErrSessionRevoked,
		ErrClientIPMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

