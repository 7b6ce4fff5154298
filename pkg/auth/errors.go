package auth

import (
	"context"
	"errors"
	"fmt"
)

// Token verification errors
var (
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenWrongType    = errors.New("token type mismatch")
)

// Refresh token rotation errors
var (
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenAlreadyUsed means a revoked token was presented again. Treat as possible theft.
	ErrTokenAlreadyUsed = errors.New("refresh token already used")
)

// Configuration and data errors
var (
	ErrWeakSecret       = errors.New("secret key must be at least 32 bytes")
	ErrInvalidTTL       = errors.New("refresh token TTL must exceed access token TTL")
	ErrUnknownRole      = errors.New("unknown role")
	ErrUnknownTier      = errors.New("unknown subscription tier")
	ErrUserNotFound     = errors.New("user not found")
	ErrUserInactive     = errors.New("user is inactive")
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// IsRetryable reports whether err is a transient persistence failure
// (deadline, cancellation, store outage) that a caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsAuthenticationFailure reports whether err should end the request with a 401
func IsAuthenticationFailure(err error) bool {
	for _, target := range []error{
		ErrTokenMalformed, ErrTokenBadSignature, ErrTokenExpired, ErrTokenWrongType,
		ErrTokenNotFound, ErrTokenAlreadyUsed, ErrUserInactive, ErrUserNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// storeErr wraps a persistence error, tagging context expiry as retryable
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
