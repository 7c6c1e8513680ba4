package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the services. Handlers map them to HTTP status codes.
var (
	ErrRateLimited           = errors.New("rate limited")
	ErrOTPExpired            = errors.New("otp expired")
	ErrOTPAttemptsExceeded   = errors.New("otp attempts exceeded")
	ErrOTPMismatch           = errors.New("otp mismatch")
	ErrOTPNotFound           = errors.New("otp not found")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenInvalid          = errors.New("token invalid")
	ErrUserConflict          = errors.New("user already exists")
	ErrUserNotFound          = errors.New("user not found")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrDownstreamRejected    = errors.New("downstream rejected request")
	ErrValidation            = errors.New("validation error")
)

// RateLimitError carries the remaining cooldown for a rate-limited phone.
type RateLimitError struct {
	Phone      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("otp already sent to %s, retry after %s", e.Phone, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ValidationErrorf builds an error wrapping ErrValidation.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
