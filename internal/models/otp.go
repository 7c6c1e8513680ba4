package models

import "time"

type OTPData struct {
	Phone     string    `json:"phone_number"`
	CodeHash  string    `json:"otp_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	Attempts  int       `json:"attempts"`
}

// IsExpired reports whether the code is past its expiry at now.
func (d *OTPData) IsExpired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

func (d *OTPData) HasExceededAttempts(max int) bool {
	return d.Attempts >= max
}

type RateLimitMarker struct {
	Phone     string    `json:"phone_number"`
	CreatedAt time.Time `json:"created_at"`
}

// SendStatus is the result of an OTP send.
type SendStatus string

const (
	SendDelivered   SendStatus = "DELIVERED"
	SendRateLimited SendStatus = "RATE_LIMITED"
	SendFailed      SendStatus = "FAILED"
)

type SendResult struct {
	Status     SendStatus
	Phone      string
	RetryAfter time.Duration
	Reason     string
	// Dispatched is false when the record was stored but the SMS gateway rejected the message.
	Dispatched bool
}

// ValidationOutcome is the result of checking a code against the stored record.
type ValidationOutcome string

const (
	OTPValid            ValidationOutcome = "VALID"
	OTPInvalid          ValidationOutcome = "INVALID"
	OTPExpired          ValidationOutcome = "EXPIRED"
	OTPAttemptsExceeded ValidationOutcome = "ATTEMPTS_EXCEEDED"
	OTPNotFound         ValidationOutcome = "NOT_FOUND"
)

// Err maps a non-valid outcome to its sentinel error. OTPValid maps to nil.
func (o ValidationOutcome) Err() error {
	switch o {
	case OTPValid:
		return nil
	case OTPInvalid:
		return ErrOTPMismatch
	case OTPExpired:
		return ErrOTPExpired
	case OTPAttemptsExceeded:
		return ErrOTPAttemptsExceeded
	default:
		return ErrOTPNotFound
	}
}
