package service

import (
	"regexp"
	"strings"

	"github.com/qcom/phoneauth/internal/models"
)

// E.164 format: +[country code][number] (max 15 digits after +)
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// PhoneNormalizer turns user input into the canonical E.164 form used for
// every store key.
type PhoneNormalizer struct {
	countryCode string
}

func NewPhoneNormalizer(defaultCountryCode string) *PhoneNormalizer {
	return &PhoneNormalizer{countryCode: digitsOnly(defaultCountryCode)}
}

// Normalize strips everything but digits. Numbers written without a leading
// "+" lose one trunk "0" and get the default country code. The result of
// Normalize is a fixed point: normalizing it again returns it unchanged.
func (n *PhoneNormalizer) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	international := strings.HasPrefix(trimmed, "+")

	digits := digitsOnly(trimmed)
	if digits == "" {
		return "", models.ValidationErrorf("phone number is required")
	}

	if !international {
		digits = n.countryCode + strings.TrimPrefix(digits, "0")
	}

	phone := "+" + digits
	if !e164Pattern.MatchString(phone) {
		return "", models.ValidationErrorf("invalid phone number format")
	}

	return phone, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
