package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	otpKeyPrefix       = "otp:"
	rateLimitKeyPrefix = "rate_limit:"
	verifiedKeyPrefix  = "registration_verified:"
)

func OTPKey(phone string) string {
	return otpKeyPrefix + phone
}

func RateLimitKey(phone string) string {
	return rateLimitKeyPrefix + phone
}

func VerifiedKey(phone string) string {
	return verifiedKeyPrefix + phone
}

type OTPRepository struct {
	store  SessionStore
	logger *logrus.Logger
}

func NewOTPRepository(store SessionStore, logger *logrus.Logger) *OTPRepository {
	return &OTPRepository{
		store:  store,
		logger: logger,
	}
}

// Store writes otpData under the phone's OTP key, replacing any live record.
func (r *OTPRepository) Store(ctx context.Context, otpData models.OTPData, ttl time.Duration) error {
	dataJSON, err := json.Marshal(otpData)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP data: %w", err)
	}

	if err := r.store.Set(ctx, OTPKey(otpData.Phone), dataJSON, ttl); err != nil {
		r.logger.WithError(err).WithField("phone", otpData.Phone).Error("Failed to store OTP")
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	return nil
}

// Get returns the live record for phone, or ErrKeyNotFound.
func (r *OTPRepository) Get(ctx context.Context, phone string) (*models.OTPData, error) {
	dataJSON, err := r.store.Get(ctx, OTPKey(phone))
	if err != nil {
		return nil, err
	}

	var otpData models.OTPData
	if err := json.Unmarshal(dataJSON, &otpData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}

	return &otpData, nil
}

func (r *OTPRepository) Delete(ctx context.Context, phone string) error {
	if err := r.store.Delete(ctx, OTPKey(phone)); err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

// Mutate applies fn to the stored record atomically. When fn returns keep=false
// the record is deleted, otherwise the modified record is written back with
// its remaining lifetime.
func (r *OTPRepository) Mutate(ctx context.Context, phone string, now time.Time, fn func(*models.OTPData) (keep bool)) error {
	return r.store.Update(ctx, OTPKey(phone), func(current []byte) ([]byte, time.Duration, error) {
		var otpData models.OTPData
		if err := json.Unmarshal(current, &otpData); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal OTP data: %w", err)
		}

		if !fn(&otpData) {
			return nil, 0, nil
		}

		ttl := otpData.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return nil, 0, nil
		}

		updated, err := json.Marshal(otpData)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal OTP data: %w", err)
		}
		return updated, ttl, nil
	})
}

// AcquireRateLimit places the cooldown marker for phone. When a marker already
// exists it returns false and the marker's remaining lifetime.
func (r *OTPRepository) AcquireRateLimit(ctx context.Context, marker models.RateLimitMarker, window time.Duration) (bool, time.Duration, error) {
	key := RateLimitKey(marker.Phone)

	dataJSON, err := json.Marshal(marker)
	if err != nil {
		return false, 0, fmt.Errorf("failed to marshal rate limit marker: %w", err)
	}

	acquired, err := r.store.SetIfAbsent(ctx, key, dataJSON, window)
	if err != nil {
		return false, 0, fmt.Errorf("failed to acquire rate limit: %w", err)
	}
	if acquired {
		return true, 0, nil
	}

	remaining, err := r.store.TTL(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		// Expired between SETNX and PTTL; report a minimal wait rather than racing again.
		return false, time.Second, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read rate limit ttl: %w", err)
	}

	return false, remaining, nil
}

func (r *OTPRepository) ReleaseRateLimit(ctx context.Context, phone string) error {
	if err := r.store.Delete(ctx, RateLimitKey(phone)); err != nil {
		return fmt.Errorf("failed to release rate limit: %w", err)
	}
	return nil
}

// MarkVerified records that phone passed registration OTP verification.
func (r *OTPRepository) MarkVerified(ctx context.Context, phone string, at time.Time, ttl time.Duration) error {
	if err := r.store.Set(ctx, VerifiedKey(phone), []byte(at.UTC().Format(time.RFC3339)), ttl); err != nil {
		return fmt.Errorf("failed to mark phone verified: %w", err)
	}
	return nil
}

func (r *OTPRepository) IsVerified(ctx context.Context, phone string) (bool, error) {
	_, err := r.store.Get(ctx, VerifiedKey(phone))
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read verified marker: %w", err)
	}
	return true, nil
}

func (r *OTPRepository) ClearVerified(ctx context.Context, phone string) error {
	if err := r.store.Delete(ctx, VerifiedKey(phone)); err != nil {
		return fmt.Errorf("failed to clear verified marker: %w", err)
	}
	return nil
}
