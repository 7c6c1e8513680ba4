package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/password"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/sirupsen/logrus"
)

// SMSGateway delivers a text message and returns the provider's message id.
type SMSGateway interface {
	Send(ctx context.Context, to, from, body string) (string, error)
}

const otpMessageFormat = "Your OTP is: %s"

// OTPService issues one-time codes and checks them. At most one live code
// exists per phone; issuing a new one replaces the previous.
type OTPService struct {
	repo       *repository.OTPRepository
	sms        SMSGateway
	hasher     password.Hasher
	phones     *PhoneNormalizer
	cfg        *config.OTPConfig
	fromNumber string
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	now        func() time.Time
}

func NewOTPService(
	repo *repository.OTPRepository,
	sms SMSGateway,
	hasher password.Hasher,
	phones *PhoneNormalizer,
	cfg *config.OTPConfig,
	fromNumber string,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		repo:       repo,
		sms:        sms,
		hasher:     hasher,
		phones:     phones,
		cfg:        cfg,
		fromNumber: fromNumber,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Send generates a code for phone, stores its hash and dispatches it by SMS.
// A second send inside the rate-limit window is answered with SendRateLimited
// and leaves the live code untouched. A non-nil error always comes with a
// SendFailed result.
func (s *OTPService) Send(ctx context.Context, rawPhone string) (*models.SendResult, error) {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	now := s.now()
	acquired, retryAfter, err := s.repo.AcquireRateLimit(ctx, models.RateLimitMarker{Phone: phone, CreatedAt: now}, s.cfg.RateLimitWindow)
	if err != nil {
		return s.failed(phone, err)
	}
	if !acquired {
		s.metrics.OTPSendsTotal.WithLabelValues(string(models.SendRateLimited)).Inc()
		s.logger.WithFields(logrus.Fields{
			"phone":       phone,
			"retry_after": retryAfter,
		}).Info("OTP send rate limited")
		return &models.SendResult{
			Status:     models.SendRateLimited,
			Phone:      phone,
			RetryAfter: retryAfter,
		}, nil
	}

	code, err := s.generateCode(s.cfg.Length)
	if err != nil {
		s.releaseRateLimit(ctx, phone)
		return s.failed(phone, err)
	}

	codeHash, err := s.hasher.Hash(code)
	if err != nil {
		s.releaseRateLimit(ctx, phone)
		return s.failed(phone, err)
	}

	otpData := models.OTPData{
		Phone:     phone,
		CodeHash:  codeHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}
	if err := s.repo.Store(ctx, otpData, s.cfg.Expiry); err != nil {
		s.releaseRateLimit(ctx, phone)
		return s.failed(phone, err)
	}

	fields := logrus.Fields{"phone": phone}
	if s.cfg.LogCodes {
		fields["otp"] = code
	}

	result := &models.SendResult{Status: models.SendDelivered, Phone: phone, Dispatched: true}

	messageID, err := s.sms.Send(ctx, phone, s.fromNumber, fmt.Sprintf(otpMessageFormat, code))
	if err != nil {
		// The code stays valid; dropping the marker lets the user ask for a resend right away.
		s.metrics.SMSFailuresTotal.Inc()
		s.logger.WithError(err).WithFields(fields).Error("Failed to dispatch OTP")
		s.releaseRateLimit(ctx, phone)
		result.Dispatched = false
	} else {
		fields["message_id"] = messageID
		s.logger.WithFields(fields).Info("OTP sent")
	}

	s.metrics.OTPSendsTotal.WithLabelValues(string(models.SendDelivered)).Inc()
	return result, nil
}

// Validate checks code against the live record for phone. A correct code is
// consumed; a wrong one counts as an attempt. Expired records and records
// with no attempts left are deleted.
func (s *OTPService) Validate(ctx context.Context, rawPhone, code string) (models.ValidationOutcome, error) {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return "", err
	}

	now := s.now()
	var outcome models.ValidationOutcome
	var compareErr error

	err = s.repo.Mutate(ctx, phone, now, func(otpData *models.OTPData) bool {
		compareErr = nil

		if otpData.IsExpired(now) {
			outcome = models.OTPExpired
			return false
		}

		if otpData.HasExceededAttempts(s.cfg.MaxAttempts) {
			outcome = models.OTPAttemptsExceeded
			return false
		}

		match, err := s.hasher.Compare(otpData.CodeHash, code)
		if err != nil {
			// An unreadable hash can never match, so the record is dropped.
			compareErr = err
			outcome = models.OTPInvalid
			return false
		}
		if !match {
			otpData.Attempts++
			outcome = models.OTPInvalid
			return true
		}

		otpData.Used = true
		outcome = models.OTPValid
		return false
	})
	if errors.Is(err, repository.ErrKeyNotFound) {
		outcome = models.OTPNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to validate OTP: %w", err)
	}

	if compareErr != nil {
		s.logger.WithError(compareErr).WithField("phone", phone).Error("Stored OTP hash is unreadable, record discarded")
	}

	s.metrics.OTPValidationsTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.WithFields(logrus.Fields{
		"phone":   phone,
		"outcome": outcome,
	}).Info("OTP validated")

	return outcome, nil
}

func (s *OTPService) failed(phone string, err error) (*models.SendResult, error) {
	s.metrics.OTPSendsTotal.WithLabelValues(string(models.SendFailed)).Inc()
	s.logger.WithError(err).WithField("phone", phone).Error("Failed to issue OTP")
	return &models.SendResult{
		Status: models.SendFailed,
		Phone:  phone,
		Reason: err.Error(),
	}, err
}

func (s *OTPService) releaseRateLimit(ctx context.Context, phone string) {
	if err := s.repo.ReleaseRateLimit(ctx, phone); err != nil {
		s.logger.WithError(err).WithField("phone", phone).Warn("Failed to release OTP rate limit")
	}
}

// generateCode draws a uniformly distributed code of length digits,
// zero-padded on the left.
func (s *OTPService) generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
