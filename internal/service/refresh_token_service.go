package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/token"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/sirupsen/logrus"
)

const refreshTokenType = "refresh"

// RefreshTokenService manages opaque, server-side refresh tokens. Each phone
// has at most one current token; presenting a token consumes it.
type RefreshTokenService struct {
	repo    *repository.RefreshTokenRepository
	expiry  time.Duration
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

func NewRefreshTokenService(repo *repository.RefreshTokenRepository, expiry time.Duration, m *metrics.Metrics, logger *logrus.Logger) *RefreshTokenService {
	return &RefreshTokenService{
		repo:    repo,
		expiry:  expiry,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Issue creates and persists a new refresh token for phone, replacing the
// phone's current one in the by-phone index.
func (s *RefreshTokenService) Issue(ctx context.Context, phone string) (*models.RefreshToken, error) {
	value, err := token.NewOpaque()
	if err != nil {
		return nil, err
	}

	now := s.now()
	rt := models.RefreshToken{
		ID:          uuid.New().String(),
		Token:       value,
		PhoneNumber: phone,
		ExpiryDate:  now.Add(s.expiry),
		IssuedAt:    now,
	}

	if err := s.repo.Save(ctx, rt, s.expiry); err != nil {
		return nil, err
	}

	s.metrics.TokensIssuedTotal.WithLabelValues(refreshTokenType).Inc()
	s.logger.WithFields(logrus.Fields{
		"phone":    phone,
		"token_id": rt.ID,
	}).Info("Refresh token issued")

	return &rt, nil
}

// Consume removes the token and returns its record. Unknown or already used
// tokens fail with ErrTokenInvalid, expired ones with ErrTokenExpired. Tokens
// issued before a RevokeAll of their phone are invalid.
func (s *RefreshTokenService) Consume(ctx context.Context, value string) (*models.RefreshToken, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: empty refresh token", models.ErrTokenInvalid)
	}

	rt, err := s.repo.Consume(ctx, value)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: refresh token not found", models.ErrTokenInvalid)
	}
	if err != nil {
		return nil, err
	}

	if rt.IsExpired(s.now()) {
		return nil, models.ErrTokenExpired
	}

	cutoff, ok, err := s.repo.RevokedBefore(ctx, rt.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if ok && !rt.IssuedAt.After(cutoff) {
		return nil, fmt.Errorf("%w: refresh token revoked", models.ErrTokenInvalid)
	}

	return rt, nil
}

// FindByPhone returns the phone's current refresh token, or ErrTokenInvalid.
func (s *RefreshTokenService) FindByPhone(ctx context.Context, phone string) (*models.RefreshToken, error) {
	rt, err := s.repo.FindByPhone(ctx, phone)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return nil, models.ErrTokenInvalid
	}
	return rt, err
}

// Revoke deletes the phone's current refresh token. A phone without one is
// not an error.
func (s *RefreshTokenService) Revoke(ctx context.Context, phone string) error {
	rt, err := s.FindByPhone(ctx, phone)
	if errors.Is(err, models.ErrTokenInvalid) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, rt); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"phone":    phone,
		"token_id": rt.ID,
	}).Info("Refresh token revoked")
	return nil
}

// RevokeAll voids every refresh token of phone issued so far, including the
// ones no longer referenced by the by-phone index.
func (s *RefreshTokenService) RevokeAll(ctx context.Context, phone string) error {
	if err := s.Revoke(ctx, phone); err != nil {
		return err
	}
	return s.repo.MarkRevokedBefore(ctx, phone, s.now(), s.expiry)
}
