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
	refreshTokenKeyPrefix        = "refresh_token:"
	refreshTokenByPhoneKeyPrefix = "refresh_token_by_phone:"
	revokedBeforeKeyPrefix       = "refresh_revoked_before:"
)

func RefreshTokenKey(token string) string {
	return refreshTokenKeyPrefix + token
}

func RefreshTokenByPhoneKey(phone string) string {
	return refreshTokenByPhoneKeyPrefix + phone
}

// RevokedBeforeKey holds the cutoff below which a phone's refresh tokens are void.
func RevokedBeforeKey(phone string) string {
	return revokedBeforeKeyPrefix + phone
}

// RefreshTokenRepository keeps every refresh token under two keys: one
// indexed by the token value and one by the owner's phone number.
type RefreshTokenRepository struct {
	store  SessionStore
	logger *logrus.Logger
}

func NewRefreshTokenRepository(store SessionStore, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		store:  store,
		logger: logger,
	}
}

func (r *RefreshTokenRepository) Save(ctx context.Context, token models.RefreshToken, ttl time.Duration) error {
	dataJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	if err := r.store.Set(ctx, RefreshTokenKey(token.Token), dataJSON, ttl); err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	if err := r.store.Set(ctx, RefreshTokenByPhoneKey(token.PhoneNumber), dataJSON, ttl); err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token phone index")
		return fmt.Errorf("failed to store refresh token phone index: %w", err)
	}

	return nil
}

func (r *RefreshTokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	return r.find(ctx, RefreshTokenKey(token))
}

func (r *RefreshTokenRepository) FindByPhone(ctx context.Context, phone string) (*models.RefreshToken, error) {
	return r.find(ctx, RefreshTokenByPhoneKey(phone))
}

// Consume removes the by-token entry atomically and returns the record it held.
// Of several concurrent callers presenting the same token only one succeeds.
func (r *RefreshTokenRepository) Consume(ctx context.Context, token string) (*models.RefreshToken, error) {
	dataJSON, err := r.store.Take(ctx, RefreshTokenKey(token))
	if err != nil {
		return nil, err
	}

	rt, err := decodeRefreshToken(dataJSON)
	if err != nil {
		return nil, err
	}

	if err := r.dropPhoneIndexIfCurrent(ctx, rt); err != nil {
		return nil, err
	}

	return rt, nil
}

// Delete removes both index entries for token. The by-phone entry is only
// removed while it still points at this token.
func (r *RefreshTokenRepository) Delete(ctx context.Context, token *models.RefreshToken) error {
	if err := r.store.Delete(ctx, RefreshTokenKey(token.Token)); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return r.dropPhoneIndexIfCurrent(ctx, token)
}

func (r *RefreshTokenRepository) dropPhoneIndexIfCurrent(ctx context.Context, token *models.RefreshToken) error {
	err := r.store.Update(ctx, RefreshTokenByPhoneKey(token.PhoneNumber), func(current []byte) ([]byte, time.Duration, error) {
		indexed, err := decodeRefreshToken(current)
		if err != nil {
			return nil, 0, err
		}
		if indexed.Token != token.Token {
			return nil, 0, ErrSkipUpdate
		}
		return nil, 0, nil
	})
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to delete refresh token phone index: %w", err)
	}
	return nil
}

// MarkRevokedBefore voids every refresh token of phone issued at or before at.
// ttl should cover the longest refresh token lifetime.
func (r *RefreshTokenRepository) MarkRevokedBefore(ctx context.Context, phone string, at time.Time, ttl time.Duration) error {
	value := []byte(at.UTC().Format(time.RFC3339Nano))
	if err := r.store.Set(ctx, RevokedBeforeKey(phone), value, ttl); err != nil {
		return fmt.Errorf("failed to store refresh token cutoff: %w", err)
	}
	return nil
}

// RevokedBefore returns the cutoff set by MarkRevokedBefore. ok is false when
// the phone has none.
func (r *RefreshTokenRepository) RevokedBefore(ctx context.Context, phone string) (at time.Time, ok bool, err error) {
	value, err := r.store.Get(ctx, RevokedBeforeKey(phone))
	if errors.Is(err, ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err = time.Parse(time.RFC3339Nano, string(value))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse refresh token cutoff: %w", err)
	}
	return at, true, nil
}

func (r *RefreshTokenRepository) find(ctx context.Context, key string) (*models.RefreshToken, error) {
	dataJSON, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeRefreshToken(dataJSON)
}

func decodeRefreshToken(data []byte) (*models.RefreshToken, error) {
	var token models.RefreshToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &token, nil
}
