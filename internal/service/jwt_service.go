package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

const accessTokenType = "access"

// JWTService signs and verifies stateless HS256 access tokens. Verification
// never touches the session store.
type JWTService struct {
	secretKey    []byte
	accessExpiry time.Duration
	parser       *jwt.Parser
	metrics      *metrics.Metrics
	logger       *logrus.Logger
	now          func() time.Time
}

func NewJWTService(cfg *config.JWTConfig, m *metrics.Metrics, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	s := &JWTService{
		secretKey:    secretKey,
		accessExpiry: cfg.AccessExpiry,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)

	return s, nil
}

type Claims struct {
	Type        string   `json:"type"`
	Authorities []string `json:"authorities,omitempty"`
	jwt.RegisteredClaims
}

// IssueAccessToken signs a token for subject carrying the given authorities.
func (s *JWTService) IssueAccessToken(subject string, authorities []string) (string, error) {
	now := s.now()
	claims := &Claims{
		Type:        accessTokenType,
		Authorities: authorities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	s.metrics.TokensIssuedTotal.WithLabelValues(accessTokenType).Inc()
	return signed, nil
}

// ParseAccessToken verifies signature, algorithm and expiry. Expired tokens
// yield ErrTokenExpired, everything else ErrTokenInvalid.
func (s *JWTService) ParseAccessToken(tokenString string) (*Claims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", models.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", models.ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, models.ErrTokenInvalid
	}

	if claims.Type != accessTokenType || claims.Subject == "" {
		return nil, fmt.Errorf("%w: not an access token", models.ErrTokenInvalid)
	}

	return claims, nil
}

func (s *JWTService) ValidateAccessToken(tokenString string) bool {
	_, err := s.ParseAccessToken(tokenString)
	return err == nil
}

// ExtractSubject returns the phone number the token was issued for.
func (s *JWTService) ExtractSubject(tokenString string) (string, error) {
	claims, err := s.ParseAccessToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// AccessExpiry is the lifetime of newly issued access tokens.
func (s *JWTService) AccessExpiry() time.Duration {
	return s.accessExpiry
}
