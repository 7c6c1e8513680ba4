package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const claimsKey contextKey = "claims"

// TokenParser verifies a bearer access token.
type TokenParser interface {
	ParseAccessToken(token string) (*service.Claims, error)
}

type AuthMiddleware struct {
	tokens TokenParser
	logger *logrus.Logger
}

func NewAuthMiddleware(tokens TokenParser, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing authorization header")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization header format")
			return
		}

		claims, err := m.tokens.ParseAccessToken(parts[1])
		if err != nil {
			m.logger.WithError(err).Debug("Token verification failed")
			if errors.Is(err, models.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Access token has expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid access token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the claims RequireAuth stored on the request.
func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*service.Claims)
	return claims, ok
}

// WithClaims stores claims on ctx the way RequireAuth does.
func WithClaims(ctx context.Context, claims *service.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}
