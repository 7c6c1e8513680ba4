package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/qcom/phoneauth/internal/middleware"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/validate"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/sirupsen/logrus"
)

// Authenticator is the set of auth flows exposed over HTTP.
type Authenticator interface {
	SendRegistrationOTP(ctx context.Context, phone string) (*models.SendResult, error)
	VerifyRegistrationOTP(ctx context.Context, phone, code string) error
	CompleteRegistration(ctx context.Context, profile service.RegistrationProfile) (*models.AuthSession, error)
	Login(ctx context.Context, phone, password string) (*models.AuthSession, error)
	SendLoginOTP(ctx context.Context, phone string) (*models.SendResult, error)
	LoginWithOTP(ctx context.Context, phone, code string) (*models.AuthSession, error)
	SendPasswordResetOTP(ctx context.Context, phone string) (*models.SendResult, error)
	ResetPassword(ctx context.Context, phone, code, newPassword string) error
	Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, error)
	Logout(ctx context.Context, phone string) error
	UpdateStatus(ctx context.Context, phone, status string) error
}

type AuthHandlers struct {
	auth   Authenticator
	logger *logrus.Logger
}

func NewAuthHandlers(auth Authenticator, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		auth:   auth,
		logger: logger,
	}
}

type SendOTPRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
}

type SendOTPResponse struct {
	Message     string `json:"message"`
	PhoneNumber string `json:"phone_number"`
	Dispatched  bool   `json:"dispatched"`
}

type VerifyOTPRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	OTP         string `json:"otp" validate:"required,numeric,min=4,max=9"`
}

type CompleteRegistrationRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	Password    string `json:"password" validate:"required,min=6,max=72"`
	Name        string `json:"name" validate:"omitempty,max=100"`
	Email       string `json:"email" validate:"omitempty,email"`
}

type LoginRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	Password    string `json:"password" validate:"required"`
}

type ResetPasswordRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	OTP         string `json:"otp" validate:"required,numeric,min=4,max=9"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=72"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=online offline away"`
}

type AuthResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	User         UserResponse `json:"user"`
}

type UserResponse struct {
	PhoneNumber string `json:"phone_number"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type MeResponse struct {
	PhoneNumber string    `json:"phone_number"`
	Authorities []string  `json:"authorities"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) SendRegistrationOTP(w http.ResponseWriter, r *http.Request) {
	h.sendOTP(w, r, h.auth.SendRegistrationOTP)
}

func (h *AuthHandlers) VerifyRegistrationOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.auth.VerifyRegistrationOTP(r.Context(), req.PhoneNumber, req.OTP); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Phone number verified"})
}

func (h *AuthHandlers) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	var req CompleteRegistrationRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.auth.CompleteRegistration(r.Context(), service.RegistrationProfile{
		Phone:    req.PhoneNumber,
		Password: req.Password,
		Name:     req.Name,
		Email:    req.Email,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithSession(w, http.StatusCreated, session)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.auth.Login(r.Context(), req.PhoneNumber, req.Password)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithSession(w, http.StatusOK, session)
}

func (h *AuthHandlers) SendLoginOTP(w http.ResponseWriter, r *http.Request) {
	h.sendOTP(w, r, h.auth.SendLoginOTP)
}

func (h *AuthHandlers) LoginWithOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.auth.LoginWithOTP(r.Context(), req.PhoneNumber, req.OTP)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithSession(w, http.StatusOK, session)
}

func (h *AuthHandlers) SendPasswordResetOTP(w http.ResponseWriter, r *http.Request) {
	h.sendOTP(w, r, h.auth.SendPasswordResetOTP)
}

func (h *AuthHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.auth.ResetPassword(r.Context(), req.PhoneNumber, req.OTP, req.NewPassword); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password has been reset"})
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithSession(w, http.StatusOK, session)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	if err := h.auth.Logout(r.Context(), claims.Subject); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.auth.UpdateStatus(r.Context(), claims.Subject, req.Status); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Status updated",
		"status":  req.Status,
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	resp := MeResponse{
		PhoneNumber: claims.Subject,
		Authorities: claims.Authorities,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	h.respondWithJSON(w, http.StatusOK, resp)
}

type sendFunc func(ctx context.Context, phone string) (*models.SendResult, error)

func (h *AuthHandlers) sendOTP(w http.ResponseWriter, r *http.Request, send sendFunc) {
	var req SendOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := send(r.Context(), req.PhoneNumber)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SendOTPResponse{
		Message:     "OTP sent successfully",
		PhoneNumber: result.Phone,
		Dispatched:  result.Dispatched,
	})
}

// decode reads and validates a JSON body into dst. It writes the error
// response itself and reports whether the handler may continue.
func (h *AuthHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.respondWithServiceError(w, err)
		return false
	}
	return true
}

func (h *AuthHandlers) respondWithSession(w http.ResponseWriter, status int, session *models.AuthSession) {
	h.respondWithJSON(w, status, AuthResponse{
		AccessToken:  session.Tokens.AccessToken,
		RefreshToken: session.Tokens.RefreshToken,
		TokenType:    session.Tokens.TokenType,
		ExpiresIn:    session.Tokens.ExpiresIn,
		User:         UserResponse{PhoneNumber: session.Phone},
	})
}

// respondWithServiceError maps service errors onto HTTP statuses.
func (h *AuthHandlers) respondWithServiceError(w http.ResponseWriter, err error) {
	var rateLimited *models.RateLimitError

	switch {
	case errors.As(err, &rateLimited):
		seconds := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Please wait before requesting another OTP")
	case errors.Is(err, models.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, models.ErrOTPMismatch):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_OTP", "Invalid OTP")
	case errors.Is(err, models.ErrOTPExpired):
		h.respondWithError(w, http.StatusUnauthorized, "OTP_EXPIRED", "OTP has expired")
	case errors.Is(err, models.ErrOTPNotFound):
		h.respondWithError(w, http.StatusUnauthorized, "OTP_NOT_FOUND", "No active OTP for this phone number")
	case errors.Is(err, models.ErrOTPAttemptsExceeded):
		h.respondWithError(w, http.StatusForbidden, "OTP_ATTEMPTS_EXCEEDED", "Maximum OTP attempts exceeded")
	case errors.Is(err, models.ErrTokenExpired):
		h.respondWithError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired")
	case errors.Is(err, models.ErrTokenInvalid):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token")
	case errors.Is(err, models.ErrInvalidCredentials):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid phone number or password")
	case errors.Is(err, models.ErrUserConflict):
		h.respondWithError(w, http.StatusConflict, "USER_EXISTS", "Phone number is already registered")
	case errors.Is(err, models.ErrUserNotFound):
		h.respondWithError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, models.ErrDownstreamUnavailable):
		h.logger.WithError(err).Error("Dependency unavailable")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
	case errors.Is(err, models.ErrDownstreamRejected):
		h.logger.WithError(err).Error("Dependency rejected request")
		h.respondWithError(w, http.StatusBadGateway, "UPSTREAM_REJECTED", "Request rejected by user service")
	default:
		h.logger.WithError(err).Error("Unhandled error")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Error("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
