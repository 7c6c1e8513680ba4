package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/password"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/sirupsen/logrus"
)

// UserDirectory is the system of record for user profiles and credentials.
type UserDirectory interface {
	CheckExists(ctx context.Context, phone string) (bool, error)
	Register(ctx context.Context, reg models.Registration) (*models.User, error)
	FindByPhone(ctx context.Context, phone string) (*models.User, error)
	UpdateStatus(ctx context.Context, phone, status string) error
	UpdatePassword(ctx context.Context, phone, password string) error
}

const (
	verifiedRegistrationTTL = 15 * time.Minute
	minPasswordLength       = 6
	placeholderEmailDomain  = "phone.invalid"
	tokenTypeBearer         = "Bearer"
)

// RegistrationProfile is the data collected on the last registration step.
type RegistrationProfile struct {
	Phone    string
	Password string
	Name     string
	Email    string
}

// AuthService drives the registration, login, password reset and session
// flows. Every user directory call goes through the retry policy.
type AuthService struct {
	otp       *OTPService
	otpRepo   *repository.OTPRepository
	jwt       *JWTService
	refresh   *RefreshTokenService
	directory UserDirectory
	hasher    password.Hasher
	phones    *PhoneNormalizer
	retry     *RetryPolicy
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

type AuthServiceDeps struct {
	OTP           *OTPService
	OTPRepository *repository.OTPRepository
	JWT           *JWTService
	RefreshTokens *RefreshTokenService
	Directory     UserDirectory
	Hasher        password.Hasher
	Phones        *PhoneNormalizer
	Retry         *RetryPolicy
	Metrics       *metrics.Metrics
	Logger        *logrus.Logger
}

func NewAuthService(deps AuthServiceDeps) *AuthService {
	return &AuthService{
		otp:       deps.OTP,
		otpRepo:   deps.OTPRepository,
		jwt:       deps.JWT,
		refresh:   deps.RefreshTokens,
		directory: deps.Directory,
		hasher:    deps.Hasher,
		phones:    deps.Phones,
		retry:     deps.Retry,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// SendRegistrationOTP sends a code to a phone that is not registered yet.
func (s *AuthService) SendRegistrationOTP(ctx context.Context, rawPhone string) (*models.SendResult, error) {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = s.retry.Do(ctx, "check-exists", func(ctx context.Context) error {
		var err error
		exists, err = s.directory.CheckExists(ctx, phone)
		return err
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", models.ErrUserConflict, phone)
	}

	return s.sendOTP(ctx, phone)
}

// VerifyRegistrationOTP checks the registration code. Only a valid code
// marks the phone as verified for CompleteRegistration.
func (s *AuthService) VerifyRegistrationOTP(ctx context.Context, rawPhone, code string) error {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return err
	}

	outcome, err := s.otp.Validate(ctx, phone, code)
	if err != nil {
		return err
	}
	if err := outcome.Err(); err != nil {
		s.metrics.AuthFailuresTotal.WithLabelValues("registration").Inc()
		return err
	}

	return s.otpRepo.MarkVerified(ctx, phone, s.now(), verifiedRegistrationTTL)
}

// CompleteRegistration creates the user in the directory and opens a session.
func (s *AuthService) CompleteRegistration(ctx context.Context, profile RegistrationProfile) (*models.AuthSession, error) {
	phone, err := s.phones.Normalize(profile.Phone)
	if err != nil {
		return nil, err
	}
	if len(profile.Password) < minPasswordLength {
		return nil, models.ValidationErrorf("password must be at least %d characters", minPasswordLength)
	}

	verified, err := s.otpRepo.IsVerified(ctx, phone)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, fmt.Errorf("%w: phone has not been verified", models.ErrOTPNotFound)
	}

	email := strings.TrimSpace(profile.Email)
	if email == "" {
		email = strings.TrimPrefix(phone, "+") + "@" + placeholderEmailDomain
	}

	reg := models.Registration{
		Phone:    phone,
		Email:    email,
		Password: profile.Password,
		Name:     strings.TrimSpace(profile.Name),
		Status:   models.StatusOnline,
	}

	err = s.retry.Do(ctx, "register", func(ctx context.Context) error {
		_, err := s.directory.Register(ctx, reg)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("phone", phone).Warn("Registration rejected")
		return nil, err
	}

	if err := s.otpRepo.ClearVerified(ctx, phone); err != nil {
		s.logger.WithError(err).WithField("phone", phone).Warn("Failed to clear verified marker")
	}

	s.logger.WithField("phone", phone).Info("User registered")
	return s.issueSession(ctx, phone)
}

// Login authenticates with phone and password. Unknown phones and wrong
// passwords both fail with ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, rawPhone, plain string) (*models.AuthSession, error) {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}
	if plain == "" {
		return nil, models.ValidationErrorf("password is required")
	}

	user, err := s.findUser(ctx, phone)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, s.invalidCredentials("password_login", phone, err)
	}
	if err != nil {
		return nil, err
	}

	if user.PasswordHash == "" {
		return nil, s.invalidCredentials("password_login", phone, errors.New("user has no password"))
	}

	match, err := s.hasher.Compare(user.PasswordHash, plain)
	if err != nil {
		return nil, s.invalidCredentials("password_login", phone, err)
	}
	if !match {
		return nil, s.invalidCredentials("password_login", phone, errors.New("password mismatch"))
	}

	return s.issueSession(ctx, phone)
}

// SendLoginOTP sends a code to a registered phone for LoginWithOTP.
func (s *AuthService) SendLoginOTP(ctx context.Context, rawPhone string) (*models.SendResult, error) {
	return s.sendToRegistered(ctx, rawPhone)
}

// LoginWithOTP opens a session for phone once code validates.
func (s *AuthService) LoginWithOTP(ctx context.Context, rawPhone, code string) (*models.AuthSession, error) {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	outcome, err := s.otp.Validate(ctx, phone, code)
	if err != nil {
		return nil, err
	}
	if err := outcome.Err(); err != nil {
		s.metrics.AuthFailuresTotal.WithLabelValues("otp_login").Inc()
		return nil, err
	}

	// A code sent for registration must not open a session for an unknown phone.
	if _, err := s.findUser(ctx, phone); err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, s.invalidCredentials("otp_login", phone, err)
		}
		return nil, err
	}

	return s.issueSession(ctx, phone)
}

// SendPasswordResetOTP sends a reset code to a registered phone.
func (s *AuthService) SendPasswordResetOTP(ctx context.Context, rawPhone string) (*models.SendResult, error) {
	return s.sendToRegistered(ctx, rawPhone)
}

// ResetPassword replaces the password once code validates and revokes every
// refresh token of the phone.
func (s *AuthService) ResetPassword(ctx context.Context, rawPhone, code, newPassword string) error {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return err
	}
	if len(newPassword) < minPasswordLength {
		return models.ValidationErrorf("password must be at least %d characters", minPasswordLength)
	}

	outcome, err := s.otp.Validate(ctx, phone, code)
	if err != nil {
		return err
	}
	if err := outcome.Err(); err != nil {
		s.metrics.AuthFailuresTotal.WithLabelValues("password_reset").Inc()
		return err
	}

	err = s.retry.Do(ctx, "update-password", func(ctx context.Context) error {
		return s.directory.UpdatePassword(ctx, phone, newPassword)
	})
	if err != nil {
		return err
	}

	if err := s.refresh.RevokeAll(ctx, phone); err != nil {
		s.logger.WithError(err).WithField("phone", phone).Warn("Failed to revoke refresh tokens after password reset")
	}

	s.logger.WithField("phone", phone).Info("Password reset")
	return nil
}

// Refresh exchanges a refresh token for a new token pair. The presented token
// is consumed, so replaying it fails with ErrTokenInvalid.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, error) {
	rt, err := s.refresh.Consume(ctx, refreshToken)
	if err != nil {
		s.metrics.AuthFailuresTotal.WithLabelValues("refresh").Inc()
		return nil, err
	}

	return s.issueSession(ctx, rt.PhoneNumber)
}

// Logout revokes the current refresh token of the authenticated phone.
// Issued access tokens stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, phone string) error {
	if err := s.refresh.Revoke(ctx, phone); err != nil {
		return err
	}
	s.logger.WithField("phone", phone).Info("User logged out")
	return nil
}

func (s *AuthService) UpdateStatus(ctx context.Context, phone, status string) error {
	switch status {
	case models.StatusOnline, models.StatusOffline, models.StatusAway:
	default:
		return models.ValidationErrorf("unknown status %q", status)
	}

	return s.retry.Do(ctx, "update-status", func(ctx context.Context) error {
		return s.directory.UpdateStatus(ctx, phone, status)
	})
}

func (s *AuthService) sendToRegistered(ctx context.Context, rawPhone string) (*models.SendResult, error) {
	phone, err := s.phones.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	if _, err := s.findUser(ctx, phone); err != nil {
		return nil, err
	}

	return s.sendOTP(ctx, phone)
}

// sendOTP turns a rate-limited result into a *models.RateLimitError.
func (s *AuthService) sendOTP(ctx context.Context, phone string) (*models.SendResult, error) {
	result, err := s.otp.Send(ctx, phone)
	if err != nil {
		return result, err
	}
	if result.Status == models.SendRateLimited {
		return result, &models.RateLimitError{Phone: phone, RetryAfter: result.RetryAfter}
	}
	return result, nil
}

func (s *AuthService) findUser(ctx context.Context, phone string) (*models.User, error) {
	var user *models.User
	err := s.retry.Do(ctx, "find-by-phone", func(ctx context.Context) error {
		var err error
		user, err = s.directory.FindByPhone(ctx, phone)
		return err
	})
	return user, err
}

func (s *AuthService) invalidCredentials(flow, phone string, cause error) error {
	s.metrics.AuthFailuresTotal.WithLabelValues(flow).Inc()
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"phone": phone,
		"flow":  flow,
	}).Warn("Login failed")
	return models.ErrInvalidCredentials
}

func (s *AuthService) issueSession(ctx context.Context, phone string) (*models.AuthSession, error) {
	accessToken, err := s.jwt.IssueAccessToken(phone, []string{models.RoleUser})
	if err != nil {
		return nil, err
	}

	rt, err := s.refresh.Issue(ctx, phone)
	if err != nil {
		return nil, err
	}

	return &models.AuthSession{
		Phone: phone,
		Tokens: &models.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: rt.Token,
			TokenType:    tokenTypeBearer,
			ExpiresIn:    int64(s.jwt.AccessExpiry().Seconds()),
		},
	}, nil
}
