package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/pkg/password"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type sentMessage struct {
	To   string
	Body string
}

type fakeSMS struct {
	mu       sync.Mutex
	messages []sentMessage
	err      error
}

func (f *fakeSMS) Send(_ context.Context, to, _, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, sentMessage{To: to, Body: body})
	return "msg-1", nil
}

// lastCode returns the code from the most recent message.
func (f *fakeSMS) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	body := f.messages[len(f.messages)-1].Body
	return strings.TrimPrefix(body, "Your OTP is: ")
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) CheckExists(ctx context.Context, phone string) (bool, error) {
	args := m.Called(ctx, phone)
	return args.Bool(0), args.Error(1)
}

func (m *mockDirectory) Register(ctx context.Context, reg models.Registration) (*models.User, error) {
	args := m.Called(ctx, reg)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *mockDirectory) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	args := m.Called(ctx, phone)
	user, _ := args.Get(0).(*models.User)
	return user, args.Error(1)
}

func (m *mockDirectory) UpdateStatus(ctx context.Context, phone, status string) error {
	return m.Called(ctx, phone, status).Error(0)
}

func (m *mockDirectory) UpdatePassword(ctx context.Context, phone, plain string) error {
	return m.Called(ctx, phone, plain).Error(0)
}

type testEnv struct {
	mr        *miniredis.Miniredis
	sms       *fakeSMS
	directory *mockDirectory
	hook      *test.Hook
	hasher    *password.Bcrypt
	otpRepo   *repository.OTPRepository
	otp       *OTPService
	jwt       *JWTService
	refresh   *RefreshTokenService
	retry     *RetryPolicy
	auth      *AuthService
}

func testOTPConfig() *config.OTPConfig {
	return &config.OTPConfig{
		Length:             6,
		Expiry:             5 * time.Minute,
		MaxAttempts:        3,
		RateLimitWindow:    60 * time.Second,
		DefaultCountryCode: "84",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	m := metrics.NewNop()
	store := repository.NewRedisStore(client, logger)
	otpRepo := repository.NewOTPRepository(store, logger)
	refreshRepo := repository.NewRefreshTokenRepository(store, logger)
	hasher := password.NewBcrypt(bcrypt.MinCost)
	phones := NewPhoneNormalizer("84")
	sms := &fakeSMS{}
	directory := &mockDirectory{}

	jwtSvc, err := NewJWTService(&config.JWTConfig{
		SecretKey:     testSecret,
		AccessExpiry:  time.Hour,
		RefreshExpiry: 30 * 24 * time.Hour,
	}, m, logger)
	if err != nil {
		t.Fatal(err)
	}

	otpSvc := NewOTPService(otpRepo, sms, hasher, phones, testOTPConfig(), "", m, logger)
	refreshSvc := NewRefreshTokenService(refreshRepo, 30*24*time.Hour, m, logger)
	retry := NewRetryPolicy(config.RetryConfig{MaxRetries: 3, InitialInterval: 10 * time.Millisecond}, m, logger)

	auth := NewAuthService(AuthServiceDeps{
		OTP:           otpSvc,
		OTPRepository: otpRepo,
		JWT:           jwtSvc,
		RefreshTokens: refreshSvc,
		Directory:     directory,
		Hasher:        hasher,
		Phones:        phones,
		Retry:         retry,
		Metrics:       m,
		Logger:        logger,
	})

	return &testEnv{
		mr:        mr,
		sms:       sms,
		directory: directory,
		hook:      hook,
		hasher:    hasher,
		otpRepo:   otpRepo,
		otp:       otpSvc,
		jwt:       jwtSvc,
		refresh:   refreshSvc,
		retry:     retry,
		auth:      auth,
	}
}

// wrongCode returns a code that differs from code.
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// retryWaits collects the backoff durations logged before each retry.
func retryWaits(hook *test.Hook) []time.Duration {
	var waits []time.Duration
	for _, entry := range hook.AllEntries() {
		if wait, ok := entry.Data["backoff"].(time.Duration); ok {
			waits = append(waits, wait)
		}
	}
	return waits
}
