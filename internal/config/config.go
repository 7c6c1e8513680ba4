package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	DynamoDB      DynamoDBConfig
	JWT           JWTConfig
	OTP           OTPConfig
	SMS           SMSConfig
	UserDirectory UserDirectoryConfig
	Retry         RetryConfig
	RateLimit     RateLimitConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	LogLevel       string
	AllowedOrigins []string
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type OTPConfig struct {
	Length             int
	Expiry             time.Duration
	MaxAttempts        int
	RateLimitWindow    time.Duration
	DefaultCountryCode string
	LogCodes           bool
}

type SMSConfig struct {
	Provider   string
	FromNumber string
	SNSRegion  string
}

type UserDirectoryConfig struct {
	Backend string
	BaseURL string
	Timeout time.Duration
}

// RetryConfig bounds retries of failed user directory calls. MaxRetries
// counts calls after the first one.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// TrustProxyHeaders keys clients on X-Forwarded-For/X-Real-IP. Enable it
	// only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
}

const (
	SMSProviderLog = "log"
	SMSProviderSNS = "sns"

	DirectoryBackendHTTP     = "http"
	DirectoryBackendDynamoDB = "dynamodb"
)

func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "PhoneAuthUsers"),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", time.Hour),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 30*24*time.Hour),
		},
		OTP: OTPConfig{
			Length:             getEnvAsInt("OTP_LENGTH", 6),
			Expiry:             getEnvAsDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts:        getEnvAsInt("OTP_MAX_ATTEMPTS", 3),
			RateLimitWindow:    getEnvAsDuration("OTP_RATE_LIMIT_WINDOW", 60*time.Second),
			DefaultCountryCode: getEnv("DEFAULT_COUNTRY_CODE", "84"),
			LogCodes:           getEnvAsBool("OTP_LOG_CODES", false),
		},
		SMS: SMSConfig{
			Provider:   getEnv("SMS_PROVIDER", SMSProviderLog),
			FromNumber: getEnv("SMS_FROM_NUMBER", ""),
			SNSRegion:  getEnv("SNS_REGION", "us-east-1"),
		},
		UserDirectory: UserDirectoryConfig{
			Backend: getEnv("USER_DIRECTORY_BACKEND", DirectoryBackendHTTP),
			BaseURL: getEnv("USER_DIRECTORY_URL", "http://localhost:3000"),
			Timeout: getEnvAsDuration("USER_DIRECTORY_TIMEOUT", 10*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:      getEnvAsInt("RETRY_MAX_RETRIES", 3),
			InitialInterval: getEnvAsDuration("RETRY_INITIAL_INTERVAL", time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
			TrustProxyHeaders: getEnvAsBool("TRUST_PROXY_HEADERS", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if c.OTP.Length < 4 || c.OTP.Length > 9 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 9, got %d", c.OTP.Length)
	}

	if c.OTP.MaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX_RETRIES must not be negative")
	}

	switch c.SMS.Provider {
	case SMSProviderLog, SMSProviderSNS:
	default:
		return fmt.Errorf("unknown SMS_PROVIDER %q", c.SMS.Provider)
	}

	switch c.UserDirectory.Backend {
	case DirectoryBackendHTTP, DirectoryBackendDynamoDB:
	default:
		return fmt.Errorf("unknown USER_DIRECTORY_BACKEND %q", c.UserDirectory.Backend)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
