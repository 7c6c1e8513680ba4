package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/qcom/phoneauth/internal/client"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/handlers"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/middleware"
	"github.com/qcom/phoneauth/internal/pkg/password"
	"github.com/qcom/phoneauth/internal/repository"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Server.LogLevel).Warn("Unknown log level, using info")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	redisClient, err := initRedis(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Redis")
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	hasher := password.NewBcrypt(0)

	directory, err := initUserDirectory(ctx, cfg, hasher, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize user directory")
	}

	smsGateway, err := initSMSGateway(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize SMS gateway")
	}

	// Initialize repositories
	store := repository.NewRedisStore(redisClient, logger)
	otpRepo := repository.NewOTPRepository(store, logger)
	refreshTokenRepo := repository.NewRefreshTokenRepository(store, logger)

	// Initialize services
	jwtService, err := service.NewJWTService(&cfg.JWT, m, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	phones := service.NewPhoneNormalizer(cfg.OTP.DefaultCountryCode)
	otpService := service.NewOTPService(otpRepo, smsGateway, hasher, phones, &cfg.OTP, cfg.SMS.FromNumber, m, logger)
	refreshTokenService := service.NewRefreshTokenService(refreshTokenRepo, cfg.JWT.RefreshExpiry, m, logger)

	authService := service.NewAuthService(service.AuthServiceDeps{
		OTP:           otpService,
		OTPRepository: otpRepo,
		JWT:           jwtService,
		RefreshTokens: refreshTokenService,
		Directory:     directory,
		Hasher:        hasher,
		Phones:        phones,
		Retry:         service.NewRetryPolicy(cfg.Retry, m, logger),
		Metrics:       m,
		Logger:        logger,
	})

	router := handlers.NewRouter(handlers.RouterDeps{
		Auth:              handlers.NewAuthHandlers(authService, logger),
		Health:            handlers.NewHealthHandler(store, logger),
		AuthMiddleware:    middleware.NewAuthMiddleware(jwtService, logger),
		RateLimiter:       middleware.NewRateLimiter(ctx, rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		Metrics:           m,
		MetricsHandler:    metrics.Handler(registry),
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
		Logger:            logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initRedis(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Endpoint, err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func initUserDirectory(ctx context.Context, cfg *config.Config, hasher password.Hasher, logger *logrus.Logger) (service.UserDirectory, error) {
	if cfg.UserDirectory.Backend == config.DirectoryBackendHTTP {
		logger.WithField("base_url", cfg.UserDirectory.BaseURL).Info("Using HTTP user directory")
		return client.NewUserDirectoryClient(cfg.UserDirectory.BaseURL, cfg.UserDirectory.Timeout, nil, logger), nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.DynamoDB.Region)
	if err != nil {
		return nil, err
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
		}
	})

	logger.WithField("table", cfg.DynamoDB.TableName).Info("Using DynamoDB user directory")
	return repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, hasher, cfg.UserDirectory.Timeout, logger), nil
}

func initSMSGateway(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (service.SMSGateway, error) {
	if cfg.SMS.Provider == config.SMSProviderLog {
		logger.Warn("SMS provider is 'log'; OTP messages are not delivered")
		return client.NewLogGateway(logger, cfg.OTP.LogCodes), nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.SMS.SNSRegion)
	if err != nil {
		return nil, err
	}

	logger.WithField("region", cfg.SMS.SNSRegion).Info("Using SNS SMS gateway")
	return client.NewSNSGateway(sns.NewFromConfig(awsCfg), logger), nil
}
