package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	backoffMultiplier  = 2.0
	backoffMaxInterval = 30 * time.Second
)

// RetryPolicy retries user directory calls that failed with
// ErrDownstreamUnavailable. Any other error ends the call immediately.
type RetryPolicy struct {
	maxRetries      int
	initialInterval time.Duration
	metrics         *metrics.Metrics
	logger          *logrus.Logger
}

func NewRetryPolicy(cfg config.RetryConfig, m *metrics.Metrics, logger *logrus.Logger) *RetryPolicy {
	return &RetryPolicy{
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
		metrics:         m,
		logger:          logger,
	}
}

// Do runs fn once plus up to maxRetries retries with exponential backoff
// between attempts. The returned error still matches the last failure's sentinel.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = backoffMaxInterval

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, models.ErrDownstreamUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, wait time.Duration) {
		p.metrics.DirectoryRetriesTotal.WithLabelValues(op).Inc()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempts,
			"backoff":   wait,
		}).Warn("Downstream call failed, retrying")
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return nil
	}

	// Retry hands back the wrapper when the last allowed attempt was permanent.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	if errors.Is(err, models.ErrDownstreamUnavailable) {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempts":  attempts,
		}).Error("Downstream call failed after retries")
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %s: %w", models.ErrDownstreamUnavailable, op, err)
	}
	return err
}
