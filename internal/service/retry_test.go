package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetry(maxRetries int) (*RetryPolicy, *test.Hook, *metrics.Metrics) {
	logger, hook := test.NewNullLogger()
	m := metrics.NewNop()
	return NewRetryPolicy(config.RetryConfig{MaxRetries: maxRetries, InitialInterval: 5 * time.Millisecond}, m, logger), hook, m
}

func TestRetryPolicy_SucceedsAfterTransientFailure(t *testing.T) {
	policy, hook, m := newTestRetry(3)

	calls := 0
	err := policy.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("%w: 503", models.ErrDownstreamUnavailable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, retryWaits(hook))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DirectoryRetriesTotal.WithLabelValues("op")))
}

func TestRetryPolicy_ExhaustsRetries(t *testing.T) {
	policy, hook, _ := newTestRetry(3)

	calls := 0
	err := policy.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fmt.Errorf("%w: 500", models.ErrDownstreamUnavailable)
	})

	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, retryWaits(hook))
}

func TestRetryPolicy_PermanentErrors(t *testing.T) {
	for _, sentinel := range []error{models.ErrUserConflict, models.ErrUserNotFound, models.ErrDownstreamRejected, errors.New("boom")} {
		policy, hook, _ := newTestRetry(3)

		calls := 0
		err := policy.Do(context.Background(), "op", func(context.Context) error {
			calls++
			return sentinel
		})

		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
		assert.Empty(t, retryWaits(hook))
	}
}

func TestRetryPolicy_NoRetries(t *testing.T) {
	policy, hook, _ := newTestRetry(0)

	calls := 0
	err := policy.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return models.ErrDownstreamUnavailable
	})
	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)
	assert.Equal(t, 1, calls)
	assert.Empty(t, retryWaits(hook))
}

func TestRetryPolicy_SingleAttemptPermanent(t *testing.T) {
	policy, _, _ := newTestRetry(0)

	err := policy.Do(context.Background(), "op", func(context.Context) error {
		return models.ErrUserConflict
	})
	assert.Equal(t, models.ErrUserConflict, err)
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	policy := NewRetryPolicy(config.RetryConfig{MaxRetries: 5, InitialInterval: time.Hour}, metrics.NewNop(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := policy.Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return models.ErrDownstreamUnavailable
	})

	assert.ErrorIs(t, err, models.ErrDownstreamUnavailable)
	assert.Equal(t, 1, calls)
}
