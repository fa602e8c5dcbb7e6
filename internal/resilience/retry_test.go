package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Factor:      2.0,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.1,
	}
}

func TestRetryer_TransientExhaustsAttempts(t *testing.T) {
	r := NewRetryer(testRetryConfig(), zap.NewNop())

	attempts := 0
	err := r.Do(context.Background(), "elasticsearch", func(context.Context) error {
		attempts++
		return mcperr.New(mcperr.KindExternalService, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, mcperr.IsKind(err, mcperr.KindExternalService))
}

func TestRetryer_NonTransientFailsImmediately(t *testing.T) {
	r := NewRetryer(testRetryConfig(), zap.NewNop())

	attempts := 0
	err := r.Do(context.Background(), "elasticsearch", func(context.Context) error {
		attempts++
		return mcperr.New(mcperr.KindValidation, "bad query")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, mcperr.IsKind(err, mcperr.KindValidation))
}

func TestRetryer_CircuitOpenNotRetried(t *testing.T) {
	r := NewRetryer(testRetryConfig(), zap.NewNop())

	attempts := 0
	err := r.Do(context.Background(), "elasticsearch", func(context.Context) error {
		attempts++
		return mcperr.New(mcperr.KindCircuitOpen, "breaker open")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "breaker rejections must not consume retry budget")
}

func TestRetryer_RecoversAfterTransientFailures(t *testing.T) {
	r := NewRetryer(testRetryConfig(), zap.NewNop())

	attempts := 0
	err := r.Do(context.Background(), "elasticsearch", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return mcperr.New(mcperr.KindTimeout, "slow")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_Delays(t *testing.T) {
	r := NewRetryer(config.RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
	}, zap.NewNop())

	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
	}, r.Delays())
}

func TestRetryer_DelaysCappedAtMax(t *testing.T) {
	r := NewRetryer(config.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Factor:      10.0,
		MaxDelay:    15 * time.Second,
		Jitter:      0,
	}, zap.NewNop())

	delays := r.Delays()
	require.Len(t, delays, 4)
	for _, d := range delays[1:] {
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}
