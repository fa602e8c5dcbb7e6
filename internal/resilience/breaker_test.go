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

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
	}
}

// clockBreaker returns a breaker whose clock the test controls.
func clockBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker("test", testBreakerConfig(), zap.NewNop())
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func failOnce(ctx context.Context) error {
	return mcperr.New(mcperr.KindExternalService, "backend down")
}

func succeed(ctx context.Context) error { return nil }

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := clockBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, b.Execute(ctx, failOnce))
		assert.Equal(t, StateClosed, b.State())
	}
	require.Error(t, b.Execute(ctx, failOnce))
	assert.Equal(t, StateOpen, b.State())

	// The open breaker rejects without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.True(t, mcperr.IsKind(err, mcperr.KindCircuitOpen))
	assert.False(t, invoked)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := clockBreaker(t)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failOnce))
	require.Error(t, b.Execute(ctx, failOnce))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Error(t, b.Execute(ctx, failOnce))
	require.Error(t, b.Execute(ctx, failOnce))
	assert.Equal(t, StateClosed, b.State(), "interleaved success resets the consecutive count")
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b, now := clockBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failOnce)
	}
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute(), "still inside the recovery window")

	*now = now.Add(2 * time.Minute)
	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State(), "one success is not enough to close")
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := clockBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failOnce)
	}
	*now = now.Add(2 * time.Minute)
	require.True(t, b.CanExecute())

	require.Error(t, b.Execute(ctx, failOnce))
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute(), "reopening restarts the recovery window")
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	b, now := clockBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failOnce)
	}
	*now = now.Add(2 * time.Minute)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	err := b.Execute(ctx, succeed)
	assert.True(t, mcperr.IsKind(err, mcperr.KindCircuitOpen), "second concurrent probe is rejected")

	close(release)
	require.NoError(t, <-done)
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := clockBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, failOnce)
	snap := b.Snapshot()
	assert.Equal(t, "test", snap.Name)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestRegistry_SharedInstances(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), zap.NewNop())

	a := r.Register("elasticsearch")
	b := r.Register("elasticsearch")
	assert.Same(t, a, b)

	r.Register("intel_dshield")
	assert.Len(t, r.Snapshots(), 2)

	assert.Nil(t, r.Get("unknown"))
	assert.Same(t, a, r.Get("elasticsearch"))
}
