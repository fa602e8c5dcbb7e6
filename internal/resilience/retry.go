package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

// Retryer wraps calls with exponential backoff and jitter. Only transient
// error kinds are retried; breaker rejections and validation failures
// surface immediately. Retries never bypass the breaker: the wrapped
// operation is expected to go through Breaker.Execute itself.
type Retryer struct {
	cfg    config.RetryConfig
	logger *zap.Logger
}

// NewRetryer creates a Retryer from config.
func NewRetryer(cfg config.RetryConfig, logger *zap.Logger) *Retryer {
	return &Retryer{cfg: cfg, logger: logger}
}

// Do runs op until it succeeds, exhausts the attempt budget, or fails
// with a non-transient kind.
func (r *Retryer) Do(ctx context.Context, service string, op func(context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.BaseDelay
	expo.Multiplier = r.cfg.Factor
	expo.MaxInterval = r.cfg.MaxDelay
	expo.RandomizationFactor = r.cfg.Jitter

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !mcperr.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		r.logger.Debug("transient failure, will retry",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.String("kind", string(mcperr.KindOf(err))),
			zap.Error(err),
		)
		return struct{}{}, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	return err
}

// Delays returns the deterministic (pre-jitter) delay schedule; exposed
// for tests asserting the elapsed-time bound.
func (r *Retryer) Delays() []time.Duration {
	delays := make([]time.Duration, 0, r.cfg.MaxAttempts-1)
	d := r.cfg.BaseDelay
	for i := 1; i < r.cfg.MaxAttempts; i++ {
		if d > r.cfg.MaxDelay {
			d = r.cfg.MaxDelay
		}
		delays = append(delays, d)
		d = time.Duration(float64(d) * r.cfg.Factor)
	}
	return delays
}
