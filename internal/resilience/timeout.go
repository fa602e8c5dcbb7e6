package resilience

import (
	"context"
	"errors"
	"time"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

// TimeoutClass names one of the four operation classes with distinct
// timeout envelopes.
type TimeoutClass string

const (
	ClassToolExecution   TimeoutClass = "tool_execution"
	ClassExternalService TimeoutClass = "external_service"
	ClassResourceAccess  TimeoutClass = "resource_access"
	ClassValidation      TimeoutClass = "validation"
)

// Timeouts resolves timeout envelopes per operation class.
type Timeouts struct {
	cfg config.TimeoutConfig
}

// NewTimeouts creates the envelope table from config.
func NewTimeouts(cfg config.TimeoutConfig) Timeouts {
	return Timeouts{cfg: cfg}
}

// For returns the configured duration for a class.
func (t Timeouts) For(class TimeoutClass) time.Duration {
	switch class {
	case ClassExternalService:
		return t.cfg.ExternalService
	case ClassResourceAccess:
		return t.cfg.ResourceAccess
	case ClassValidation:
		return t.cfg.Validation
	default:
		return t.cfg.ToolExecution
	}
}

// Context attaches the class deadline to ctx. Cancellation propagates to
// any I/O the operation owns through the returned context.
func (t Timeouts) Context(ctx context.Context, class TimeoutClass) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.For(class))
}

// TranslateContextErr converts a context error into the taxonomy:
// deadline exceeded becomes Timeout, caller cancellation becomes
// Cancelled. Both are terminal.
func TranslateContextErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return mcperr.Wrap(mcperr.KindTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return mcperr.Wrap(mcperr.KindCancelled, err, "operation cancelled")
	default:
		return err
	}
}
