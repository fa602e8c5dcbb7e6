// Package resilience guards every external boundary crossing: per-service
// circuit breakers, retry with backoff, timeout envelopes, and the error
// aggregator feeding observability.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	stateClosedVal int32 = iota
	stateOpenVal
	stateHalfOpenVal
)

func stateFromVal(v int32) State {
	switch v {
	case stateOpenVal:
		return StateOpen
	case stateHalfOpenVal:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Breaker is a per-service circuit breaker. State transitions happen under
// the mutex; state inspection is lock-free via the atomic.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	state atomic.Int32

	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int
}

// Snapshot is a point-in-time view of breaker state for health reporting.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
	HalfOpenInFlight     int       `json:"half_open_in_flight"`
}

// NewBreaker creates a breaker for the named service.
func NewBreaker(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the current state without locking.
func (b *Breaker) State() State {
	return stateFromVal(b.state.Load())
}

// CanExecute reports whether a call would currently be admitted. It may
// transition Open→HalfOpen if the recovery timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.tryHalfOpenLocked()
	default: // half-open
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.halfOpenInFlight < b.cfg.HalfOpenMaxCalls
	}
}

// Execute runs fn through the breaker. When the breaker rejects the call,
// fn is not invoked and the caller receives CircuitOpen without a backend
// credit being consumed.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch stateFromVal(b.state.Load()) {
	case StateClosed:
		return nil
	case StateOpen:
		if !b.tryHalfOpenLocked() {
			return mcperr.New(mcperr.KindCircuitOpen, "circuit breaker open for %s", b.name).WithService(b.name)
		}
		b.halfOpenInFlight++
		return nil
	default: // half-open
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return mcperr.New(mcperr.KindCircuitOpen, "circuit breaker half-open probe limit reached for %s", b.name).WithService(b.name)
		}
		b.halfOpenInFlight++
		return nil
	}
}

// tryHalfOpenLocked transitions Open→HalfOpen once the recovery timeout
// has elapsed. Caller holds the mutex.
func (b *Breaker) tryHalfOpenLocked() bool {
	if stateFromVal(b.state.Load()) != StateOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
		return false
	}
	b.transitionLocked(stateHalfOpenVal)
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	return true
}

// record applies the call outcome. Request-construction failures never
// reach here; only calls that consumed a backend credit count.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := stateFromVal(b.state.Load())
	if state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err != nil {
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		switch state {
		case StateHalfOpen:
			// Any half-open failure reopens with a fresh recovery window.
			b.openLocked()
		case StateClosed:
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.openLocked()
			}
		}
		return
	}

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	if state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionLocked(stateClosedVal)
		b.halfOpenInFlight = 0
	}
}

func (b *Breaker) openLocked() {
	b.openedAt = b.now()
	b.halfOpenInFlight = 0
	b.transitionLocked(stateOpenVal)
}

func (b *Breaker) transitionLocked(to int32) {
	from := b.state.Swap(to)
	if from == to {
		return
	}
	breakerTransitions.WithLabelValues(b.name, string(stateFromVal(to))).Inc()
	b.logger.Info("circuit breaker state change",
		zap.String("service", b.name),
		zap.String("from", string(stateFromVal(from))),
		zap.String("to", string(stateFromVal(to))),
		zap.Int("consecutive_failures", b.consecutiveFailures),
	)
}

// Snapshot returns the current breaker state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                stateFromVal(b.state.Load()),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		HalfOpenInFlight:     b.halfOpenInFlight,
	}
}

// Registry holds the per-service breaker singletons. Constructed at
// startup; services are registered once and shared by reference.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.BreakerConfig
	logger   *zap.Logger
}

// NewRegistry creates a breaker registry with the shared breaker config.
func NewRegistry(cfg config.BreakerConfig, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register creates and stores a breaker for the named service. Calling
// Register twice for the same service returns the existing breaker.
func (r *Registry) Register(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for the named service, or nil.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
