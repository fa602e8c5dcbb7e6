package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

// ErrorRecord is one entry in the aggregator ring.
type ErrorRecord struct {
	Code      int         `json:"code"`
	Kind      mcperr.Kind `json:"kind"`
	Service   string      `json:"service,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Aggregator keeps a bounded ring of recent errors and emits a structured
// observability event exactly once per threshold crossing per window.
type Aggregator struct {
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	ring []ErrorRecord
	next int
	full bool

	window        time.Duration
	warnThreshold int
	critThreshold int

	// lastEmit tracks the last emission per kind and level so a crossing
	// fires once per window.
	lastWarn map[mcperr.Kind]time.Time
	lastCrit map[mcperr.Kind]time.Time
}

// NewAggregator creates the error aggregator.
func NewAggregator(cfg config.ResilienceConfig, logger *zap.Logger) *Aggregator {
	size := cfg.ErrorRingSize
	if size <= 0 {
		size = 512
	}
	return &Aggregator{
		logger:        logger,
		now:           time.Now,
		ring:          make([]ErrorRecord, size),
		window:        cfg.ErrorWindow,
		warnThreshold: cfg.WarningThreshold,
		critThreshold: cfg.CriticalThreshold,
		lastWarn:      make(map[mcperr.Kind]time.Time),
		lastCrit:      make(map[mcperr.Kind]time.Time),
	}
}

// Record adds an error to the ring and checks the windowed thresholds.
// Internal-kind errors are recorded with elevated severity.
func (a *Aggregator) Record(err error, service string) {
	if err == nil {
		return
	}
	kind := mcperr.KindOf(err)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.ring[a.next] = ErrorRecord{
		Code:      kind.Code(),
		Kind:      kind,
		Service:   service,
		Timestamp: now,
	}
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}

	if kind == mcperr.KindInternal {
		a.logger.Error("internal error recorded",
			zap.String("service", service),
			zap.Error(err),
		)
	}

	count := a.countLocked(kind, now)
	if count >= a.critThreshold && a.shouldEmitLocked(a.lastCrit, kind, now) {
		a.lastCrit[kind] = now
		a.logger.Error("error rate critical threshold crossed",
			zap.String("kind", string(kind)),
			zap.Int("count", count),
			zap.Duration("window", a.window),
		)
		return
	}
	if count >= a.warnThreshold && a.shouldEmitLocked(a.lastWarn, kind, now) {
		a.lastWarn[kind] = now
		a.logger.Warn("error rate warning threshold crossed",
			zap.String("kind", string(kind)),
			zap.Int("count", count),
			zap.Duration("window", a.window),
		)
	}
}

func (a *Aggregator) shouldEmitLocked(last map[mcperr.Kind]time.Time, kind mcperr.Kind, now time.Time) bool {
	t, ok := last[kind]
	return !ok || now.Sub(t) >= a.window
}

func (a *Aggregator) countLocked(kind mcperr.Kind, now time.Time) int {
	cutoff := now.Add(-a.window)
	n := len(a.ring)
	if !a.full {
		n = a.next
	}
	count := 0
	for i := 0; i < n; i++ {
		rec := &a.ring[i]
		if rec.Kind == kind && rec.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// WindowedCounts returns the per-kind error counts inside the current
// window, for health reporting.
func (a *Aggregator) WindowedCounts() map[mcperr.Kind]int {
	now := a.now()
	cutoff := now.Add(-a.window)

	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	if !a.full {
		n = a.next
	}
	counts := make(map[mcperr.Kind]int)
	for i := 0; i < n; i++ {
		rec := &a.ring[i]
		if rec.Timestamp.After(cutoff) {
			counts[rec.Kind]++
		}
	}
	return counts
}

// Recent returns up to limit of the most recent records, newest first.
func (a *Aggregator) Recent(limit int) []ErrorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	if !a.full {
		n = a.next
	}
	if limit > n {
		limit = n
	}
	out := make([]ErrorRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.next - 1 - i + len(a.ring)) % len(a.ring)
		out = append(out, a.ring[idx])
	}
	return out
}
