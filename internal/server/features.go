package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dshield-mcp-go/internal/resilience"
)

// Feature is a capability gate checked before tool dispatch.
type Feature string

const (
	FeatureElasticsearch   Feature = "elasticsearch"
	FeatureThreatIntel     Feature = "threat_intel"
	FeaturePersistentCache Feature = "persistent_cache"
)

// HealthChecker probes one dependency. Check returns nil when healthy.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckResult is one probe outcome inside a snapshot.
type CheckResult struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// FeatureSnapshot is the point-in-time health view served by
// get_health_status and consulted before dispatch.
type FeatureSnapshot struct {
	Features map[Feature]bool      `json:"features"`
	Checks   []CheckResult         `json:"checks"`
	Breakers []resilience.Snapshot `json:"breakers"`
	TakenAt  time.Time             `json:"taken_at"`
}

// Enabled reports whether the feature was healthy at snapshot time.
func (s *FeatureSnapshot) Enabled(f Feature) bool {
	if s == nil {
		return false
	}
	return s.Features[f]
}

// FeatureManager owns the health checkers and publishes an atomic
// snapshot. Constructed at startup, refreshed by a background loop;
// dispatch reads the snapshot lock-free.
type FeatureManager struct {
	checkers map[Feature][]HealthChecker
	registry *resilience.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot atomic.Pointer[FeatureSnapshot]
}

// NewFeatureManager creates the manager. registry may be nil in tests.
func NewFeatureManager(registry *resilience.Registry, logger *zap.Logger) *FeatureManager {
	m := &FeatureManager{
		checkers: make(map[Feature][]HealthChecker),
		registry: registry,
		logger:   logger,
	}
	m.snapshot.Store(&FeatureSnapshot{Features: map[Feature]bool{}})
	return m
}

// Register attaches a checker to a feature. A feature with no checkers
// reports disabled; a feature is healthy only when every checker passes.
func (m *FeatureManager) Register(f Feature, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[f] = append(m.checkers[f], c)
}

// Refresh probes every checker and publishes a new snapshot.
func (m *FeatureManager) Refresh(ctx context.Context) *FeatureSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &FeatureSnapshot{
		Features: make(map[Feature]bool, len(m.checkers)),
		TakenAt:  time.Now().UTC(),
	}
	features := make([]Feature, 0, len(m.checkers))
	for f := range m.checkers {
		features = append(features, f)
	}
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })

	for _, f := range features {
		healthy := true
		for _, c := range m.checkers[f] {
			err := c.Check(ctx)
			result := CheckResult{Name: c.Name(), Healthy: err == nil, CheckedAt: snap.TakenAt}
			if err != nil {
				healthy = false
				result.Error = err.Error()
				m.logger.Warn("health check failed",
					zap.String("feature", string(f)),
					zap.String("check", c.Name()),
					zap.Error(err),
				)
			}
			snap.Checks = append(snap.Checks, result)
		}
		snap.Features[f] = healthy
	}
	if m.registry != nil {
		snap.Breakers = m.registry.Snapshots()
		sort.Slice(snap.Breakers, func(i, j int) bool { return snap.Breakers[i].Name < snap.Breakers[j].Name })
	}

	m.snapshot.Store(snap)
	return snap
}

// Snapshot returns the latest published snapshot without probing.
func (m *FeatureManager) Snapshot() *FeatureSnapshot {
	return m.snapshot.Load()
}

// Run refreshes on the interval until ctx is cancelled.
func (m *FeatureManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.CheckName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
