package elastic

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dshield_mcp_query_duration_seconds",
		Help:    "SIEM query latency by complexity class.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"complexity"})

	queryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dshield_mcp_query_cache_hits_total",
		Help: "Query-layer page cache hits.",
	})

	queryOptimizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dshield_mcp_query_optimizations_total",
		Help: "Optimization ladder steps applied to queries.",
	}, []string{"step"})
)

// perfWindow bounds the rolling sample set.
const perfWindow = 1024

// PerfStats keeps a rolling window of per-query metrics for the
// performance-stats tool. Thread safe.
type PerfStats struct {
	mu        sync.Mutex
	samples   []PerfMetrics
	next      int
	total     int64
	cacheHits int64
	slowMS    int64
}

// NewPerfStats creates the rolling window with a 5s slow-query line.
func NewPerfStats() *PerfStats {
	return &PerfStats{samples: make([]PerfMetrics, 0, perfWindow), slowMS: 5000}
}

// Record folds one query's metrics into the window and the Prometheus
// series.
func (p *PerfStats) Record(m PerfMetrics) {
	queryDuration.WithLabelValues(string(m.Complexity)).Observe(float64(m.QueryTimeMS) / 1000)
	if m.CacheHit {
		queryCacheHits.Inc()
	}
	for _, step := range m.OptimizationApplied {
		queryOptimizations.WithLabelValues(string(step)).Inc()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	if m.CacheHit {
		p.cacheHits++
	}
	if len(p.samples) < perfWindow {
		p.samples = append(p.samples, m)
	} else {
		p.samples[p.next] = m
		p.next = (p.next + 1) % perfWindow
	}
}

// Summary is the rolling performance snapshot.
type Summary struct {
	TotalQueries  int64                     `json:"total_queries"`
	WindowSize    int                       `json:"window_size"`
	AvgQueryMS    float64                   `json:"avg_query_ms"`
	P95QueryMS    int64                     `json:"p95_query_ms"`
	SlowQueries   int                       `json:"slow_queries"`
	CacheHitRate  float64                   `json:"cache_hit_rate"`
	ByComplexity  map[QueryComplexity]int   `json:"by_complexity"`
	Optimizations map[OptimizationStep]int  `json:"optimizations"`
}

// Snapshot computes the summary over the current window.
func (p *PerfStats) Snapshot() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Summary{
		TotalQueries:  p.total,
		WindowSize:    len(p.samples),
		ByComplexity:  make(map[QueryComplexity]int),
		Optimizations: make(map[OptimizationStep]int),
	}
	if p.total > 0 {
		s.CacheHitRate = float64(p.cacheHits) / float64(p.total)
	}
	if len(p.samples) == 0 {
		return s
	}

	times := make([]int64, 0, len(p.samples))
	var sum int64
	for _, m := range p.samples {
		times = append(times, m.QueryTimeMS)
		sum += m.QueryTimeMS
		if m.QueryTimeMS >= p.slowMS {
			s.SlowQueries++
		}
		s.ByComplexity[m.Complexity]++
		for _, step := range m.OptimizationApplied {
			s.Optimizations[step]++
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	s.AvgQueryMS = float64(sum) / float64(len(times))
	idx := (len(times) * 95) / 100
	if idx >= len(times) {
		idx = len(times) - 1
	}
	s.P95QueryMS = times[idx]
	return s
}
