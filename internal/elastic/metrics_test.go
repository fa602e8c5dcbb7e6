package elastic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPerfStats_Snapshot(t *testing.T) {
	stats := NewPerfStats()
	for _, ms := range []int64{10, 20, 30, 40, 6000} {
		stats.Record(PerfMetrics{
			QueryTimeMS: ms,
			Complexity:  ComplexitySimple,
		})
	}
	stats.Record(PerfMetrics{
		QueryTimeMS:         100,
		Complexity:          ComplexityAggregation,
		OptimizationApplied: []OptimizationStep{StepFieldPruning},
		CacheHit:            true,
	})

	s := stats.Snapshot()
	assert.Equal(t, int64(6), s.TotalQueries)
	assert.Equal(t, 6, s.WindowSize)
	assert.InDelta(t, 1033.3, s.AvgQueryMS, 0.1)
	assert.Equal(t, int64(6000), s.P95QueryMS)
	assert.Equal(t, 1, s.SlowQueries)
	assert.InDelta(t, 1.0/6, s.CacheHitRate, 1e-9)
	assert.Equal(t, 5, s.ByComplexity[ComplexitySimple])
	assert.Equal(t, 1, s.ByComplexity[ComplexityAggregation])
	assert.Equal(t, 1, s.Optimizations[StepFieldPruning])
}

func TestPerfStats_EmptySnapshot(t *testing.T) {
	s := NewPerfStats().Snapshot()
	assert.Zero(t, s.TotalQueries)
	assert.Zero(t, s.P95QueryMS)
	assert.Zero(t, s.CacheHitRate)
}
