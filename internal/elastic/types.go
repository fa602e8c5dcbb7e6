package elastic

import (
	"fmt"
	"time"

	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// Operator is the closed filter-operator enumeration.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpExists   Operator = "exists"
	OpMissing  Operator = "missing"
	OpContains Operator = "contains"
)

// Valid reports whether o is a member of the closed set.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte, OpExists, OpMissing, OpContains:
		return true
	}
	return false
}

// Filter is one (field, operator, value) predicate over user-visible
// field names.
type Filter struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
	// Path pins the filter to one concrete document path instead of the
	// field's candidate set. Callers use it where per-path queries must
	// stay separate; it takes precedence over Field.
	Path string `json:"path,omitempty"`
}

// TimeRange is an absolute [start, end] query window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RelativeRange converts trailing hours into an absolute window ending now.
func RelativeRange(hours int) TimeRange {
	end := time.Now().UTC()
	return TimeRange{Start: end.Add(-time.Duration(hours) * time.Hour), End: end}
}

// Validate enforces ordering and the configured maximum window.
func (t TimeRange) Validate(maxWindow time.Duration) error {
	if t.Start.IsZero() || t.End.IsZero() {
		return mcperr.New(mcperr.KindValidation, "time range requires both start and end")
	}
	if t.End.Before(t.Start) {
		return mcperr.New(mcperr.KindValidation, "time range end %s before start %s", t.End, t.Start)
	}
	if maxWindow > 0 && t.End.Sub(t.Start) > maxWindow {
		return mcperr.New(mcperr.KindValidation, "time range %s exceeds maximum window %s", t.End.Sub(t.Start), maxWindow)
	}
	return nil
}

// SortOrder is asc or desc.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Sort is the primary sort key. The document id is always appended as an
// ascending tiebreaker so pagination stays stable.
type Sort struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// DefaultSort is @timestamp descending.
func DefaultSort() Sort {
	return Sort{Field: "@timestamp", Order: SortDesc}
}

// OptimizationMode controls the optimization ladder.
type OptimizationMode string

const (
	OptimizationNone       OptimizationMode = "none"
	OptimizationAuto       OptimizationMode = "auto"
	OptimizationAggressive OptimizationMode = "aggressive"
)

// FallbackStrategy decides behavior when the estimated result size still
// exceeds the budget after the ladder.
type FallbackStrategy string

const (
	FallbackError     FallbackStrategy = "error"
	FallbackAggregate FallbackStrategy = "aggregate"
	FallbackSample    FallbackStrategy = "sample"
)

// OptimizationStep names one rung of the ladder. The applied list is
// always a prefix of the ladder vocabulary.
type OptimizationStep string

const (
	StepFieldPruning        OptimizationStep = "field_pruning"
	StepPageSizeReduction   OptimizationStep = "page_size_reduction"
	StepAggregationFallback OptimizationStep = "aggregation_fallback"
	StepSampling            OptimizationStep = "sampling"
)

// LadderVocabulary is the fixed ordered vocabulary of ladder steps.
func LadderVocabulary(fallback FallbackStrategy) []OptimizationStep {
	steps := []OptimizationStep{StepFieldPruning, StepPageSizeReduction}
	switch fallback {
	case FallbackAggregate:
		return append(steps, StepAggregationFallback)
	case FallbackSample:
		return append(steps, StepSampling)
	default:
		return steps
	}
}

// QueryComplexity classifies the executed request for perf reporting.
type QueryComplexity string

const (
	ComplexitySimple      QueryComplexity = "simple"
	ComplexityModerate    QueryComplexity = "moderate"
	ComplexityComplex     QueryComplexity = "complex"
	ComplexityAggregation QueryComplexity = "aggregation"
)

// PerfMetrics is returned with every query response. Contract-level
// output: tests assert the presence of each field.
type PerfMetrics struct {
	QueryTimeMS         int64              `json:"query_time_ms"`
	IndicesScanned      int                `json:"indices_scanned"`
	DocumentsExamined   int                `json:"documents_examined"`
	ShardsScanned       int                `json:"shards_scanned"`
	Complexity          QueryComplexity    `json:"query_complexity"`
	OptimizationApplied []OptimizationStep `json:"optimization_applied"`
	CacheHit            bool               `json:"cache_hit"`
}

// PaginationMeta describes the page returned and how to get the next one.
type PaginationMeta struct {
	TotalCount int    `json:"total_count"`
	Page       int    `json:"page,omitempty"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages,omitempty"`
	HasNext    bool   `json:"has_next"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// QueryRequest is the normalized input to QueryEvents.
type QueryRequest struct {
	TimeRange    TimeRange
	Filters      []Filter
	Fields       []string
	Page         int
	PageSize     int
	Cursor       string
	Sort         Sort
	Optimization OptimizationMode
	Fallback     FallbackStrategy
	// MaxResultSizeMB overrides the configured budget when positive.
	MaxResultSizeMB int
	// Timeout overrides the external-service envelope when positive.
	Timeout time.Duration
}

// QueryResult is the response of QueryEvents.
type QueryResult struct {
	Events       []models.SecurityEvent `json:"events"`
	TotalCount   int                    `json:"total_count"`
	Pagination   PaginationMeta         `json:"pagination"`
	Aggregations map[string]interface{} `json:"aggregations,omitempty"`
	Sampled      bool                   `json:"sampled,omitempty"`
	Metrics      PerfMetrics            `json:"perf_metrics"`
}

// AggregationSpec describes a bucket or metric aggregation over a user
// field.
type AggregationSpec struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // terms, date_histogram, cardinality, avg, max, min, sum
	Field string `json:"field"`
	Size  int    `json:"size,omitempty"`
	// Interval applies to date_histogram.
	Interval string `json:"interval,omitempty"`
}

// Validate checks the aggregation type against the supported set.
func (a AggregationSpec) Validate() error {
	switch a.Type {
	case "terms", "date_histogram", "cardinality", "avg", "max", "min", "sum":
		return nil
	default:
		return mcperr.New(mcperr.KindValidation, "unsupported aggregation type %q", a.Type)
	}
}

// AggregationResult is the response of QueryAggregation.
type AggregationResult struct {
	Aggregations map[string]interface{} `json:"aggregations"`
	Metrics      PerfMetrics            `json:"perf_metrics"`
}

// StreamChunk is one pull from an event stream.
type StreamChunk struct {
	Events        []models.SecurityEvent `json:"events"`
	TotalEstimate int                    `json:"total_estimate"`
	NextCursor    string                 `json:"next_cursor,omitempty"`
	StreamID      string                 `json:"stream_id"`
	// Sessions is populated by session-context streaming.
	Sessions []SessionMeta `json:"sessions,omitempty"`
}

// SessionMeta is attached to session-context chunks.
type SessionMeta struct {
	SessionKey string        `json:"session_key"`
	Duration   time.Duration `json:"duration"`
	EventCount int           `json:"event_count"`
}

func (s SessionMeta) String() string {
	return fmt.Sprintf("%s (%d events over %s)", s.SessionKey, s.EventCount, s.Duration)
}
