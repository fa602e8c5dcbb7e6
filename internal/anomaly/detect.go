// Package anomaly finds statistical outliers in SIEM activity. It works
// entirely off aggregations so the analyzed window can be much larger
// than anything raw-document queries could page through.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/mcperr"
)

// Method selects one detection technique.
type Method string

const (
	// MethodZScore flags time buckets whose event rate deviates from the
	// window mean by more than the sensitivity-scaled number of standard
	// deviations.
	MethodZScore Method = "zscore"
	// MethodIQR flags time buckets outside Tukey fences around the
	// interquartile range. Robust to the heavy tails zscore chokes on.
	MethodIQR Method = "iqr"
	// MethodFrequency flags terms (attacker IPs, event types) whose share
	// of traffic far exceeds the uniform expectation.
	MethodFrequency Method = "frequency"
)

// Valid reports whether m is a member of the closed set.
func (m Method) Valid() bool {
	switch m {
	case MethodZScore, MethodIQR, MethodFrequency:
		return true
	}
	return false
}

// DefaultMethods is the set used when the caller names none.
func DefaultMethods() []Method {
	return []Method{MethodZScore, MethodIQR, MethodFrequency}
}

const (
	defaultSensitivity = 0.5
	// minSeriesLen guards the statistical methods; quartiles over three
	// points are noise.
	minSeriesLen = 4

	frequencyTermSize = 50
)

// Anomaly is one detected outlier.
type Anomaly struct {
	Method    Method  `json:"method"`
	Dimension string  `json:"dimension"`
	Key       string  `json:"key"`
	Observed  float64 `json:"observed"`
	Expected  float64 `json:"expected"`
	// Deviation is method-specific: z score, IQR-fence multiples, or the
	// observed/expected frequency ratio.
	Deviation float64 `json:"deviation"`
	Severity  string  `json:"severity"`
}

// Report is the result of one detection run.
type Report struct {
	TimeRange      elastic.TimeRange `json:"time_range"`
	MethodsUsed    []Method          `json:"methods_used"`
	Sensitivity    float64           `json:"sensitivity"`
	Interval       string            `json:"interval"`
	BucketCount    int               `json:"bucket_count"`
	EventsAnalyzed int               `json:"events_analyzed"`
	Anomalies      []Anomaly         `json:"anomalies"`
}

// Request parameterizes a detection run.
type Request struct {
	TimeRange elastic.TimeRange
	Filters   []elastic.Filter
	Methods   []Method
	// Sensitivity in (0, 1]. Higher values lower every detection
	// threshold. Zero means the default.
	Sensitivity float64
}

// aggQuerier is the SIEM seam; satisfied by elastic.QueryLayer.
type aggQuerier interface {
	QueryAggregation(ctx context.Context, tr elastic.TimeRange, filters []elastic.Filter, specs []elastic.AggregationSpec, timeout time.Duration) (*elastic.AggregationResult, error)
}

// Detector runs anomaly detection against the SIEM.
type Detector struct {
	query   aggQuerier
	timeout time.Duration
	logger  *zap.Logger
}

// NewDetector creates a detector. timeout bounds the single aggregation
// query a run issues; zero means no explicit bound.
func NewDetector(query aggQuerier, timeout time.Duration, logger *zap.Logger) *Detector {
	return &Detector{query: query, timeout: timeout, logger: logger}
}

// Detect runs the requested methods over the window and returns every
// outlier found, strongest first.
func (d *Detector) Detect(ctx context.Context, req Request) (*Report, error) {
	methods := req.Methods
	if len(methods) == 0 {
		methods = DefaultMethods()
	}
	for _, m := range methods {
		if !m.Valid() {
			return nil, mcperr.New(mcperr.KindValidation, "unknown anomaly method %q", m)
		}
	}
	sensitivity := req.Sensitivity
	if sensitivity == 0 {
		sensitivity = defaultSensitivity
	}
	if sensitivity < 0 || sensitivity > 1 {
		return nil, mcperr.New(mcperr.KindValidation, "sensitivity must be in (0, 1], got %g", sensitivity)
	}

	interval := histogramInterval(req.TimeRange.End.Sub(req.TimeRange.Start))
	specs := []elastic.AggregationSpec{
		{Name: "over_time", Type: "date_histogram", Field: "timestamp", Interval: interval},
		{Name: "by_source", Type: "terms", Field: "source_ip", Size: frequencyTermSize},
		{Name: "by_type", Type: "terms", Field: "event_type", Size: frequencyTermSize},
	}
	result, err := d.query.QueryAggregation(ctx, req.TimeRange, req.Filters, specs, d.timeout)
	if err != nil {
		return nil, err
	}

	series := histogramSeries(result.Aggregations, "over_time")
	report := &Report{
		TimeRange:   req.TimeRange,
		MethodsUsed: methods,
		Sensitivity: sensitivity,
		Interval:    interval,
		BucketCount: len(series),
	}
	for _, p := range series {
		report.EventsAnalyzed += int(p.count)
	}

	for _, m := range methods {
		switch m {
		case MethodZScore:
			report.Anomalies = append(report.Anomalies, detectZScore(series, sensitivity)...)
		case MethodIQR:
			report.Anomalies = append(report.Anomalies, detectIQR(series, sensitivity)...)
		case MethodFrequency:
			report.Anomalies = append(report.Anomalies,
				detectFrequency(termCounts(result.Aggregations, "by_source"), "source_ip", sensitivity)...)
			report.Anomalies = append(report.Anomalies,
				detectFrequency(termCounts(result.Aggregations, "by_type"), "event_type", sensitivity)...)
		}
	}

	sort.Slice(report.Anomalies, func(i, j int) bool {
		a, b := report.Anomalies[i], report.Anomalies[j]
		if a.Deviation != b.Deviation {
			return a.Deviation > b.Deviation
		}
		return a.Key < b.Key
	})
	d.logger.Debug("anomaly detection finished",
		zap.Int("buckets", report.BucketCount),
		zap.Int("anomalies", len(report.Anomalies)),
	)
	return report, nil
}

// histogramInterval picks a bucket width giving a usable series length
// for the window.
func histogramInterval(window time.Duration) string {
	switch {
	case window <= 2*time.Hour:
		return "5m"
	case window <= 12*time.Hour:
		return "15m"
	case window <= 48*time.Hour:
		return "1h"
	default:
		return "3h"
	}
}

type seriesPoint struct {
	key   string
	count float64
}

type termCount struct {
	key   string
	count float64
}

// detectZScore flags points more than the scaled threshold of standard
// deviations from the mean. A flat series produces nothing.
func detectZScore(series []seriesPoint, sensitivity float64) []Anomaly {
	if len(series) < minSeriesLen {
		return nil
	}
	var sum float64
	for _, p := range series {
		sum += p.count
	}
	mean := sum / float64(len(series))
	var variance float64
	for _, p := range series {
		variance += (p.count - mean) * (p.count - mean)
	}
	std := math.Sqrt(variance / float64(len(series)))
	if std == 0 {
		return nil
	}

	threshold := 3.5 - 2*sensitivity
	var out []Anomaly
	for _, p := range series {
		z := math.Abs(p.count-mean) / std
		if z <= threshold {
			continue
		}
		out = append(out, Anomaly{
			Method:    MethodZScore,
			Dimension: "event_rate",
			Key:       p.key,
			Observed:  p.count,
			Expected:  mean,
			Deviation: z,
			Severity:  severity(z, threshold),
		})
	}
	return out
}

// detectIQR flags points outside Tukey fences with a sensitivity-scaled
// fence multiplier.
func detectIQR(series []seriesPoint, sensitivity float64) []Anomaly {
	if len(series) < minSeriesLen {
		return nil
	}
	counts := make([]float64, len(series))
	for i, p := range series {
		counts[i] = p.count
	}
	sort.Float64s(counts)
	q1 := quantile(counts, 0.25)
	q3 := quantile(counts, 0.75)
	iqr := q3 - q1
	if iqr == 0 {
		return nil
	}

	k := 3 - 1.5*sensitivity
	low, high := q1-k*iqr, q3+k*iqr
	var out []Anomaly
	for _, p := range series {
		if p.count >= low && p.count <= high {
			continue
		}
		var distance, expected float64
		if p.count > high {
			distance = (p.count - q3) / iqr
			expected = q3
		} else {
			distance = (q1 - p.count) / iqr
			expected = q1
		}
		out = append(out, Anomaly{
			Method:    MethodIQR,
			Dimension: "event_rate",
			Key:       p.key,
			Observed:  p.count,
			Expected:  expected,
			Deviation: distance,
			Severity:  severity(distance, k),
		})
	}
	return out
}

// detectFrequency flags terms whose traffic share exceeds the uniform
// expectation by a sensitivity-scaled ratio. A dimension with a single
// term has no meaningful expectation and is skipped.
func detectFrequency(terms []termCount, dimension string, sensitivity float64) []Anomaly {
	if len(terms) < 2 {
		return nil
	}
	var total float64
	for _, t := range terms {
		total += t.count
	}
	if total == 0 {
		return nil
	}
	expectedShare := 1 / float64(len(terms))
	threshold := 6 - 4*sensitivity

	var out []Anomaly
	for _, t := range terms {
		share := t.count / total
		ratio := share / expectedShare
		if ratio <= threshold {
			continue
		}
		out = append(out, Anomaly{
			Method:    MethodFrequency,
			Dimension: dimension,
			Key:       t.key,
			Observed:  t.count,
			Expected:  expectedShare * total,
			Deviation: ratio,
			Severity:  severity(ratio, threshold),
		})
	}
	return out
}

func severity(deviation, threshold float64) string {
	switch {
	case deviation >= 2*threshold:
		return "high"
	case deviation >= 1.25*threshold:
		return "medium"
	default:
		return "low"
	}
}

// quantile interpolates linearly over a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// histogramSeries pulls (key, doc_count) pairs out of a date_histogram
// aggregation payload.
func histogramSeries(aggs map[string]interface{}, name string) []seriesPoint {
	var out []seriesPoint
	for _, b := range aggBuckets(aggs, name) {
		key := bucketKeyString(b)
		out = append(out, seriesPoint{key: key, count: toFloat(b["doc_count"])})
	}
	return out
}

// termCounts pulls (term, doc_count) pairs out of a terms aggregation
// payload.
func termCounts(aggs map[string]interface{}, name string) []termCount {
	var out []termCount
	for _, b := range aggBuckets(aggs, name) {
		out = append(out, termCount{key: bucketKeyString(b), count: toFloat(b["doc_count"])})
	}
	return out
}

func aggBuckets(aggs map[string]interface{}, name string) []map[string]interface{} {
	agg, ok := aggs[name].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := agg["buckets"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, b := range raw {
		if m, ok := b.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func bucketKeyString(b map[string]interface{}) string {
	if s, ok := b["key_as_string"].(string); ok && s != "" {
		return s
	}
	switch v := b["key"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
