package elastic

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/mcperr"
)

// fakeSearcher serves a fixed corpus, honoring size, from and
// search_after the way the backend would.
type fakeSearcher struct {
	hits     []searchHit
	calls    int
	lastBody map[string]interface{}
	err      error
}

func (f *fakeSearcher) Search(_ context.Context, body map[string]interface{}, _ time.Duration) (*searchResponse, error) {
	f.calls++
	f.lastBody = body
	if f.err != nil {
		return nil, f.err
	}

	size := 10
	if v, ok := body["size"].(int); ok {
		size = v
	}
	start := 0
	if v, ok := body["from"].(int); ok {
		start = v
	}
	if sa, ok := body["search_after"].([]interface{}); ok && len(sa) == 2 {
		if id, ok := sa[1].(string); ok {
			for i, h := range f.hits {
				if h.ID == id {
					start = i + 1
					break
				}
			}
		}
	}

	resp := &searchResponse{Took: 7}
	resp.Hits.Total.Value = len(f.hits)
	resp.Shards.Total = 3
	resp.Shards.Successful = 3
	if _, ok := body["aggs"]; ok {
		resp.Aggregations = map[string]interface{}{
			"by_event_type": map[string]interface{}{"buckets": []interface{}{}},
		}
		return resp, nil
	}

	end := start + size
	if start > len(f.hits) {
		start = len(f.hits)
	}
	if end > len(f.hits) {
		end = len(f.hits)
	}
	resp.Hits.Hits = f.hits[start:end]
	return resp, nil
}

func makeHits(n int, start time.Time) []searchHit {
	hits := make([]searchHit, n)
	for i := range hits {
		ts := start.Add(time.Duration(i) * time.Minute)
		id := fmt.Sprintf("doc-%04d", i)
		hits[i] = searchHit{
			ID:    id,
			Index: "logs-cowrie-2026.08.24",
			Source: map[string]interface{}{
				"@timestamp": ts.Format(time.RFC3339),
				"source":     map[string]interface{}{"ip": fmt.Sprintf("192.0.2.%d", i%250+1)},
				"event":      map[string]interface{}{"type": "connection", "id": id},
			},
			Sort: []interface{}{float64(ts.UnixMilli()), id},
		}
	}
	return hits
}

func TestQueryEvents_PagePagination(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(250, testRange().Start)}
	q := testQueryLayer(t, fake)

	var pages []*QueryResult
	for page := 1; page <= 3; page++ {
		result, err := q.QueryEvents(context.Background(), QueryRequest{
			TimeRange: testRange(),
			Page:      page,
			PageSize:  100,
		})
		require.NoError(t, err)
		pages = append(pages, result)
	}

	assert.Len(t, pages[0].Events, 100)
	assert.Len(t, pages[1].Events, 100)
	assert.Len(t, pages[2].Events, 50)

	for i, p := range pages {
		assert.Equal(t, 250, p.Pagination.TotalCount)
		assert.Equal(t, 3, p.Pagination.TotalPages)
		assert.Equal(t, i+1, p.Pagination.Page)
	}
	assert.True(t, pages[0].Pagination.HasNext)
	assert.True(t, pages[1].Pagination.HasNext)
	assert.False(t, pages[2].Pagination.HasNext)
	assert.Empty(t, pages[2].Pagination.NextCursor)

	// No event appears on two pages.
	seen := make(map[string]bool)
	for _, p := range pages {
		for _, ev := range p.Events {
			assert.False(t, seen[ev.ID], "event %s served twice", ev.ID)
			seen[ev.ID] = true
		}
	}
	assert.Len(t, seen, 250)
}

func TestQueryEvents_CursorPagination(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(250, testRange().Start)}
	q := testQueryLayer(t, fake)

	req := QueryRequest{TimeRange: testRange(), PageSize: 100}
	first, err := q.QueryEvents(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, first.Pagination.NextCursor)

	next := req
	next.Cursor = first.Pagination.NextCursor
	second, err := q.QueryEvents(context.Background(), next)
	require.NoError(t, err)

	require.NotEmpty(t, second.Events)
	assert.NotEqual(t, first.Events[0].ID, second.Events[0].ID)
	assert.Contains(t, fake.lastBody, "search_after")
}

func TestQueryEvents_CursorRejectsChangedQuery(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(120, testRange().Start)}
	q := testQueryLayer(t, fake)

	first, err := q.QueryEvents(context.Background(), QueryRequest{TimeRange: testRange(), PageSize: 100})
	require.NoError(t, err)
	require.NotEmpty(t, first.Pagination.NextCursor)

	_, err = q.QueryEvents(context.Background(), QueryRequest{
		TimeRange: testRange(),
		Filters:   []Filter{{Field: "protocol", Operator: OpEq, Value: "tcp"}},
		Cursor:    first.Pagination.NextCursor,
	})
	require.Error(t, err)

	var terr *mcperr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "cursor_mismatch", terr.Data["reason"])
}

func TestQueryEvents_PageAndCursorExclusive(t *testing.T) {
	q := testQueryLayer(t, &fakeSearcher{})

	_, err := q.QueryEvents(context.Background(), QueryRequest{
		TimeRange: testRange(),
		Page:      2,
		Cursor:    "anything",
	})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))
}

func TestQueryEvents_OffsetLimit(t *testing.T) {
	q := testQueryLayer(t, &fakeSearcher{})

	_, err := q.QueryEvents(context.Background(), QueryRequest{
		TimeRange: testRange(),
		Page:      101,
		PageSize:  100,
	})
	require.Error(t, err)

	var terr *mcperr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "offset_limit", terr.Data["reason"])
}

func TestQueryEvents_WindowTooLarge(t *testing.T) {
	q := testQueryLayer(t, &fakeSearcher{})
	end := time.Now().UTC()

	_, err := q.QueryEvents(context.Background(), QueryRequest{
		TimeRange: TimeRange{Start: end.Add(-200 * time.Hour), End: end},
	})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))
}

func TestQueryEvents_CacheHit(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(50, testRange().Start)}
	q := testQueryLayer(t, fake)
	req := QueryRequest{TimeRange: testRange(), PageSize: 50}

	first, err := q.QueryEvents(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metrics.CacheHit)

	second, err := q.QueryEvents(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metrics.CacheHit)
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, first.Events, second.Events)
}

func TestQueryEvents_PerfMetricsPopulated(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(20, testRange().Start)}
	q := testQueryLayer(t, fake)

	result, err := q.QueryEvents(context.Background(), QueryRequest{TimeRange: testRange(), PageSize: 20})
	require.NoError(t, err)

	m := result.Metrics
	assert.Equal(t, int64(7), m.QueryTimeMS)
	assert.Equal(t, 1, m.IndicesScanned)
	assert.Equal(t, 20, m.DocumentsExamined)
	assert.Equal(t, 3, m.ShardsScanned)
	assert.Equal(t, ComplexitySimple, m.Complexity)
}

func ladderConfig() config.ElasticConfig {
	cfg := config.DefaultConfig().Elasticsearch
	cfg.MaxPageSize = 5000
	return cfg
}

func TestPlanQuery_LadderIsPrefixOfVocabulary(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(10, testRange().Start)}
	cfg := ladderConfig()
	q := newQueryLayer(fake, fieldmap.New(zap.NewNop()), cfg, zap.NewNop())

	cases := []QueryRequest{
		{TimeRange: testRange(), PageSize: 100, Optimization: OptimizationAuto},
		{TimeRange: testRange(), PageSize: 5000, Optimization: OptimizationAuto, MaxResultSizeMB: 1},
		{TimeRange: testRange(), PageSize: 5000, Optimization: OptimizationAggressive, MaxResultSizeMB: 1},
		{TimeRange: testRange(), PageSize: 5000, Optimization: OptimizationAuto, MaxResultSizeMB: 1, Fallback: FallbackSample},
	}
	for i, req := range cases {
		plan, err := q.planQuery(req, DefaultSort(), req.PageSize)
		if err != nil {
			continue
		}
		vocab := LadderVocabulary(req.Fallback)
		require.LessOrEqual(t, len(plan.applied), len(vocab), "case %d", i)
		for j, step := range plan.applied {
			assert.Equal(t, vocab[j], step, "case %d: applied list must be a vocabulary prefix", i)
		}
	}
}

func TestPlanQuery_PruningThenReduction(t *testing.T) {
	cfg := ladderConfig()
	q := newQueryLayer(&fakeSearcher{}, fieldmap.New(zap.NewNop()), cfg, zap.NewNop())

	plan, err := q.planQuery(QueryRequest{
		TimeRange:       testRange(),
		PageSize:        5000,
		Optimization:    OptimizationAuto,
		MaxResultSizeMB: 1,
	}, DefaultSort(), 5000)
	require.NoError(t, err)

	assert.Equal(t, []OptimizationStep{StepFieldPruning, StepPageSizeReduction}, plan.applied)
	assert.Less(t, plan.pageSize, 5000)
	assert.GreaterOrEqual(t, plan.pageSize, cfg.OptimizationFloorSize)
	assert.Contains(t, plan.body, "_source")
}

func TestPlanQuery_FallbackError(t *testing.T) {
	cfg := ladderConfig()
	cfg.OptimizationFloorSize = 4096
	q := newQueryLayer(&fakeSearcher{}, fieldmap.New(zap.NewNop()), cfg, zap.NewNop())

	_, err := q.planQuery(QueryRequest{
		TimeRange:       testRange(),
		PageSize:        5000,
		Optimization:    OptimizationAuto,
		MaxResultSizeMB: 1,
		Fallback:        FallbackError,
	}, DefaultSort(), 5000)
	require.Error(t, err)

	var terr *mcperr.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "result_too_large", terr.Data["reason"])
}

func TestPlanQuery_FallbackSample(t *testing.T) {
	cfg := ladderConfig()
	cfg.OptimizationFloorSize = 4096
	q := newQueryLayer(&fakeSearcher{}, fieldmap.New(zap.NewNop()), cfg, zap.NewNop())
	req := QueryRequest{
		TimeRange:       testRange(),
		PageSize:        5000,
		Optimization:    OptimizationAuto,
		MaxResultSizeMB: 1,
		Fallback:        FallbackSample,
	}

	plan, err := q.planQuery(req, DefaultSort(), 5000)
	require.NoError(t, err)
	assert.True(t, plan.sampled)
	assert.Equal(t, StepSampling, plan.applied[len(plan.applied)-1])

	query := plan.body["query"].(map[string]interface{})
	_, ok := query["function_score"]
	assert.True(t, ok, "sampling must wrap the query in a seeded function_score")

	// Same parameters, same seed.
	again, err := q.planQuery(req, DefaultSort(), 5000)
	require.NoError(t, err)
	assert.Equal(t, plan.body["query"], again.body["query"])
}

func TestQueryEvents_FallbackAggregate(t *testing.T) {
	cfg := ladderConfig()
	cfg.OptimizationFloorSize = 4096
	fake := &fakeSearcher{hits: makeHits(100, testRange().Start)}
	q := newQueryLayer(fake, fieldmap.New(zap.NewNop()), cfg, zap.NewNop())

	result, err := q.QueryEvents(context.Background(), QueryRequest{
		TimeRange:       testRange(),
		PageSize:        5000,
		Optimization:    OptimizationAuto,
		MaxResultSizeMB: 1,
		Fallback:        FallbackAggregate,
	})
	require.NoError(t, err)

	assert.Empty(t, result.Events)
	assert.NotNil(t, result.Aggregations)
	assert.Equal(t, ComplexityAggregation, result.Metrics.Complexity)
	assert.Equal(t, StepAggregationFallback, result.Metrics.OptimizationApplied[len(result.Metrics.OptimizationApplied)-1])
	assert.Equal(t, 0, fake.lastBody["size"])
}

func TestQueryAggregation(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(30, testRange().Start)}
	q := testQueryLayer(t, fake)

	result, err := q.QueryAggregation(context.Background(), testRange(), nil, []AggregationSpec{
		{Name: "top_sources", Type: "terms", Field: "source_ip", Size: 5},
		{Name: "over_time", Type: "date_histogram", Field: "timestamp", Interval: "1h"},
		{Name: "distinct_ips", Type: "cardinality", Field: "source_ip"},
	}, 0)
	require.NoError(t, err)

	assert.NotNil(t, result.Aggregations)
	assert.Equal(t, ComplexityAggregation, result.Metrics.Complexity)

	aggs := fake.lastBody["aggs"].(map[string]interface{})
	terms := aggs["top_sources"].(map[string]interface{})["terms"].(map[string]interface{})
	assert.Equal(t, "source.ip", terms["field"])
	assert.Equal(t, 0, fake.lastBody["size"])
}

func TestQueryAggregation_InvalidSpec(t *testing.T) {
	q := testQueryLayer(t, &fakeSearcher{})

	_, err := q.QueryAggregation(context.Background(), testRange(), nil, []AggregationSpec{
		{Name: "bad", Type: "percentile_rank", Field: "source_ip"},
	}, 0)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))
}
