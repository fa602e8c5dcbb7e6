package elastic

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/hash"
	"dshield-mcp-go/internal/mcperr"
)

// Estimated bytes per returned document, used by the pre-flight size
// check. Deliberately coarse; the ladder only needs a stable ordering,
// not an accurate byte count.
const (
	fullDocBytes   = 4096
	prunedDocBytes = 512

	defaultPageSize = 100
	queryCacheSize  = 256
	queryCacheTTL   = time.Minute
)

// searcher is the execution seam between query semantics and the wire
// client.
type searcher interface {
	Search(ctx context.Context, body map[string]interface{}, timeout time.Duration) (*searchResponse, error)
}

// QueryLayer implements the event query semantics: validation,
// pagination, the optimization ladder, and document reconstruction.
type QueryLayer struct {
	search searcher
	mapper *fieldmap.Mapper
	cfg    config.ElasticConfig
	perf   *PerfStats
	cache  *expirable.LRU[string, QueryResult]
	logger *zap.Logger
}

// NewQueryLayer wires the query layer onto a SIEM client.
func NewQueryLayer(client *Client, mapper *fieldmap.Mapper, cfg config.ElasticConfig, logger *zap.Logger) *QueryLayer {
	return newQueryLayer(client, mapper, cfg, logger)
}

func newQueryLayer(s searcher, mapper *fieldmap.Mapper, cfg config.ElasticConfig, logger *zap.Logger) *QueryLayer {
	return &QueryLayer{
		search: s,
		mapper: mapper,
		cfg:    cfg,
		perf:   NewPerfStats(),
		cache:  expirable.NewLRU[string, QueryResult](queryCacheSize, nil, queryCacheTTL),
		logger: logger,
	}
}

// Perf exposes the rolling performance statistics.
func (q *QueryLayer) Perf() *PerfStats { return q.perf }

// Mapper exposes the field mapping for collaborators that reconstruct
// documents themselves.
func (q *QueryLayer) Mapper() *fieldmap.Mapper { return q.mapper }

// IPCandidatePaths lists the concrete document paths that may carry an
// IP address, for callers that query them one at a time.
func (q *QueryLayer) IPCandidatePaths() []string { return q.mapper.IPCandidatePaths() }

// QueryEvents runs one page of an event query.
func (q *QueryLayer) QueryEvents(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	maxWindow := time.Duration(q.cfg.MaxQueryWindowHours) * time.Hour
	if err := req.TimeRange.Validate(maxWindow); err != nil {
		return nil, err
	}
	if req.Page > 0 && req.Cursor != "" {
		return nil, mcperr.New(mcperr.KindValidation, "page and cursor are mutually exclusive")
	}

	srt := req.Sort
	if srt.Field == "" {
		srt = DefaultSort()
	}
	fingerprint := Fingerprint(req.TimeRange, req.Filters, req.Fields, srt)

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > q.cfg.MaxPageSize {
		return nil, mcperr.New(mcperr.KindValidation, "page_size %d exceeds maximum %d", pageSize, q.cfg.MaxPageSize)
	}

	var cursor *Cursor
	page := req.Page
	if req.Cursor != "" {
		decoded, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		if err := decoded.CheckFingerprint(fingerprint); err != nil {
			return nil, err
		}
		cursor = &decoded
		pageSize = decoded.PageSize
	} else {
		if page <= 0 {
			page = 1
		}
		if offset := (page - 1) * pageSize; offset+pageSize > q.cfg.PageOffsetLimit {
			return nil, mcperr.New(mcperr.KindValidation,
				"page %d exceeds the offset limit of %d documents, continue with the cursor instead",
				page, q.cfg.PageOffsetLimit).
				WithData(map[string]interface{}{"reason": "offset_limit", "offset_limit": q.cfg.PageOffsetLimit})
		}
	}

	cacheKey := fingerprint + "|" + req.Cursor + "|" + strconv.Itoa(page) + "|" + strconv.Itoa(pageSize)
	if cached, ok := q.cache.Get(cacheKey); ok {
		cached.Metrics.CacheHit = true
		q.perf.Record(cached.Metrics)
		return &cached, nil
	}

	plan, err := q.planQuery(req, srt, pageSize)
	if err != nil {
		return nil, err
	}
	if plan.aggregateFallback {
		return q.runAggregateFallback(ctx, req, plan)
	}

	if cursor != nil {
		plan.body["search_after"] = cursor.searchAfter()
	} else if page > 1 {
		plan.body["from"] = (page - 1) * plan.pageSize
	}
	plan.body["size"] = plan.pageSize

	resp, err := q.search.Search(ctx, plan.body, req.Timeout)
	if err != nil {
		return nil, err
	}

	result := q.assembleResult(resp, req.Filters, plan, srt, page, fingerprint, cursor != nil)
	q.perf.Record(result.Metrics)
	q.cache.Add(cacheKey, *result)
	return result, nil
}

// queryPlan is the outcome of the pre-flight size check.
type queryPlan struct {
	body              map[string]interface{}
	pageSize          int
	applied           []OptimizationStep
	sampled           bool
	aggregateFallback bool
}

// planQuery builds the request body and walks the optimization ladder.
// Steps are applied strictly in ladder order, so the applied list is
// always a prefix of the vocabulary.
func (q *QueryLayer) planQuery(req QueryRequest, srt Sort, pageSize int) (*queryPlan, error) {
	body, err := q.buildQueryBody(req.TimeRange, req.Filters, req.Fields, srt)
	if err != nil {
		return nil, err
	}

	budget := int64(q.cfg.MaxResultSizeMB) << 20
	if req.MaxResultSizeMB > 0 {
		budget = int64(req.MaxResultSizeMB) << 20
	}

	plan := &queryPlan{body: body, pageSize: pageSize}
	perDoc := int64(fullDocBytes)
	if len(req.Fields) > 0 {
		perDoc = prunedDocBytes
	}

	prune := func() {
		body["_source"] = projectFields(req.Fields, q.mapper)
		perDoc = prunedDocBytes
		plan.applied = append(plan.applied, StepFieldPruning)
	}

	if req.Optimization == OptimizationAggressive && len(req.Fields) == 0 {
		prune()
	}

	estimate := func() int64 { return perDoc * int64(plan.pageSize) }
	if estimate() <= budget {
		return plan, nil
	}

	if req.Optimization != OptimizationNone {
		if perDoc == fullDocBytes {
			prune()
		}
		if estimate() > budget {
			reduced := int(budget / perDoc)
			if reduced < q.cfg.OptimizationFloorSize {
				reduced = q.cfg.OptimizationFloorSize
			}
			if reduced < plan.pageSize {
				plan.pageSize = reduced
				plan.applied = append(plan.applied, StepPageSizeReduction)
			}
		}
	}

	if estimate() <= budget {
		return plan, nil
	}

	switch req.Fallback {
	case FallbackAggregate:
		plan.applied = append(plan.applied, StepAggregationFallback)
		plan.aggregateFallback = true
		return plan, nil
	case FallbackSample:
		plan.applied = append(plan.applied, StepSampling)
		plan.sampled = true
		q.applySampling(plan)
		return plan, nil
	default:
		return nil, mcperr.New(mcperr.KindValidation,
			"estimated result size %d bytes exceeds the %d byte budget", estimate(), budget).
			WithData(map[string]interface{}{
				"reason":          "result_too_large",
				"estimated_bytes": estimate(),
				"budget_bytes":    budget,
			})
	}
}

// applySampling wraps the query in a seeded random score so repeated
// calls with the same parameters sample the same documents.
func (q *QueryLayer) applySampling(plan *queryPlan) {
	query, ok := plan.body["query"]
	if !ok {
		return
	}
	seed := "0"
	if fp, err := hash.JSONHash(query); err == nil {
		seed = fp[:16]
	}
	plan.body["query"] = map[string]interface{}{
		"function_score": map[string]interface{}{
			"query": query,
			"functions": []interface{}{
				map[string]interface{}{
					"random_score": map[string]interface{}{"seed": seed, "field": "_seq_no"},
				},
			},
			"boost_mode": "replace",
		},
	}
	delete(plan.body, "sort")
}

// runAggregateFallback replaces the raw page with a summary of the same
// scope: event-type buckets plus an hourly histogram.
func (q *QueryLayer) runAggregateFallback(ctx context.Context, req QueryRequest, plan *queryPlan) (*QueryResult, error) {
	eventTypePath, err := q.mapper.MapForQuery("event_type")
	if err != nil {
		return nil, err
	}
	plan.body["size"] = 0
	plan.body["aggs"] = map[string]interface{}{
		"by_event_type": map[string]interface{}{
			"terms": map[string]interface{}{"field": eventTypePath[0], "size": 50},
		},
		"over_time": map[string]interface{}{
			"date_histogram": map[string]interface{}{"field": "@timestamp", "fixed_interval": "1h"},
		},
	}
	delete(plan.body, "sort")

	resp, err := q.search.Search(ctx, plan.body, req.Timeout)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{
		TotalCount:   resp.Hits.Total.Value,
		Aggregations: resp.Aggregations,
		Pagination:   PaginationMeta{TotalCount: resp.Hits.Total.Value},
		Metrics: PerfMetrics{
			QueryTimeMS:         int64(resp.Took),
			DocumentsExamined:   resp.Hits.Total.Value,
			ShardsScanned:       resp.Shards.Total,
			Complexity:          ComplexityAggregation,
			OptimizationApplied: plan.applied,
		},
	}
	q.perf.Record(result.Metrics)
	return result, nil
}

func (q *QueryLayer) assembleResult(resp *searchResponse, filters []Filter, plan *queryPlan, srt Sort, page int, fingerprint string, cursorMode bool) *QueryResult {
	result := &QueryResult{
		TotalCount: resp.Hits.Total.Value,
		Sampled:    plan.sampled,
	}
	indices := make(map[string]bool)
	for _, hit := range resp.Hits.Hits {
		indices[hit.Index] = true
		result.Events = append(result.Events, parseEvent(hit, q.mapper))
	}

	total := resp.Hits.Total.Value
	meta := PaginationMeta{TotalCount: total, PageSize: plan.pageSize}
	if cursorMode {
		meta.HasNext = len(resp.Hits.Hits) == plan.pageSize
	} else {
		meta.Page = page
		meta.TotalPages = (total + plan.pageSize - 1) / plan.pageSize
		meta.HasNext = page < meta.TotalPages
	}
	if meta.HasNext && len(resp.Hits.Hits) > 0 {
		next := cursorFromHit(resp.Hits.Hits[len(resp.Hits.Hits)-1], srt, plan.pageSize, fingerprint)
		if token, err := next.Encode(); err == nil {
			meta.NextCursor = token
		}
	}
	result.Pagination = meta

	result.Metrics = PerfMetrics{
		QueryTimeMS:         int64(resp.Took),
		IndicesScanned:      len(indices),
		DocumentsExamined:   total,
		ShardsScanned:       resp.Shards.Total,
		Complexity:          classifyComplexity(filters, false),
		OptimizationApplied: plan.applied,
	}
	return result
}

// QueryAggregation executes bucket or metric aggregations over the same
// filter scope as QueryEvents, without returning raw documents.
func (q *QueryLayer) QueryAggregation(ctx context.Context, tr TimeRange, filters []Filter, specs []AggregationSpec, timeout time.Duration) (*AggregationResult, error) {
	maxWindow := time.Duration(q.cfg.MaxQueryWindowHours) * time.Hour
	if err := tr.Validate(maxWindow); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, mcperr.New(mcperr.KindValidation, "at least one aggregation is required")
	}

	body, err := q.buildQueryBody(tr, filters, nil, DefaultSort())
	if err != nil {
		return nil, err
	}
	delete(body, "sort")
	body["size"] = 0

	aggs := make(map[string]interface{}, len(specs))
	for _, spec := range specs {
		clause, err := q.aggregationClause(spec)
		if err != nil {
			return nil, err
		}
		aggs[spec.Name] = clause
	}
	body["aggs"] = aggs

	resp, err := q.search.Search(ctx, body, timeout)
	if err != nil {
		return nil, err
	}

	result := &AggregationResult{
		Aggregations: resp.Aggregations,
		Metrics: PerfMetrics{
			QueryTimeMS:       int64(resp.Took),
			DocumentsExamined: resp.Hits.Total.Value,
			ShardsScanned:     resp.Shards.Total,
			Complexity:        ComplexityAggregation,
		},
	}
	q.perf.Record(result.Metrics)
	return result, nil
}

func (q *QueryLayer) aggregationClause(spec AggregationSpec) (map[string]interface{}, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, mcperr.New(mcperr.KindValidation, "aggregation name is required")
	}
	paths, err := q.mapper.MapForQuery(spec.Field)
	if err != nil {
		return nil, err
	}
	field := paths[0]

	switch spec.Type {
	case "terms":
		size := spec.Size
		if size <= 0 {
			size = 10
		}
		return map[string]interface{}{"terms": map[string]interface{}{"field": field, "size": size}}, nil
	case "date_histogram":
		interval := spec.Interval
		if interval == "" {
			interval = "1h"
		}
		return map[string]interface{}{
			"date_histogram": map[string]interface{}{"field": field, "fixed_interval": interval},
		}, nil
	default:
		return map[string]interface{}{spec.Type: map[string]interface{}{"field": field}}, nil
	}
}
