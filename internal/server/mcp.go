// Package server exposes the analytic engine over MCP: tool registry,
// argument decoding, feature gating, timeout envelopes, and the single
// place where the error taxonomy becomes JSON-RPC error payloads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/anomaly"
	"dshield-mcp-go/internal/campaign"
	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/datadict"
	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/intel"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
	"dshield-mcp-go/internal/report"
	"dshield-mcp-go/internal/resilience"
)

const serverVersion = "1.0.0"

// defaultCampaignWindowHours is the analysis window when the caller
// does not pass time_range_hours (one week).
const defaultCampaignWindowHours = 168

// ToolDeps carries the wired subsystems into the tool dispatcher.
type ToolDeps struct {
	Config    *config.Config
	Query     *elastic.QueryLayer
	Streams   *elastic.StreamRegistry
	Campaigns *campaign.Engine
	Intel     *intel.Aggregator
	Anomalies *anomaly.Detector
	Reports   *report.Generator
	Dict      *datadict.Dictionary
	Features  *FeatureManager
	Timeouts  resilience.Timeouts
	Errors    *resilience.Aggregator
	Logger    *zap.Logger
}

// MCPServer owns the mcp-go server and the tool handlers.
type MCPServer struct {
	server *mcpserver.MCPServer
	deps   ToolDeps
	logger *zap.Logger
}

// NewMCPServer builds the MCP server and registers every tool.
func NewMCPServer(deps ToolDeps) *MCPServer {
	s := &MCPServer{
		server: mcpserver.NewMCPServer(
			"dshield-mcp",
			serverVersion,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
		deps:   deps,
		logger: deps.Logger,
	}
	s.registerTools()
	return s
}

// MCP exposes the underlying server to the transport layer.
func (s *MCPServer) MCP() *mcpserver.MCPServer { return s.server }

// dispatch runs op inside the class timeout envelope with feature
// gating. Errors are recorded in the aggregator and rendered as the
// JSON-RPC payload exactly here; nothing below this speaks JSON-RPC.
func (s *MCPServer) dispatch(
	ctx context.Context,
	tool string,
	class resilience.TimeoutClass,
	feature Feature,
	op func(ctx context.Context) (interface{}, error),
) (*mcp.CallToolResult, error) {
	if feature != "" && !s.deps.Features.Snapshot().Enabled(feature) {
		err := mcperr.New(mcperr.KindResourceUnavailable, "tool %s requires the %s feature, currently unavailable", tool, feature).
			WithData(map[string]interface{}{"feature": string(feature)})
		return s.errorResult(tool, err), nil
	}

	opCtx, cancel := s.deps.Timeouts.Context(ctx, class)
	defer cancel()

	start := time.Now()
	out, err := op(opCtx)
	if err != nil {
		if ctxErr := resilience.TranslateContextErr(opCtx.Err()); ctxErr != nil && mcperr.KindOf(err) == mcperr.KindInternal {
			err = ctxErr
		}
		s.deps.Errors.Record(err, tool)
		return s.errorResult(tool, err), nil
	}

	payload, merr := json.Marshal(out)
	if merr != nil {
		err := mcperr.Wrap(mcperr.KindInternal, merr, "failed to encode %s result", tool)
		s.deps.Errors.Record(err, tool)
		return s.errorResult(tool, err), nil
	}

	s.logger.Debug("tool dispatched",
		zap.String("tool", tool),
		zap.Duration("elapsed", time.Since(start)),
	)
	return mcp.NewToolResultText(string(payload)), nil
}

// errorResult renders the taxonomy as the JSON-RPC-shaped error body.
func (s *MCPServer) errorResult(tool string, err error) *mcp.CallToolResult {
	kind := mcperr.KindOf(err)
	body := map[string]interface{}{
		"code":    kind.Code(),
		"kind":    string(kind),
		"message": err.Error(),
	}
	var te *mcperr.Error
	if errors.As(err, &te) {
		if len(te.Data) > 0 {
			body["data"] = te.Data
		}
		if te.Service != "" {
			body["service"] = te.Service
		}
	}
	s.logger.Warn("tool failed",
		zap.String("tool", tool),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	payload, _ := json.Marshal(body)
	return mcp.NewToolResultError(string(payload))
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("query_dshield_events",
		mcp.WithDescription("Query SIEM security events with filtering, field selection, pagination, and automatic query optimization. Use user-visible field names from get_data_dictionary; cursors returned in pagination.next_cursor resume deep result sets."),
		mcp.WithNumber("time_range_hours", mcp.Required(), mcp.Description("Trailing window in hours, ending now")),
		mcp.WithObject("filters", mcp.Description("Map of field name to value, or {field, operator, value} list under 'clauses'. Scalar values use eq, list values use in")),
		mcp.WithArray("fields", mcp.Description("Fields to return; reconstruction fields are always included")),
		mcp.WithNumber("page", mcp.Description("1-based page number; exclusive with cursor")),
		mcp.WithNumber("page_size", mcp.Description("Events per page (default 100)")),
		mcp.WithString("cursor", mcp.Description("Opaque cursor from a previous response")),
		mcp.WithString("sort_by", mcp.Description("Sort field (default @timestamp)")),
		mcp.WithString("sort_order", mcp.Description("asc or desc (default desc)")),
		mcp.WithString("optimization", mcp.Description("none, auto, or aggressive (default auto)")),
		mcp.WithString("fallback_strategy", mcp.Description("error, aggregate, or sample when the result exceeds the size budget")),
		mcp.WithNumber("max_result_size_mb", mcp.Description("Per-request result size budget override")),
		mcp.WithNumber("query_timeout_seconds", mcp.Description("Per-request query timeout override")),
	), s.handleQueryEvents)

	s.server.AddTool(mcp.NewTool("query_dshield_aggregations",
		mcp.WithDescription("Run bucket or metric aggregations over the event store without returning raw documents."),
		mcp.WithNumber("time_range_hours", mcp.Required(), mcp.Description("Trailing window in hours")),
		mcp.WithObject("filters", mcp.Description("Same shape as query_dshield_events filters")),
		mcp.WithArray("aggregations", mcp.Required(), mcp.Description("List of {name, type, field, size?, interval?}; types: terms, date_histogram, cardinality, avg, max, min, sum")),
	), s.handleQueryAggregations)

	s.server.AddTool(mcp.NewTool("stream_dshield_events_with_session_context",
		mcp.WithDescription("Stream large result sets in chunks that never split a session across chunk boundaries. Open a stream by omitting stream_id; pass the returned stream_id to continue."),
		mcp.WithNumber("time_range_hours", mcp.Description("Trailing window in hours (required when opening)")),
		mcp.WithObject("filters", mcp.Description("Same shape as query_dshield_events filters")),
		mcp.WithArray("fields", mcp.Description("Fields to return")),
		mcp.WithNumber("chunk_size", mcp.Description("Target events per chunk")),
		mcp.WithArray("session_fields", mcp.Description("Fields whose joint value identifies a session")),
		mcp.WithNumber("max_session_gap_minutes", mcp.Description("Idle gap that closes a session")),
		mcp.WithString("stream_id", mcp.Description("Continue an existing stream")),
	), s.handleStreamEvents)

	s.server.AddTool(mcp.NewTool("analyze_campaign",
		mcp.WithDescription("Correlate events around seed indicators into an attack campaign using staged IP, infrastructure, behavioral, and temporal analysis."),
		mcp.WithArray("seed_indicators", mcp.Required(), mcp.Description("Seed IP addresses")),
		mcp.WithNumber("time_range_hours", mcp.Description("Trailing analysis window in hours (default 168)")),
		mcp.WithArray("correlation_methods", mcp.Description("Subset of ip_exact, ip_subnet, ip_asn, shared_infrastructure, behavioral_match, temporal_cluster, geospatial")),
		mcp.WithNumber("min_confidence", mcp.Description("Confidence floor for expanded events (default 0.5)")),
		mcp.WithBoolean("include_timeline", mcp.Description("Attach an hourly timeline")),
		mcp.WithBoolean("include_relationships", mcp.Description("Attach the indicator relationship graph edges")),
	), s.handleAnalyzeCampaign)

	s.server.AddTool(mcp.NewTool("expand_campaign_indicators",
		mcp.WithDescription("Pivot outward from a stored campaign's seed indicators through subnet, ASN, and shared-infrastructure relationships."),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("Identifier from analyze_campaign")),
		mcp.WithNumber("expansion_depth", mcp.Description("Graph traversal depth (default 1)")),
		mcp.WithString("expansion_strategy", mcp.Description("all, subnet, asn, or infrastructure (default all)")),
	), s.handleExpandIndicators)

	s.server.AddTool(mcp.NewTool("get_campaign_timeline",
		mcp.WithDescription("Build the bucketed timeline of a stored campaign."),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("Identifier from analyze_campaign")),
		mcp.WithString("timeline_granularity", mcp.Description("minute, hourly, or daily (default hourly)")),
		mcp.WithNumber("offset", mcp.Description("Bucket offset for resuming long timelines")),
		mcp.WithNumber("limit", mcp.Description("Maximum buckets per response")),
	), s.handleCampaignTimeline)

	s.server.AddTool(mcp.NewTool("detect_ongoing_campaigns",
		mcp.WithDescription("Triage scan of the trailing window for coordinated activity worth a full analyze_campaign run."),
		mcp.WithNumber("window_hours", mcp.Description("Trailing window in hours (default 24)")),
		mcp.WithNumber("min_events", mcp.Description("Minimum component event count (default 10)")),
	), s.handleDetectOngoing)

	s.server.AddTool(mcp.NewTool("detect_statistical_anomalies",
		mcp.WithDescription("Detect statistical outliers in event volume and attacker frequency over the window."),
		mcp.WithNumber("time_range_hours", mcp.Required(), mcp.Description("Trailing window in hours")),
		mcp.WithObject("filters", mcp.Description("Same shape as query_dshield_events filters")),
		mcp.WithArray("anomaly_methods", mcp.Description("Subset of zscore, iqr, frequency (default all)")),
		mcp.WithNumber("sensitivity", mcp.Description("Detection sensitivity in (0, 1]; higher flags more (default 0.5)")),
	), s.handleDetectAnomalies)

	s.server.AddTool(mcp.NewTool("enrich_ip_with_dshield",
		mcp.WithDescription("Enrich an IP address with merged multi-source threat intelligence."),
		mcp.WithString("ip_address", mcp.Required(), mcp.Description("IPv4 or IPv6 address")),
	), s.handleEnrichIP)

	s.server.AddTool(mcp.NewTool("enrich_domain_with_dshield",
		mcp.WithDescription("Enrich a domain name with merged threat intelligence and resolved addresses."),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Domain name")),
	), s.handleEnrichDomain)

	s.server.AddTool(mcp.NewTool("generate_attack_report",
		mcp.WithDescription("Generate a structured attack report from explicit events or a stored campaign. The artifact is written under the output directory."),
		mcp.WithArray("events", mcp.Description("Explicit event objects; exclusive with campaign_id")),
		mcp.WithString("campaign_id", mcp.Description("Stored campaign to report on; exclusive with events")),
		mcp.WithString("template", mcp.Description("standard, executive, or technical (default standard)")),
	), s.handleGenerateReport)

	s.server.AddTool(mcp.NewTool("get_health_status",
		mcp.WithDescription("Report feature availability, dependency health checks, circuit breaker states, cache statistics, and recent error counts."),
	), s.handleHealthStatus)

	s.server.AddTool(mcp.NewTool("get_data_dictionary",
		mcp.WithDescription("Describe the queryable fields, operators, and analysis vocabularies accepted by the other tools."),
	), s.handleDataDictionary)

	s.server.AddTool(mcp.NewTool("get_query_performance_stats",
		mcp.WithDescription("Summarize recent query performance: latency percentiles, slow queries, cache hit rate, optimization counts."),
	), s.handlePerformanceStats)
}

func (s *MCPServer) handleQueryEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "query_dshield_events", resilience.ClassExternalService, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			req, err := decodeQueryRequest(request)
			if err != nil {
				return nil, err
			}
			return s.deps.Query.QueryEvents(ctx, *req)
		})
}

func (s *MCPServer) handleQueryAggregations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "query_dshield_aggregations", resilience.ClassExternalService, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			tr, err := timeRangeArg(request, 0)
			if err != nil {
				return nil, err
			}
			filters, err := filtersArg(request)
			if err != nil {
				return nil, err
			}
			specs, err := aggregationSpecsArg(request)
			if err != nil {
				return nil, err
			}
			return s.deps.Query.QueryAggregation(ctx, tr, filters, specs, 0)
		})
}

func (s *MCPServer) handleStreamEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "stream_dshield_events_with_session_context", resilience.ClassExternalService, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			if id := request.GetString("stream_id", ""); id != "" {
				return s.deps.Streams.Next(ctx, id)
			}
			tr, err := timeRangeArg(request, 0)
			if err != nil {
				return nil, err
			}
			filters, err := filtersArg(request)
			if err != nil {
				return nil, err
			}
			req := elastic.StreamRequest{
				TimeRange:     tr,
				Filters:       filters,
				Fields:        stringListArg(request, "fields"),
				ChunkSize:     int(request.GetFloat("chunk_size", 0)),
				Sessions:      true,
				SessionFields: stringListArg(request, "session_fields"),
			}
			if gap := request.GetFloat("max_session_gap_minutes", 0); gap > 0 {
				req.MaxSessionGap = time.Duration(gap) * time.Minute
			}
			return s.deps.Streams.Open(ctx, req)
		})
}

// analyzeCampaignResult optionally folds in the timeline and the
// relationship edges alongside the campaign aggregate.
type analyzeCampaignResult struct {
	Campaign      *models.Campaign               `json:"campaign"`
	Timeline      []models.TimelineBucket        `json:"timeline,omitempty"`
	Relationships []models.IndicatorRelationship `json:"relationships,omitempty"`
}

func (s *MCPServer) handleAnalyzeCampaign(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "analyze_campaign", resilience.ClassToolExecution, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			seeds := stringListArg(request, "seed_indicators")
			if len(seeds) == 0 {
				return nil, mcperr.New(mcperr.KindInvalidParams, "seed_indicators is required")
			}
			tr, err := timeRangeArg(request, defaultCampaignWindowHours)
			if err != nil {
				return nil, err
			}
			var methods []models.CorrelationMethod
			for _, m := range stringListArg(request, "correlation_methods") {
				methods = append(methods, models.CorrelationMethod(m))
			}

			c, err := s.deps.Campaigns.AnalyzeCampaign(ctx, campaign.AnalyzeRequest{
				SeedIndicators: seeds,
				TimeRange:      tr,
				Methods:        methods,
				MinConfidence:  request.GetFloat("min_confidence", 0),
			})
			if err != nil {
				return nil, err
			}

			result := analyzeCampaignResult{Campaign: c}
			if request.GetBool("include_timeline", false) {
				result.Timeline, err = campaign.BuildTimeline(c.Events, campaign.GranularityHourly)
				if err != nil {
					return nil, err
				}
			}
			if request.GetBool("include_relationships", false) {
				graph := campaign.BuildGraph(c.Events, s.deps.Config.Campaign.SubnetMaskBits)
				for _, seed := range c.SeedIndicators {
					result.Relationships = append(result.Relationships,
						graph.Expand(seed, nil, 1, s.deps.Config.Campaign.ExpansionFanout)...)
				}
			}
			return result, nil
		})
}

func (s *MCPServer) handleExpandIndicators(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "expand_campaign_indicators", resilience.ClassToolExecution, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			id, err := request.RequireString("campaign_id")
			if err != nil {
				return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "campaign_id is required")
			}
			relations, err := relationsForStrategy(request.GetString("expansion_strategy", "all"))
			if err != nil {
				return nil, err
			}
			depth := int(request.GetFloat("expansion_depth", 1))

			c, err := s.deps.Campaigns.GetCampaign(id)
			if err != nil {
				return nil, err
			}
			tr := elastic.TimeRange{Start: c.StartTime, End: c.EndTime}

			seen := make(map[string]bool)
			var out []models.IndicatorRelationship
			for _, seed := range c.SeedIndicators {
				rels, err := s.deps.Campaigns.ExpandIndicators(ctx, seed, relations, depth, tr)
				if err != nil {
					return nil, err
				}
				for _, r := range rels {
					key := r.SourceIndicator + "|" + r.RelatedIndicator + "|" + string(r.RelationType)
					if !seen[key] {
						seen[key] = true
						out = append(out, r)
					}
				}
			}
			return map[string]interface{}{
				"campaign_id":   id,
				"relationships": out,
			}, nil
		})
}

func (s *MCPServer) handleCampaignTimeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "get_campaign_timeline", resilience.ClassToolExecution, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			id, err := request.RequireString("campaign_id")
			if err != nil {
				return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "campaign_id is required")
			}
			c, err := s.deps.Campaigns.GetCampaign(id)
			if err != nil {
				return nil, err
			}
			buckets, err := campaign.BuildTimeline(c.Events,
				campaign.Granularity(request.GetString("timeline_granularity", "")))
			if err != nil {
				return nil, err
			}
			page, next := campaign.TimelinePage(buckets,
				int(request.GetFloat("offset", 0)), int(request.GetFloat("limit", 0)))
			return map[string]interface{}{
				"campaign_id": id,
				"buckets":     page,
				"next_offset": next,
			}, nil
		})
}

func (s *MCPServer) handleDetectOngoing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "detect_ongoing_campaigns", resilience.ClassToolExecution, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			window := time.Duration(request.GetFloat("window_hours", 0)) * time.Hour
			candidates, err := s.deps.Campaigns.DetectOngoing(ctx, window, int(request.GetFloat("min_events", 0)))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"candidates": candidates}, nil
		})
}

func (s *MCPServer) handleDetectAnomalies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "detect_statistical_anomalies", resilience.ClassToolExecution, FeatureElasticsearch,
		func(ctx context.Context) (interface{}, error) {
			tr, err := timeRangeArg(request, 0)
			if err != nil {
				return nil, err
			}
			var methods []anomaly.Method
			for _, m := range stringListArg(request, "anomaly_methods") {
				methods = append(methods, anomaly.Method(m))
			}
			filters, err := filtersArg(request)
			if err != nil {
				return nil, err
			}
			return s.deps.Anomalies.Detect(ctx, anomaly.Request{
				TimeRange:   tr,
				Filters:     filters,
				Methods:     methods,
				Sensitivity: request.GetFloat("sensitivity", 0),
			})
		})
}

func (s *MCPServer) handleEnrichIP(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "enrich_ip_with_dshield", resilience.ClassExternalService, FeatureThreatIntel,
		func(ctx context.Context) (interface{}, error) {
			ip, err := request.RequireString("ip_address")
			if err != nil {
				return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "ip_address is required")
			}
			return s.deps.Intel.Enrich(ctx, ip)
		})
}

func (s *MCPServer) handleEnrichDomain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "enrich_domain_with_dshield", resilience.ClassExternalService, FeatureThreatIntel,
		func(ctx context.Context) (interface{}, error) {
			domain, err := request.RequireString("domain")
			if err != nil {
				return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "domain is required")
			}
			return s.deps.Intel.EnrichDomain(ctx, domain)
		})
}

func (s *MCPServer) handleGenerateReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "generate_attack_report", resilience.ClassToolExecution, "",
		func(ctx context.Context) (interface{}, error) {
			events, err := eventsArg(request)
			if err != nil {
				return nil, err
			}
			return s.deps.Reports.Generate(ctx, report.Request{
				Events:     events,
				CampaignID: request.GetString("campaign_id", ""),
				Template:   request.GetString("template", ""),
			})
		})
}

func (s *MCPServer) handleHealthStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "get_health_status", resilience.ClassValidation, "",
		func(ctx context.Context) (interface{}, error) {
			snap := s.deps.Features.Refresh(ctx)
			out := map[string]interface{}{
				"features":     snap.Features,
				"checks":       snap.Checks,
				"breakers":     snap.Breakers,
				"taken_at":     snap.TakenAt,
				"error_counts": s.deps.Errors.WindowedCounts(),
			}
			if s.deps.Intel != nil {
				out["cache_stats"] = s.deps.Intel.CacheStats()
			}
			return out, nil
		})
}

func (s *MCPServer) handleDataDictionary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "get_data_dictionary", resilience.ClassValidation, "",
		func(ctx context.Context) (interface{}, error) {
			return s.deps.Dict, nil
		})
}

func (s *MCPServer) handlePerformanceStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, "get_query_performance_stats", resilience.ClassValidation, "",
		func(ctx context.Context) (interface{}, error) {
			return s.deps.Query.Perf().Snapshot(), nil
		})
}

// relationsForStrategy maps the tool-level strategy names onto relation
// types. "all" follows every edge type.
func relationsForStrategy(strategy string) ([]models.RelationType, error) {
	switch strategy {
	case "", "all":
		return nil, nil
	case "subnet":
		return []models.RelationType{models.RelationSameSubnet}, nil
	case "asn":
		return []models.RelationType{models.RelationSameASN}, nil
	case "infrastructure":
		return []models.RelationType{models.RelationSharedInfrastructure}, nil
	default:
		return nil, mcperr.New(mcperr.KindInvalidParams, "unknown expansion_strategy %q", strategy)
	}
}
