package server

import (
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// timeRangeArg converts time_range_hours into an absolute window ending
// now. defaultHours 0 makes the argument required.
func timeRangeArg(request mcp.CallToolRequest, defaultHours int) (elastic.TimeRange, error) {
	hours := request.GetFloat("time_range_hours", float64(defaultHours))
	if hours <= 0 {
		return elastic.TimeRange{}, mcperr.New(mcperr.KindInvalidParams, "time_range_hours is required and must be positive")
	}
	return elastic.RelativeRange(int(hours)), nil
}

// filtersArg decodes the filters object. Two shapes are accepted: a
// plain field-to-value map (scalar values become eq, list values become
// in), or an explicit clause list under "clauses" with per-clause
// operators.
func filtersArg(request mcp.CallToolRequest) ([]elastic.Filter, error) {
	raw, ok := request.GetArguments()["filters"]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, mcperr.New(mcperr.KindInvalidParams, "filters must be an object")
	}

	if clauses, ok := obj["clauses"]; ok {
		list, ok := clauses.([]interface{})
		if !ok {
			return nil, mcperr.New(mcperr.KindInvalidParams, "filters.clauses must be a list")
		}
		out := make([]elastic.Filter, 0, len(list))
		for i, item := range list {
			var f elastic.Filter
			if err := reencode(item, &f); err != nil {
				return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "filters.clauses[%d] is malformed", i)
			}
			if f.Field == "" {
				return nil, mcperr.New(mcperr.KindInvalidParams, "filters.clauses[%d] is missing field", i)
			}
			if f.Operator == "" {
				f.Operator = elastic.OpEq
			}
			out = append(out, f)
		}
		return out, nil
	}

	out := make([]elastic.Filter, 0, len(obj))
	for field, value := range obj {
		op := elastic.OpEq
		if _, isList := value.([]interface{}); isList {
			op = elastic.OpIn
		}
		out = append(out, elastic.Filter{Field: field, Operator: op, Value: value})
	}
	return out, nil
}

// aggregationSpecsArg decodes the aggregations list.
func aggregationSpecsArg(request mcp.CallToolRequest) ([]elastic.AggregationSpec, error) {
	raw, ok := request.GetArguments()["aggregations"]
	if !ok || raw == nil {
		return nil, mcperr.New(mcperr.KindInvalidParams, "aggregations is required")
	}
	var specs []elastic.AggregationSpec
	if err := reencode(raw, &specs); err != nil {
		return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "aggregations is malformed")
	}
	if len(specs) == 0 {
		return nil, mcperr.New(mcperr.KindInvalidParams, "aggregations must not be empty")
	}
	return specs, nil
}

// eventsArg decodes the explicit event list for report generation.
func eventsArg(request mcp.CallToolRequest) ([]models.SecurityEvent, error) {
	raw, ok := request.GetArguments()["events"]
	if !ok || raw == nil {
		return nil, nil
	}
	var events []models.SecurityEvent
	if err := reencode(raw, &events); err != nil {
		return nil, mcperr.Wrap(mcperr.KindInvalidParams, err, "events is malformed")
	}
	return events, nil
}

// stringListArg reads a list argument as strings, skipping non-string
// members.
func stringListArg(request mcp.CallToolRequest, key string) []string {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// reencode converts a decoded JSON value into a typed struct by a
// marshal round trip. Tool arguments arrive as interface{} trees; this
// keeps the decoding rules identical to the wire format.
func reencode(value interface{}, target interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// decodeQueryRequest assembles the full QueryRequest for
// query_dshield_events.
func decodeQueryRequest(request mcp.CallToolRequest) (*elastic.QueryRequest, error) {
	tr, err := timeRangeArg(request, 0)
	if err != nil {
		return nil, err
	}
	filters, err := filtersArg(request)
	if err != nil {
		return nil, err
	}

	req := &elastic.QueryRequest{
		TimeRange:       tr,
		Filters:         filters,
		Fields:          stringListArg(request, "fields"),
		Page:            int(request.GetFloat("page", 0)),
		PageSize:        int(request.GetFloat("page_size", 0)),
		Cursor:          request.GetString("cursor", ""),
		Optimization:    elastic.OptimizationMode(request.GetString("optimization", "")),
		Fallback:        elastic.FallbackStrategy(request.GetString("fallback_strategy", "")),
		MaxResultSizeMB: int(request.GetFloat("max_result_size_mb", 0)),
	}
	if field := request.GetString("sort_by", ""); field != "" {
		req.Sort = elastic.Sort{
			Field: field,
			Order: elastic.SortOrder(request.GetString("sort_order", string(elastic.SortDesc))),
		}
	} else if order := request.GetString("sort_order", ""); order != "" {
		req.Sort = elastic.Sort{Field: "@timestamp", Order: elastic.SortOrder(order)}
	}
	if secs := request.GetFloat("query_timeout_seconds", 0); secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	return req, nil
}
