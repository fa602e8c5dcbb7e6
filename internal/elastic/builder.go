package elastic

import (
	"fmt"
	"sort"
	"time"

	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/hash"
	"dshield-mcp-go/internal/mcperr"
)

// reconstructionFields is the minimum projection needed to rebuild a
// SecurityEvent from a pruned document. Both IP candidate sets are
// always included.
var reconstructionFields = []string{
	"@timestamp",
	"event.id", "event.type", "event.category", "event.severity_label",
	"source.ip", "source.address", "source.port",
	"destination.ip", "destination.address", "destination.port",
	"related.ip",
}

// buildFilterClause translates one user-field filter into an ES bool
// clause matching any of the field's candidate paths. A pinned Path
// renders a bare clause with no candidate disjunction. Array values
// always become terms matches and scalars always become term matches;
// this is enforced here by construction, never left to the server.
func (q *QueryLayer) buildFilterClause(f Filter) (map[string]interface{}, error) {
	if !f.Operator.Valid() {
		return nil, mcperr.New(mcperr.KindValidation, "invalid filter operator %q", f.Operator).
			WithData(map[string]interface{}{"field": f.Field, "operator": string(f.Operator)})
	}
	paths := []string{f.Path}
	if f.Path == "" {
		mapped, err := q.mapper.MapForQuery(f.Field)
		if err != nil {
			return nil, err
		}
		paths = mapped
	}

	var should []map[string]interface{}
	for _, path := range paths {
		clause, err := operatorClause(path, f.Operator, f.Value)
		if err != nil {
			return nil, err
		}
		should = append(should, clause)
	}

	base := should[0]
	if len(should) > 1 {
		base = map[string]interface{}{
			"bool": map[string]interface{}{
				"should":               should,
				"minimum_should_match": 1,
			},
		}
	}
	if f.Operator == OpNeq || f.Operator == OpNotIn || f.Operator == OpMissing {
		// Negation wraps the candidate disjunction so the document must
		// match none of the paths.
		return map[string]interface{}{
			"bool": map[string]interface{}{"must_not": []interface{}{base}},
		}, nil
	}
	return base, nil
}

func operatorClause(path string, op Operator, value interface{}) (map[string]interface{}, error) {
	switch op {
	case OpEq, OpNeq, OpIn, OpNotIn:
		if vals, ok := asList(value); ok {
			return map[string]interface{}{"terms": map[string]interface{}{path: vals}}, nil
		}
		return map[string]interface{}{"term": map[string]interface{}{path: value}}, nil
	case OpGt, OpGte, OpLt, OpLte:
		return map[string]interface{}{
			"range": map[string]interface{}{path: map[string]interface{}{string(op): value}},
		}, nil
	case OpExists, OpMissing:
		return map[string]interface{}{"exists": map[string]interface{}{"field": path}}, nil
	case OpContains:
		return map[string]interface{}{
			"wildcard": map[string]interface{}{path: map[string]interface{}{"value": fmt.Sprintf("*%v*", value)}},
		}, nil
	default:
		return nil, mcperr.New(mcperr.KindValidation, "invalid filter operator %q", op)
	}
}

func asList(v interface{}) ([]interface{}, bool) {
	switch vv := v.(type) {
	case []interface{}:
		return vv, true
	case []string:
		out := make([]interface{}, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// buildQueryBody assembles the full request body minus pagination.
func (q *QueryLayer) buildQueryBody(tr TimeRange, filters []Filter, fields []string, srt Sort) (map[string]interface{}, error) {
	filterClauses := []interface{}{
		map[string]interface{}{
			"range": map[string]interface{}{
				"@timestamp": map[string]interface{}{
					"gte": tr.Start.UTC().Format(time.RFC3339),
					"lte": tr.End.UTC().Format(time.RFC3339),
				},
			},
		},
	}
	for _, f := range filters {
		clause, err := q.buildFilterClause(f)
		if err != nil {
			return nil, err
		}
		filterClauses = append(filterClauses, clause)
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filterClauses},
		},
		"sort": sortSpec(srt),
	}

	if len(fields) > 0 {
		body["_source"] = projectFields(fields, q.mapper)
	}
	return body, nil
}

// sortSpec renders the primary key plus the document-id tiebreaker so
// page iteration is stable.
func sortSpec(srt Sort) []interface{} {
	if srt.Field == "" {
		srt = DefaultSort()
	}
	return []interface{}{
		map[string]interface{}{srt.Field: map[string]interface{}{"order": string(srt.Order)}},
		map[string]interface{}{"_id": map[string]interface{}{"order": "asc"}},
	}
}

// projectFields expands requested user fields to their candidate paths
// and always augments with the reconstruction set.
func projectFields(fields []string, mapper *fieldmap.Mapper) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range fields {
		if paths, err := mapper.MapForQuery(f); err == nil {
			for _, p := range paths {
				add(p)
			}
		}
	}
	for _, p := range reconstructionFields {
		add(p)
	}
	sort.Strings(out)
	return out
}

// fingerprintInput is the normalized query shape hashed into the cursor
// fingerprint. Pagination is deliberately excluded.
type fingerprintInput struct {
	Start   string   `json:"start"`
	End     string   `json:"end"`
	Filters []Filter `json:"filters,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Sort    Sort     `json:"sort"`
}

// Fingerprint computes the stable hash binding cursors to their query.
func Fingerprint(tr TimeRange, filters []Filter, fields []string, srt Sort) string {
	norm := fingerprintInput{
		Start:  tr.Start.UTC().Truncate(time.Second).Format(time.RFC3339),
		End:    tr.End.UTC().Truncate(time.Second).Format(time.RFC3339),
		Fields: append([]string(nil), fields...),
		Sort:   srt,
	}
	sort.Strings(norm.Fields)
	norm.Filters = append([]Filter(nil), filters...)
	sort.Slice(norm.Filters, func(i, j int) bool {
		if norm.Filters[i].Field != norm.Filters[j].Field {
			return norm.Filters[i].Field < norm.Filters[j].Field
		}
		return norm.Filters[i].Operator < norm.Filters[j].Operator
	})
	fp, err := hash.JSONHash(norm)
	if err != nil {
		// Marshal of plain structs cannot fail; keep a deterministic value anyway.
		return hash.StringHash(fmt.Sprintf("%+v", norm))
	}
	return fp
}

// classifyComplexity buckets the executed request for perf reporting.
func classifyComplexity(filters []Filter, hasAggs bool) QueryComplexity {
	if hasAggs {
		return ComplexityAggregation
	}
	switch {
	case len(filters) <= 1:
		return ComplexitySimple
	case len(filters) <= 3:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}
