// Package fieldmap translates between user-visible field names and the
// document paths actually present in SIEM data. A user field maps to an
// ordered list of candidate paths: Elastic Common Schema dotted paths
// first, legacy flat names after. The multi-candidate shape is a
// correctness contract, not an optimization: some indices only populate
// one of the candidates (related.ip in particular).
package fieldmap

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/mcperr"
)

// defaultMappings is the static table configured at startup. Candidate
// order is the extraction precedence.
var defaultMappings = map[string][]string{
	"source_ip":        {"source.ip", "source.address", "related.ip", "src_ip"},
	"destination_ip":   {"destination.ip", "destination.address", "related.ip", "dst_ip"},
	"source_port":      {"source.port", "src_port"},
	"destination_port": {"destination.port", "dst_port"},
	"protocol":         {"network.transport", "network.protocol", "protocol"},
	"event_type":       {"event.type", "event.action", "type"},
	"event_id":         {"event.id", "_id"},
	"timestamp":        {"@timestamp", "timestamp"},
	"severity":         {"event.severity_label", "event.severity", "severity"},
	"category":         {"event.category", "category"},
	"country":          {"source.geo.country_name", "geoip.country_name", "country"},
	"asn":              {"source.as.number", "asn"},
	"organization":     {"source.as.organization.name", "source.as.organization", "organization"},
	"reputation_score": {"threat.indicator.confidence", "reputation"},
	"user":             {"user.name", "user.id", "username"},
	"session_id":       {"session.id", "event.session_id", "session_id"},
	"url":              {"url.original", "url.full", "http.request.url", "url"},
	"user_agent":       {"user_agent.original", "http.request.user_agent", "user_agent"},
	"domain":           {"url.domain", "destination.domain", "tls.client.server_name", "domain"},
	"ja3":              {"tls.client.ja3", "ja3"},
	"payload":          {"event.original", "message", "payload"},
	"attack_type":      {"event.action", "rule.name", "attack"},
}

// ipFields are the user fields whose candidates carry IP addresses; seed
// retrieval issues one query per candidate path for these.
var ipFields = map[string]bool{"source_ip": true, "destination_ip": true}

// Mapper owns the static field mapping. Immutable after construction.
type Mapper struct {
	mappings map[string][]string
	known    []string
	logger   *zap.Logger
}

// New creates a Mapper with the default mapping table.
func New(logger *zap.Logger) *Mapper {
	return NewWithMappings(defaultMappings, logger)
}

// NewWithMappings creates a Mapper from an explicit table.
func NewWithMappings(mappings map[string][]string, logger *zap.Logger) *Mapper {
	known := make([]string, 0, len(mappings))
	for f := range mappings {
		known = append(known, f)
	}
	sort.Strings(known)
	return &Mapper{mappings: mappings, known: known, logger: logger}
}

// KnownFields returns the sorted user-visible field names.
func (m *Mapper) KnownFields() []string {
	return m.known
}

// IsIPField reports whether the user field carries IP addresses.
func (m *Mapper) IsIPField(userField string) bool {
	return ipFields[userField]
}

// IPCandidatePaths returns the deduplicated candidate paths of every
// IP-bearing user field. Seed retrieval issues one query per entry.
func (m *Mapper) IPCandidatePaths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range m.known {
		if !ipFields[f] {
			continue
		}
		for _, p := range m.mappings[f] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// MapForQuery returns the candidate document paths for a user field.
// Filters built from the result must match any candidate. Unknown fields
// fail with InvalidFieldName carrying edit-distance suggestions.
func (m *Mapper) MapForQuery(userField string) ([]string, error) {
	if paths, ok := m.mappings[userField]; ok {
		out := make([]string, len(paths))
		copy(out, paths)
		return out, nil
	}
	return nil, mcperr.New(mcperr.KindValidation, "invalid field name %q", userField).
		WithData(map[string]interface{}{
			"field":       userField,
			"suggestions": m.Suggestions(userField),
		})
}

// Suggestions returns known fields within edit distance 2 of the input.
func (m *Mapper) Suggestions(userField string) []string {
	needle := strings.ToLower(userField)
	var out []string
	for _, f := range m.known {
		if levenshtein.ComputeDistance(needle, f) <= 2 {
			out = append(out, f)
		}
	}
	return out
}

// Extract probes the candidate paths in precedence order and returns the
// first non-nil value, or nil when no candidate resolves.
func (m *Mapper) Extract(doc map[string]interface{}, userField string) interface{} {
	paths, ok := m.mappings[userField]
	if !ok {
		return nil
	}
	for _, path := range paths {
		if v := Resolve(doc, path); v != nil {
			return v
		}
	}
	return nil
}

// ExtractString is Extract narrowed to a string value. Non-string scalars
// are not coerced; the caller decides how to render them.
func (m *Mapper) ExtractString(doc map[string]interface{}, userField string) string {
	switch v := m.Extract(doc, userField).(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

// Resolve walks a dotted path through a document. Documents may nest
// (source → ip) or carry flat dotted keys (source.ip); both shapes occur
// across index versions, so both are probed.
func Resolve(doc map[string]interface{}, path string) interface{} {
	if v, ok := doc[path]; ok {
		return normalize(v)
	}
	parts := strings.Split(path, ".")
	var current interface{} = doc
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return normalize(current)
}

// normalize unwraps single-element arrays, which some indices emit for
// scalar ECS fields (related.ip is always an array).
func normalize(v interface{}) interface{} {
	if arr, ok := v.([]interface{}); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return v
}

// ResolveAll returns every value at a dotted path, flattening arrays.
// Used for multi-valued candidates like related.ip.
func ResolveAll(doc map[string]interface{}, path string) []interface{} {
	if v, ok := doc[path]; ok {
		return flatten(v)
	}
	parts := strings.Split(path, ".")
	var current interface{} = doc
	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return flatten(current)
}

func flatten(v interface{}) []interface{} {
	switch vv := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return vv
	default:
		return []interface{}{vv}
	}
}

// LogUnmapped emits a structured record of top-level document paths not
// covered by any mapping candidate. Operator visibility only, never an
// error.
func (m *Mapper) LogUnmapped(doc map[string]interface{}) {
	covered := make(map[string]bool)
	for _, paths := range m.mappings {
		for _, p := range paths {
			root := p
			if idx := strings.IndexByte(p, '.'); idx > 0 {
				root = p[:idx]
			}
			covered[root] = true
		}
	}

	var unmapped []string
	for key := range doc {
		root := key
		if idx := strings.IndexByte(key, '.'); idx > 0 {
			root = key[:idx]
		}
		if !covered[root] {
			unmapped = append(unmapped, key)
		}
	}
	if len(unmapped) == 0 {
		return
	}
	sort.Strings(unmapped)
	m.logger.Debug("document contains unmapped top-level paths",
		zap.Strings("paths", unmapped),
	)
}
