// Package datadict serves the data dictionary: the queryable fields,
// their document paths, operators, and the analysis primitives exposed
// by the tool surface. The dictionary is static per process; assistants
// fetch it once to learn what they can ask for.
package datadict

import (
	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/models"
)

// FieldEntry describes one queryable user field.
type FieldEntry struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	// Paths are the candidate document paths, in extraction precedence
	// order.
	Paths    []string `json:"paths"`
	Examples []string `json:"examples,omitempty"`
}

// Dictionary is the full payload of get_data_dictionary.
type Dictionary struct {
	Fields             []FieldEntry `json:"fields"`
	FilterOperators    []string     `json:"filter_operators"`
	CorrelationMethods []string     `json:"correlation_methods"`
	EventTypes         []string     `json:"event_types"`
	AggregationTypes   []string     `json:"aggregation_types"`
	ReportTemplates    []string     `json:"report_templates"`
	AnomalyMethods     []string     `json:"anomaly_methods"`
}

// fieldDocs carries the prose for each user field. Fields present in
// the mapper but absent here still appear, undocumented.
var fieldDocs = map[string]struct {
	description string
	typ         string
	examples    []string
}{
	"source_ip":        {"Attacking host address", "ip", []string{"141.98.80.121"}},
	"destination_ip":   {"Targeted host address", "ip", []string{"10.0.0.5"}},
	"source_port":      {"Attacking host port", "integer", nil},
	"destination_port": {"Targeted service port", "integer", []string{"22", "445"}},
	"protocol":         {"Transport or application protocol", "keyword", []string{"tcp", "ssh"}},
	"event_type":       {"Normalized event classification", "keyword", []string{"attack", "scan", "auth_failure"}},
	"event_id":         {"Document identifier", "keyword", nil},
	"timestamp":        {"Event time, UTC", "date", nil},
	"severity":         {"Normalized severity", "keyword", []string{"low", "medium", "high", "critical"}},
	"category":         {"Event category", "keyword", nil},
	"country":          {"Attacker geolocation country", "keyword", []string{"LT", "CN"}},
	"asn":              {"Attacker autonomous system", "keyword", []string{"AS209605"}},
	"organization":     {"Attacker AS organization name", "keyword", nil},
	"reputation_score": {"Threat reputation 0-100", "float", nil},
	"user":             {"Attempted login username", "keyword", []string{"root", "admin"}},
	"session_id":       {"Honeypot session identifier", "keyword", nil},
	"url":              {"Requested URL", "keyword", nil},
	"user_agent":       {"Client user-agent string", "keyword", nil},
	"domain":           {"Contacted domain name", "keyword", nil},
	"ja3":              {"TLS client fingerprint", "keyword", nil},
	"payload":          {"Raw event payload or message", "text", nil},
	"attack_type":      {"Attack technique label", "keyword", nil},
}

// Build assembles the dictionary from the live mapper so the served
// fields never drift from what the query layer accepts.
func Build(mapper *fieldmap.Mapper, reportTemplates, anomalyMethods []string) *Dictionary {
	d := &Dictionary{
		FilterOperators:  []string{"eq", "neq", "gt", "gte", "lt", "lte", "in", "not_in", "contains", "exists", "missing"},
		AggregationTypes: []string{"terms", "date_histogram", "cardinality", "avg", "max", "min", "sum"},
		ReportTemplates:  reportTemplates,
		AnomalyMethods:   anomalyMethods,
	}
	for _, m := range models.AllCorrelationMethods() {
		d.CorrelationMethods = append(d.CorrelationMethods, string(m))
	}
	for _, t := range models.AllEventTypes() {
		d.EventTypes = append(d.EventTypes, string(t))
	}

	for _, name := range mapper.KnownFields() {
		paths, err := mapper.MapForQuery(name)
		if err != nil {
			continue
		}
		entry := FieldEntry{Name: name, Paths: paths, Type: "keyword"}
		if doc, ok := fieldDocs[name]; ok {
			entry.Description = doc.description
			entry.Type = doc.typ
			entry.Examples = doc.examples
		}
		d.Fields = append(d.Fields, entry)
	}
	return d
}
