package elastic

import (
	"fmt"
	"time"

	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/models"
)

// parseEvent reconstructs a SecurityEvent from one search hit using the
// field mapping's extraction precedence. Missing fields stay zero; a
// query-layer document is never rejected for sparse data.
func parseEvent(hit searchHit, mapper *fieldmap.Mapper) models.SecurityEvent {
	doc := hit.Source

	ev := models.SecurityEvent{
		ID:  hit.ID,
		Raw: doc,
	}
	if id := mapper.ExtractString(doc, "event_id"); id != "" {
		ev.ID = id
	}

	if ts := mapper.ExtractString(doc, "timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = parsed.UTC()
		}
	}

	ev.EventType = models.ParseEventType(mapper.ExtractString(doc, "event_type"))
	ev.Severity = models.ParseSeverity(mapper.ExtractString(doc, "severity"))
	ev.Category = models.ParseCategory(mapper.ExtractString(doc, "category"))

	ev.SourceIP = mapper.ExtractString(doc, "source_ip")
	ev.DestinationIP = mapper.ExtractString(doc, "destination_ip")
	ev.SourcePort = extractInt(mapper, doc, "source_port")
	ev.DestinationPort = extractInt(mapper, doc, "destination_port")
	ev.Protocol = mapper.ExtractString(doc, "protocol")
	ev.Country = mapper.ExtractString(doc, "country")
	ev.Organization = mapper.ExtractString(doc, "organization")

	switch asn := mapper.Extract(doc, "asn").(type) {
	case string:
		ev.ASN = asn
	case float64:
		ev.ASN = fmt.Sprintf("AS%d", int64(asn))
	}

	if rep, ok := mapper.Extract(doc, "reputation_score").(float64); ok {
		ev.ReputationScore = &rep
	}

	return ev
}

func extractInt(mapper *fieldmap.Mapper, doc map[string]interface{}, field string) int {
	switch v := mapper.Extract(doc, field).(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
