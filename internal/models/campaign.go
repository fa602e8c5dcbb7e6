package models

import (
	"fmt"
	"time"
)

// CorrelationMethod names one correlation strategy of the campaign engine.
type CorrelationMethod string

const (
	MethodIPExact              CorrelationMethod = "ip_exact"
	MethodIPSubnet             CorrelationMethod = "ip_subnet"
	MethodIPASN                CorrelationMethod = "ip_asn"
	MethodSharedInfrastructure CorrelationMethod = "shared_infrastructure"
	MethodBehavioralMatch      CorrelationMethod = "behavioral_match"
	MethodTemporalCluster      CorrelationMethod = "temporal_cluster"
	MethodGeospatial           CorrelationMethod = "geospatial"
)

// Valid reports whether m is a member of the closed set.
func (m CorrelationMethod) Valid() bool {
	switch m {
	case MethodIPExact, MethodIPSubnet, MethodIPASN, MethodSharedInfrastructure,
		MethodBehavioralMatch, MethodTemporalCluster, MethodGeospatial:
		return true
	}
	return false
}

// DefaultCorrelationMethods is the method set used when a caller does not
// choose explicitly.
func DefaultCorrelationMethods() []CorrelationMethod {
	return []CorrelationMethod{MethodIPExact, MethodIPSubnet, MethodTemporalCluster}
}

// AllCorrelationMethods enumerates the closed set.
func AllCorrelationMethods() []CorrelationMethod {
	return []CorrelationMethod{
		MethodIPExact, MethodIPSubnet, MethodIPASN, MethodSharedInfrastructure,
		MethodBehavioralMatch, MethodTemporalCluster, MethodGeospatial,
	}
}

// EventRole records how an event entered a campaign.
type EventRole string

const (
	RoleSeed       EventRole = "seed"
	RoleCorrelated EventRole = "correlated"
	RoleExpanded   EventRole = "expanded"
)

// CampaignEvent is a SecurityEvent enriched with correlation metadata.
// Derived data; its lifetime is bounded by the campaign analysis.
type CampaignEvent struct {
	SecurityEvent
	Confidence         float64   `json:"confidence"`
	TimeProximityScore float64   `json:"time_proximity_score,omitempty"`
	Role               EventRole `json:"role"`
}

// ConfidenceLevel is the coarse campaign confidence enum derived from the
// numeric score.
type ConfidenceLevel string

const (
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceCritical ConfidenceLevel = "critical"
)

// ConfidenceFromScore applies the fixed threshold table.
func ConfidenceFromScore(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return ConfidenceCritical
	case score >= 0.75:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// AtLeast reports whether c is at or above the given level.
func (c ConfidenceLevel) AtLeast(other ConfidenceLevel) bool {
	return c.rank() >= other.rank()
}

func (c ConfidenceLevel) rank() int {
	switch c {
	case ConfidenceCritical:
		return 3
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Campaign is the aggregate produced by a campaign analysis.
type Campaign struct {
	CampaignID             string              `json:"campaign_id"`
	Confidence             ConfidenceLevel     `json:"confidence"`
	ConfidenceScore        float64             `json:"confidence_score"`
	StartTime              time.Time           `json:"start_time"`
	EndTime                time.Time           `json:"end_time"`
	SeedIndicators         []string            `json:"seed_indicators"`
	RelatedIndicators      []string            `json:"related_indicators"`
	Events                 []CampaignEvent     `json:"events"`
	CorrelationMethodsUsed []CorrelationMethod `json:"correlation_methods_used"`
	AttackVectors          []string            `json:"attack_vectors,omitempty"`
	SuspectedActor         string              `json:"suspected_actor,omitempty"`
	SophisticationScore    float64             `json:"sophistication_score"`
}

// Validate enforces the campaign invariants: ordered window, events inside
// the window, at least one seed indicator.
func (c *Campaign) Validate() error {
	if len(c.SeedIndicators) == 0 {
		return fmt.Errorf("campaign %s has no seed indicators", c.CampaignID)
	}
	if c.EndTime.Before(c.StartTime) {
		return fmt.Errorf("campaign %s window inverted: %s > %s", c.CampaignID, c.StartTime, c.EndTime)
	}
	const epsilon = time.Minute
	for i := range c.Events {
		ts := c.Events[i].Timestamp
		if ts.Before(c.StartTime.Add(-epsilon)) || ts.After(c.EndTime.Add(epsilon)) {
			return fmt.Errorf("campaign %s event %s outside window", c.CampaignID, c.Events[i].ID)
		}
	}
	return nil
}

// RelationType names the edge type in the indicator relationship graph.
type RelationType string

const (
	RelationSameSubnet           RelationType = "same_subnet"
	RelationSameASN              RelationType = "same_asn"
	RelationSharedInfrastructure RelationType = "shared_infrastructure"
	RelationTemporalCluster      RelationType = "temporal_cluster"
	RelationBehavioralMatch      RelationType = "behavioral_match"
)

// Valid reports whether r is a member of the closed set.
func (r RelationType) Valid() bool {
	switch r {
	case RelationSameSubnet, RelationSameASN, RelationSharedInfrastructure,
		RelationTemporalCluster, RelationBehavioralMatch:
		return true
	}
	return false
}

// IndicatorRelationship is a directed edge in the correlation graph.
type IndicatorRelationship struct {
	SourceIndicator  string       `json:"source_indicator"`
	RelatedIndicator string       `json:"related_indicator"`
	RelationType     RelationType `json:"relation_type"`
	Confidence       float64      `json:"confidence"`
	EvidenceEventIDs []string     `json:"evidence_event_ids,omitempty"`
}

// TimelineBucket is one granule of a campaign timeline.
type TimelineBucket struct {
	Start          time.Time        `json:"start"`
	EventCount     int              `json:"event_count"`
	TopEventTypes  []EventTypeCount `json:"top_event_types,omitempty"`
	SampleEventIDs []string         `json:"sample_event_ids,omitempty"`
}

// EventTypeCount pairs an event type with its bucket count.
type EventTypeCount struct {
	EventType EventType `json:"event_type"`
	Count     int       `json:"count"`
}
