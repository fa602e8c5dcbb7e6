// Package models holds the canonical data model shared by the query layer,
// the campaign engine, and the threat-intel aggregator. All enumerations
// are closed; parse helpers normalize free-form SIEM values onto them.
package models

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Severity classifies event impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a member of the closed set.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity normalizes a raw SIEM severity value. Unknown values map
// to low rather than failing: severity is advisory, not structural.
func ParseSeverity(raw string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s
	}
	return SeverityLow
}

// Category classifies the event domain.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryMalware        Category = "malware"
	CategoryIntrusion      Category = "intrusion"
	CategoryReconnaissance Category = "reconnaissance"
	CategoryOther          Category = "other"
)

// Valid reports whether c is a member of the closed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryNetwork, CategoryAuthentication, CategoryMalware,
		CategoryIntrusion, CategoryReconnaissance, CategoryOther:
		return true
	}
	return false
}

// ParseCategory normalizes a raw category. Unknown values map to other.
func ParseCategory(raw string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if c.Valid() {
		return c
	}
	return CategoryOther
}

// EventType classifies what the honeypot observed.
type EventType string

const (
	EventTypeAttack      EventType = "attack"
	EventTypeScan        EventType = "scan"
	EventTypeAuthFailure EventType = "auth_failure"
	EventTypeMalware     EventType = "malware"
	EventTypeConnection  EventType = "connection"
	EventTypeExploit     EventType = "exploit"
	EventTypeOther       EventType = "other"
)

// Valid reports whether t is a member of the closed set.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeAttack, EventTypeScan, EventTypeAuthFailure,
		EventTypeMalware, EventTypeConnection, EventTypeExploit, EventTypeOther:
		return true
	}
	return false
}

// AllEventTypes enumerates the closed set.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeAttack, EventTypeScan, EventTypeAuthFailure,
		EventTypeMalware, EventTypeConnection, EventTypeExploit, EventTypeOther,
	}
}

// ParseEventType normalizes a raw event type. Unknown values map to other.
func ParseEventType(raw string) EventType {
	t := EventType(strings.ToLower(strings.TrimSpace(raw)))
	if t.Valid() {
		return t
	}
	return EventTypeOther
}

// SecurityEvent is the canonical normalized record parsed from a SIEM
// document. Immutable after construction; Raw keeps the source document
// for fields the mapping does not cover.
type SecurityEvent struct {
	ID              string                 `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	EventType       EventType              `json:"event_type"`
	Severity        Severity               `json:"severity"`
	Category        Category               `json:"category"`
	SourceIP        string                 `json:"source_ip,omitempty"`
	DestinationIP   string                 `json:"destination_ip,omitempty"`
	SourcePort      int                    `json:"source_port,omitempty"`
	DestinationPort int                    `json:"destination_port,omitempty"`
	Protocol        string                 `json:"protocol,omitempty"`
	Country         string                 `json:"country,omitempty"`
	ASN             string                 `json:"asn,omitempty"`
	Organization    string                 `json:"organization,omitempty"`
	ReputationScore *float64               `json:"reputation_score,omitempty"`
	Raw             map[string]interface{} `json:"raw,omitempty"`
}

// Validate enforces the structural invariants: id and timestamp are
// required, IPs must parse when present, ports must be in range.
func (e *SecurityEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("security event missing id")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("security event %s missing timestamp", e.ID)
	}
	for name, ip := range map[string]string{"source_ip": e.SourceIP, "destination_ip": e.DestinationIP} {
		if ip == "" {
			continue
		}
		if _, err := netip.ParseAddr(ip); err != nil {
			return fmt.Errorf("security event %s: invalid %s %q", e.ID, name, ip)
		}
	}
	for name, port := range map[string]int{"source_port": e.SourcePort, "destination_port": e.DestinationPort} {
		if port == 0 {
			continue
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("security event %s: %s %d out of range", e.ID, name, port)
		}
	}
	if e.ReputationScore != nil && (*e.ReputationScore < 0 || *e.ReputationScore > 100) {
		return fmt.Errorf("security event %s: reputation score %v out of range", e.ID, *e.ReputationScore)
	}
	return nil
}

// ValidIP reports whether raw parses as IPv4 or IPv6.
func ValidIP(raw string) bool {
	_, err := netip.ParseAddr(raw)
	return err == nil
}
