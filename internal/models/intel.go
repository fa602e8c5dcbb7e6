package models

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// IndicatorType classifies an observable handed to the threat-intel
// aggregator.
type IndicatorType string

const (
	IndicatorIPv4   IndicatorType = "ipv4"
	IndicatorIPv6   IndicatorType = "ipv6"
	IndicatorDomain IndicatorType = "domain"
	IndicatorURL    IndicatorType = "url"
	IndicatorHash   IndicatorType = "hash"
)

var (
	domainRe = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	hashRe   = regexp.MustCompile(`^[a-fA-F0-9]{32}$|^[a-fA-F0-9]{40}$|^[a-fA-F0-9]{64}$`)
)

// ClassifyIndicator determines the indicator type of a raw observable.
func ClassifyIndicator(raw string) (IndicatorType, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty indicator")
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		if addr.Is4() {
			return IndicatorIPv4, nil
		}
		return IndicatorIPv6, nil
	}
	if hashRe.MatchString(s) {
		return IndicatorHash, nil
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return IndicatorURL, nil
	}
	if domainRe.MatchString(s) {
		return IndicatorDomain, nil
	}
	return "", fmt.Errorf("unrecognized indicator %q", raw)
}

// SourceResult is the partial result one source contributes for an
// indicator before aggregation.
type SourceResult struct {
	Source      string                 `json:"source"`
	ThreatScore *float64               `json:"threat_score,omitempty"` // 0..100
	Confidence  float64                `json:"confidence"`             // 0..1, source-declared
	FirstSeen   *time.Time             `json:"first_seen,omitempty"`
	LastSeen    *time.Time             `json:"last_seen,omitempty"`
	Country     string                 `json:"country,omitempty"`
	ASN         string                 `json:"asn,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Raw         map[string]interface{} `json:"raw,omitempty"`
}

// ThreatIntelResult is the aggregated view of an indicator across sources.
type ThreatIntelResult struct {
	Indicator        string                  `json:"indicator"`
	IndicatorType    IndicatorType           `json:"indicator_type"`
	OverallScore     float64                 `json:"overall_threat_score"` // 0..100
	ConfidenceScore  float64                 `json:"confidence_score"`     // 0..1
	FirstSeen        *time.Time              `json:"first_seen,omitempty"`
	LastSeen         *time.Time              `json:"last_seen,omitempty"`
	Country          string                  `json:"country,omitempty"`
	ASN              string                  `json:"asn,omitempty"`
	Tags             []string                `json:"tags,omitempty"`
	SourceResults    map[string]SourceResult `json:"source_results,omitempty"`
	SourcesQueried   []string                `json:"sources_queried"`
	SourcesSucceeded []string                `json:"sources_succeeded"`
	SourcesFailed    []string                `json:"sources_failed,omitempty"`
}

// Validate enforces the aggregation invariants.
func (r *ThreatIntelResult) Validate() error {
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return fmt.Errorf("intel result %s: confidence %v out of range", r.Indicator, r.ConfidenceScore)
	}
	queried := make(map[string]bool, len(r.SourcesQueried))
	for _, s := range r.SourcesQueried {
		queried[s] = true
	}
	for _, s := range r.SourcesSucceeded {
		if !queried[s] {
			return fmt.Errorf("intel result %s: succeeded source %s was not queried", r.Indicator, s)
		}
	}
	if len(r.SourcesSucceeded)+len(r.SourcesFailed) != len(r.SourcesQueried) {
		return fmt.Errorf("intel result %s: %d succeeded + %d failed != %d queried",
			r.Indicator, len(r.SourcesSucceeded), len(r.SourcesFailed), len(r.SourcesQueried))
	}
	return nil
}

// DomainIntelResult is the aggregated view for a domain lookup. It shares
// the ThreatIntelResult shape plus resolved infrastructure.
type DomainIntelResult struct {
	ThreatIntelResult
	ResolvedIPs []string `json:"resolved_ips,omitempty"`
	Registrar   string   `json:"registrar,omitempty"`
}
