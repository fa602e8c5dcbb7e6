// Package intel aggregates threat intelligence across external sources:
// per-source rate limits and breakers, bounded fan-out, a two-tier
// cache, and confidence-weighted merging of the partial results.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

const (
	userAgent       = "dshield-mcp/1.0"
	maxResponseSize = 1 << 20
)

// Source is one threat-intel backend. Lookup returns the source's
// partial view of an indicator; a source that knows nothing returns an
// empty result with zero confidence, not an error.
type Source interface {
	Name() string
	Trust() float64
	CacheTTL() time.Duration
	Lookup(ctx context.Context, indicator string, typ models.IndicatorType) (*models.SourceResult, error)
}

// parseFunc turns a raw source response into a SourceResult.
type parseFunc func(source string, body []byte) (*models.SourceResult, error)

// restSource is an HTTP JSON source.
type restSource struct {
	name   string
	base   string
	apiKey string
	trust  float64
	ttl    time.Duration
	client *http.Client
	parse  parseFunc
	path   func(base, indicator string) string
}

// NewSource builds a source from configuration. The DShield API gets
// its dedicated parser; anything else uses the generic field mapping.
func NewSource(cfg config.SourceConfig, secrets config.SecretsProvider) (Source, error) {
	apiKey := ""
	if cfg.APIKeyRef != "" {
		resolved, err := secrets.Resolve(cfg.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve api key for source %s: %w", cfg.Name, err)
		}
		apiKey = resolved
	}

	s := &restSource{
		name:   cfg.Name,
		base:   strings.TrimRight(cfg.URL, "/"),
		apiKey: apiKey,
		trust:  cfg.Trust,
		ttl:    cfg.CacheTTL,
		client: &http.Client{Timeout: 30 * time.Second},
		parse:  parseGeneric,
		path: func(base, indicator string) string {
			return base + "/" + url.PathEscape(indicator)
		},
	}
	if strings.EqualFold(cfg.Name, "dshield") {
		s.parse = parseDShield
		s.path = func(base, indicator string) string {
			return base + "/ip/" + url.PathEscape(indicator) + "?json"
		}
	}
	return s, nil
}

func (s *restSource) Name() string            { return s.name }
func (s *restSource) Trust() float64          { return s.trust }
func (s *restSource) CacheTTL() time.Duration { return s.ttl }

func (s *restSource) Lookup(ctx context.Context, indicator string, _ models.IndicatorType) (*models.SourceResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.path(s.base, indicator), nil)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "failed to build request for %s", s.name)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindExternalService, err, "%s lookup failed", s.name).WithService(s.name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, mcperr.New(mcperr.KindRateLimited, "%s rejected the request", s.name).WithService(s.name)
	case resp.StatusCode == http.StatusNotFound:
		// Unknown indicator: a valid answer, not a failure.
		return &models.SourceResult{Source: s.name}, nil
	case resp.StatusCode >= 400:
		return nil, mcperr.New(mcperr.KindExternalService, "%s returned %d", s.name, resp.StatusCode).WithService(s.name)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindExternalService, err, "failed to read %s response", s.name).WithService(s.name)
	}
	return s.parse(s.name, body)
}

// dshieldResponse is the shape of the SANS ISC /api/ip endpoint.
type dshieldResponse struct {
	IP struct {
		Number      string          `json:"number"`
		Count       json.RawMessage `json:"count"`
		Attacks     json.RawMessage `json:"attacks"`
		MinDate     string          `json:"mindate"`
		MaxDate     string          `json:"maxdate"`
		ASCountry   string          `json:"ascountry"`
		ASN         json.RawMessage `json:"as"`
		ASName      string          `json:"asname"`
		ThreatFeeds map[string]json.RawMessage `json:"threatfeeds"`
	} `json:"ip"`
}

func parseDShield(source string, body []byte) (*models.SourceResult, error) {
	var parsed dshieldResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, mcperr.Wrap(mcperr.KindExternalService, err, "failed to decode %s response", source).WithService(source)
	}

	result := &models.SourceResult{Source: source}
	result.Country = parsed.IP.ASCountry
	if asn := rawToString(parsed.IP.ASN); asn != "" {
		result.ASN = "AS" + asn
	}

	attacks := rawToInt(parsed.IP.Attacks)
	reports := rawToInt(parsed.IP.Count)
	if attacks > 0 || reports > 0 {
		// Attack-target breadth drives the score; report volume softens it.
		score := float64(attacks) * 2
		if score > 100 {
			score = 100
		}
		result.ThreatScore = &score
		result.Confidence = 0.9
	}

	if t := parseDShieldDate(parsed.IP.MinDate); t != nil {
		result.FirstSeen = t
	}
	if t := parseDShieldDate(parsed.IP.MaxDate); t != nil {
		result.LastSeen = t
	}
	for feed := range parsed.IP.ThreatFeeds {
		result.Tags = append(result.Tags, feed)
	}
	return result, nil
}

func parseDShieldDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// rawToString tolerates the API's habit of switching between string and
// number for the same field.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return strconv.FormatInt(int64(n), 10)
	}
	return ""
}

func rawToInt(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return int(n)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}

// parseGeneric maps the common field names third-party reputation APIs
// use onto a SourceResult.
func parseGeneric(source string, body []byte) (*models.SourceResult, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, mcperr.Wrap(mcperr.KindExternalService, err, "failed to decode %s response", source).WithService(source)
	}

	result := &models.SourceResult{Source: source, Raw: doc}
	for _, key := range []string{"threat_score", "score", "abuse_confidence_score", "reputation"} {
		if v, ok := doc[key].(float64); ok {
			score := v
			result.ThreatScore = &score
			break
		}
	}
	if v, ok := doc["confidence"].(float64); ok {
		result.Confidence = v
	} else if result.ThreatScore != nil {
		result.Confidence = 0.5
	}
	if v, ok := doc["country"].(string); ok {
		result.Country = v
	}
	if v, ok := doc["asn"].(string); ok {
		result.ASN = v
	}
	for _, key := range []string{"first_seen", "firstSeen"} {
		if v, ok := doc[key].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				t = t.UTC()
				result.FirstSeen = &t
			}
		}
	}
	for _, key := range []string{"last_seen", "lastSeen"} {
		if v, ok := doc[key].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				t = t.UTC()
				result.LastSeen = &t
			}
		}
	}
	if tags, ok := doc["tags"].([]interface{}); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				result.Tags = append(result.Tags, s)
			}
		}
	}
	return result, nil
}
