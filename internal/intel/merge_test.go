package intel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dshield-mcp-go/internal/models"
)

func scorePtr(v float64) *float64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestMerge_TrustWeightedScore(t *testing.T) {
	results := map[string]models.SourceResult{
		"dshield": {Source: "dshield", ThreatScore: scorePtr(80), Confidence: 0.9},
		"otx":     {Source: "otx", ThreatScore: scorePtr(40), Confidence: 0.5},
	}
	trust := map[string]float64{"dshield": 0.9, "otx": 0.3}

	out := merge("192.0.2.1", models.IndicatorIPv4, results, trust,
		[]string{"dshield", "otx"}, []string{"dshield", "otx"}, nil, 0.6)

	// (80*0.9 + 40*0.3) / 1.2
	assert.InDelta(t, 70, out.OverallScore, 1e-9)
	// 0.6*coverage(1.0) + 0.4*meanConf(0.7)
	assert.InDelta(t, 0.88, out.ConfidenceScore, 1e-9)
	require.NoError(t, out.Validate())
}

func TestMerge_MajorityVoteWithTrustTiebreak(t *testing.T) {
	results := map[string]models.SourceResult{
		"a": {Source: "a", Country: "CN", ASN: "AS4134"},
		"b": {Source: "b", Country: "CN", ASN: "AS4134"},
		"c": {Source: "c", Country: "US", ASN: "AS7922"},
	}
	trust := map[string]float64{"a": 0.5, "b": 0.5, "c": 0.9}

	out := merge("192.0.2.1", models.IndicatorIPv4, results, trust,
		[]string{"a", "b", "c"}, []string{"a", "b", "c"}, nil, 0.6)

	assert.Equal(t, "CN", out.Country, "majority wins over higher trust")
	assert.Equal(t, "AS4134", out.ASN)

	// With the vote tied, trust decides.
	tied := map[string]models.SourceResult{
		"low":  {Source: "low", Country: "US"},
		"high": {Source: "high", Country: "CN"},
	}
	out = merge("192.0.2.1", models.IndicatorIPv4, tied,
		map[string]float64{"low": 0.2, "high": 0.9},
		[]string{"high", "low"}, []string{"high", "low"}, nil, 0.6)
	assert.Equal(t, "CN", out.Country)
}

func TestMerge_SeenWindowAndTags(t *testing.T) {
	early := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	results := map[string]models.SourceResult{
		"a": {Source: "a", FirstSeen: timePtr(early.Add(48 * time.Hour)), LastSeen: timePtr(late), Tags: []string{"ssh", "scanner"}},
		"b": {Source: "b", FirstSeen: timePtr(early), LastSeen: timePtr(late.Add(-time.Hour)), Tags: []string{"scanner", "botnet"}},
	}

	out := merge("192.0.2.1", models.IndicatorIPv4, results, nil,
		[]string{"a", "b"}, []string{"a", "b"}, nil, 0.6)

	assert.Equal(t, early, *out.FirstSeen)
	assert.Equal(t, late, *out.LastSeen)
	assert.Equal(t, []string{"botnet", "scanner", "ssh"}, out.Tags)
}

func TestMerge_PartialFailureDegradesConfidence(t *testing.T) {
	results := map[string]models.SourceResult{
		"a": {Source: "a", ThreatScore: scorePtr(60), Confidence: 0.8},
	}

	full := merge("192.0.2.1", models.IndicatorIPv4, results, nil,
		[]string{"a"}, []string{"a"}, nil, 0.6)
	partial := merge("192.0.2.1", models.IndicatorIPv4, results, nil,
		[]string{"a", "b", "c"}, []string{"a"}, []string{"b", "c"}, 0.6)

	assert.Less(t, partial.ConfidenceScore, full.ConfidenceScore)
	require.NoError(t, partial.Validate())
}

func TestMerge_ConfidenceBounded(t *testing.T) {
	results := map[string]models.SourceResult{
		"a": {Source: "a", Confidence: 1.0},
	}
	out := merge("192.0.2.1", models.IndicatorIPv4, results, nil,
		[]string{"a"}, []string{"a"}, nil, 0.6)
	assert.LessOrEqual(t, out.ConfidenceScore, 1.0)
	assert.GreaterOrEqual(t, out.ConfidenceScore, 0.0)
}
