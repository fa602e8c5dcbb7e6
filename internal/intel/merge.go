package intel

import (
	"sort"
	"time"

	"dshield-mcp-go/internal/models"
)

// merge folds per-source partial results into the aggregate view.
// Numeric scores are trust-weighted, categorical fields are decided by
// majority vote with trust as the tiebreak, and the confidence score
// blends source coverage with the sources' own confidence.
func merge(
	indicator string,
	typ models.IndicatorType,
	results map[string]models.SourceResult,
	trust map[string]float64,
	queried, succeeded, failed []string,
	coverageWeight float64,
) *models.ThreatIntelResult {
	out := &models.ThreatIntelResult{
		Indicator:        indicator,
		IndicatorType:    typ,
		SourceResults:    results,
		SourcesQueried:   queried,
		SourcesSucceeded: succeeded,
		SourcesFailed:    failed,
	}

	var scoreSum, trustSum float64
	var confSum float64
	confCount := 0
	countryVotes := make(map[string]float64)
	asnVotes := make(map[string]float64)
	tagSet := make(map[string]bool)

	for name, r := range results {
		w := trust[name]
		if w <= 0 {
			w = 0.5
		}
		if r.ThreatScore != nil {
			scoreSum += *r.ThreatScore * w
			trustSum += w
		}
		confSum += r.Confidence
		confCount++
		if r.Country != "" {
			countryVotes[r.Country] += 1 + w/100
		}
		if r.ASN != "" {
			asnVotes[r.ASN] += 1 + w/100
		}
		if r.FirstSeen != nil && (out.FirstSeen == nil || r.FirstSeen.Before(*out.FirstSeen)) {
			out.FirstSeen = copyTime(r.FirstSeen)
		}
		if r.LastSeen != nil && (out.LastSeen == nil || r.LastSeen.After(*out.LastSeen)) {
			out.LastSeen = copyTime(r.LastSeen)
		}
		for _, tag := range r.Tags {
			tagSet[tag] = true
		}
	}

	if trustSum > 0 {
		out.OverallScore = scoreSum / trustSum
	}
	out.Country = topVote(countryVotes)
	out.ASN = topVote(asnVotes)
	for tag := range tagSet {
		out.Tags = append(out.Tags, tag)
	}
	sort.Strings(out.Tags)

	coverage := 0.0
	if len(queried) > 0 {
		coverage = float64(len(succeeded)) / float64(len(queried))
	}
	meanConf := 0.0
	if confCount > 0 {
		meanConf = confSum / float64(confCount)
	}
	out.ConfidenceScore = coverageWeight*coverage + (1-coverageWeight)*meanConf
	if out.ConfidenceScore > 1 {
		out.ConfidenceScore = 1
	}
	return out
}

// topVote picks the highest-weighted value, breaking ties by name so the
// choice is deterministic.
func topVote(votes map[string]float64) string {
	best := ""
	bestWeight := 0.0
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if votes[k] > bestWeight {
			best = k
			bestWeight = votes[k]
		}
	}
	return best
}

func copyTime(t *time.Time) *time.Time {
	c := *t
	return &c
}
