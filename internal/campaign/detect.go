package campaign

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/models"
)

// OngoingCampaign is the lightweight summary produced by detection.
// A full analysis of a summary's indicators yields the real campaign.
type OngoingCampaign struct {
	CampaignID    string                 `json:"campaign_id"`
	Indicators    []string               `json:"indicators"`
	EventCount    int                    `json:"event_count"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       time.Time              `json:"end_time"`
	Confidence    models.ConfidenceLevel `json:"confidence"`
	AttackVectors []string               `json:"attack_vectors,omitempty"`
}

// DetectOngoing scans the trailing window for coordinated activity:
// attackers from the same subnet active close together in time. It is a
// cheap triage pass, one query and an in-memory clustering.
func (e *Engine) DetectOngoing(ctx context.Context, window time.Duration, minEvents int) ([]OngoingCampaign, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if minEvents <= 0 {
		minEvents = 10
	}

	end := e.now().UTC()
	tr := elastic.TimeRange{Start: end.Add(-window), End: end}
	result, err := e.query.QueryEvents(ctx, elastic.QueryRequest{
		TimeRange:    tr,
		PageSize:     1000,
		Sort:         elastic.Sort{Field: "@timestamp", Order: elastic.SortDesc},
		Optimization: elastic.OptimizationAuto,
	})
	if err != nil {
		return nil, err
	}

	// Union attackers by subnet; events sharing a component form one
	// candidate campaign.
	uf := newUnionFind()
	subnetRep := make(map[string]string)
	for _, ev := range result.Events {
		if ev.SourceIP == "" {
			continue
		}
		subnet := subnetOf(ev.SourceIP, e.cfg.SubnetMaskBits)
		if subnet == "" {
			continue
		}
		uf.add(ev.SourceIP)
		if rep, ok := subnetRep[subnet]; ok {
			uf.union(rep, ev.SourceIP)
		} else {
			subnetRep[subnet] = ev.SourceIP
		}
	}

	type component struct {
		ips     map[string]bool
		vectors map[string]bool
		count   int
		start   time.Time
		end     time.Time
	}
	components := make(map[string]*component)
	for _, ev := range result.Events {
		if ev.SourceIP == "" {
			continue
		}
		root, ok := uf.find(ev.SourceIP)
		if !ok {
			continue
		}
		c := components[root]
		if c == nil {
			c = &component{ips: make(map[string]bool), vectors: make(map[string]bool)}
			components[root] = c
		}
		c.ips[ev.SourceIP] = true
		c.count++
		if ev.EventType != "" {
			c.vectors[string(ev.EventType)] = true
		}
		if c.start.IsZero() || ev.Timestamp.Before(c.start) {
			c.start = ev.Timestamp
		}
		if ev.Timestamp.After(c.end) {
			c.end = ev.Timestamp
		}
	}

	var out []OngoingCampaign
	for _, c := range components {
		if c.count < minEvents || len(c.ips) < 2 {
			continue
		}
		indicators := sortedKeys(c.ips)
		score := detectionScore(len(c.ips), c.count)
		out = append(out, OngoingCampaign{
			CampaignID:    CampaignID(indicators, elastic.TimeRange{Start: c.start, End: c.end}),
			Indicators:    indicators,
			EventCount:    c.count,
			StartTime:     c.start,
			EndTime:       c.end,
			Confidence:    models.ConfidenceFromScore(score),
			AttackVectors: sortedKeys(c.vectors),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventCount != out[j].EventCount {
			return out[i].EventCount > out[j].EventCount
		}
		return out[i].CampaignID < out[j].CampaignID
	})

	e.logger.Debug("ongoing campaign detection finished",
		zap.Int("events_scanned", len(result.Events)),
		zap.Int("candidates", len(out)),
	)
	return out, nil
}

// detectionScore grows with attacker spread and volume, saturating
// below the critical band; triage never claims certainty.
func detectionScore(ips, events int) float64 {
	score := 0.3 + 0.05*float64(ips) + float64(events)/1000
	if score > 0.85 {
		score = 0.85
	}
	return score
}

// unionFind over interned string keys.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(key string) {
	if _, ok := u.parent[key]; !ok {
		u.parent[key] = key
	}
}

func (u *unionFind) find(key string) (string, bool) {
	p, ok := u.parent[key]
	if !ok {
		return "", false
	}
	if p == key {
		return key, true
	}
	root, _ := u.find(p)
	u.parent[key] = root
	return root, true
}

func (u *unionFind) union(a, b string) {
	u.add(a)
	u.add(b)
	ra, _ := u.find(a)
	rb, _ := u.find(b)
	if ra != rb {
		// Deterministic root choice keeps component ids stable.
		if ra < rb {
			u.parent[rb] = ra
		} else {
			u.parent[ra] = rb
		}
	}
}
