package campaign

import (
	"math"
	"time"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/models"
)

// sophisticationScore rates a campaign 0..1 from observable traits:
// breadth of attack vectors, infrastructure spread, duration and the
// diversity of correlation evidence. A single-vector burst from one
// host scores low; a long multi-vector campaign across subnets scores
// high.
func sophisticationScore(c *models.Campaign, cfg config.CampaignConfig) float64 {
	score := 0.0

	// Vector breadth, up to 0.3.
	score += math.Min(float64(len(c.AttackVectors))*0.1, 0.3)

	// Infrastructure spread, up to 0.25.
	score += math.Min(float64(len(c.RelatedIndicators))*0.025, 0.25)

	// Duration: campaigns sustained past the temporal window suggest
	// planning. Up to 0.2.
	if window := cfg.TemporalWindow; window > 0 {
		duration := c.EndTime.Sub(c.StartTime)
		score += math.Min(float64(duration)/float64(window)*0.05, 0.2)
	} else if c.EndTime.Sub(c.StartTime) > time.Hour {
		score += 0.1
	}

	// Evidence diversity: each correlation method that contributed, up
	// to 0.15.
	score += math.Min(float64(len(c.CorrelationMethodsUsed))*0.03, 0.15)

	// Volume, up to 0.1.
	score += math.Min(float64(len(c.Events))/5000, 0.1)

	return math.Min(score, 1)
}
