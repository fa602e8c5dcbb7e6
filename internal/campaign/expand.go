package campaign

import (
	"context"

	"dshield-mcp-go/internal/elastic"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// ExpandIndicators pivots from one indicator through the relationship
// graph: it gathers the indicator's events plus its subnet and ASN
// neighborhoods, builds the graph, and walks it breadth-first.
func (e *Engine) ExpandIndicators(
	ctx context.Context,
	indicator string,
	relations []models.RelationType,
	maxDepth int,
	tr elastic.TimeRange,
) ([]models.IndicatorRelationship, error) {
	typ, err := models.ClassifyIndicator(indicator)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindValidation, err, "invalid indicator")
	}
	if typ != models.IndicatorIPv4 && typ != models.IndicatorIPv6 {
		return nil, mcperr.New(mcperr.KindValidation, "indicator expansion requires an IP address, got %s", typ)
	}
	for _, r := range relations {
		if !r.Valid() {
			return nil, mcperr.New(mcperr.KindValidation, "unknown relation type %q", r)
		}
	}

	set := newWorkingSet()
	if err := e.retrieveSeeds(ctx, []string{indicator}, tr, set); err != nil {
		return nil, err
	}
	if err := e.expandSubnets(ctx, []string{indicator}, tr, set); err != nil {
		e.logger.Warn("subnet neighborhood query failed during expansion")
	}
	if err := e.expandASNs(ctx, tr, set); err != nil {
		e.logger.Warn("asn neighborhood query failed during expansion")
	}

	events := make([]models.CampaignEvent, 0, len(set.events))
	for _, ev := range set.events {
		events = append(events, *ev)
	}

	graph := BuildGraph(events, e.cfg.SubnetMaskBits)
	return graph.Expand(indicator, relations, maxDepth, e.cfg.ExpansionFanout), nil
}
