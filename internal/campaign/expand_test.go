package campaign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

func TestExpandIndicators(t *testing.T) {
	engine := testEngine(t, seededQuerier())

	rels, err := engine.ExpandIndicators(context.Background(), "141.98.80.121",
		[]models.RelationType{models.RelationSameSubnet}, 1, campaignWindow())
	require.NoError(t, err)
	require.NotEmpty(t, rels)
	assert.Equal(t, "141.98.80.121", rels[0].SourceIndicator)
	assert.Equal(t, "141.98.80.122", rels[0].RelatedIndicator)
	assert.Equal(t, models.RelationSameSubnet, rels[0].RelationType)
}

func TestExpandIndicators_RejectsNonIP(t *testing.T) {
	engine := testEngine(t, seededQuerier())

	_, err := engine.ExpandIndicators(context.Background(), "evil.example", nil, 1, campaignWindow())
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))

	_, err = engine.ExpandIndicators(context.Background(), "141.98.80.121",
		[]models.RelationType{"astral_projection"}, 1, campaignWindow())
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))
}

func TestExpandIndicators_NoSeedEvents(t *testing.T) {
	engine := testEngine(t, newFakeQuerier())

	_, err := engine.ExpandIndicators(context.Background(), "198.51.100.9", nil, 1, campaignWindow())
	assert.Equal(t, mcperr.KindResourceNotFound, mcperr.KindOf(err))
}
