package elastic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/mcperr"
)

func testQueryLayer(t *testing.T, s searcher) *QueryLayer {
	t.Helper()
	cfg := config.DefaultConfig().Elasticsearch
	return newQueryLayer(s, fieldmap.New(zap.NewNop()), cfg, zap.NewNop())
}

func testRange() TimeRange {
	end := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return TimeRange{Start: end.Add(-24 * time.Hour), End: end}
}

func TestBuildFilterClause_ScalarUsesTerm(t *testing.T) {
	q := testQueryLayer(t, nil)

	clause, err := q.buildFilterClause(Filter{Field: "source_ip", Operator: OpEq, Value: "192.0.2.1"})
	require.NoError(t, err)

	should := clause["bool"].(map[string]interface{})["should"].([]map[string]interface{})
	require.NotEmpty(t, should)
	for _, c := range should {
		_, hasTerm := c["term"]
		_, hasTerms := c["terms"]
		assert.True(t, hasTerm, "scalar value must render as term")
		assert.False(t, hasTerms)
	}
}

func TestBuildFilterClause_ListUsesTerms(t *testing.T) {
	q := testQueryLayer(t, nil)

	clause, err := q.buildFilterClause(Filter{
		Field:    "source_ip",
		Operator: OpEq,
		Value:    []interface{}{"192.0.2.1", "192.0.2.2"},
	})
	require.NoError(t, err)

	should := clause["bool"].(map[string]interface{})["should"].([]map[string]interface{})
	require.NotEmpty(t, should)
	for _, c := range should {
		_, hasTerms := c["terms"]
		assert.True(t, hasTerms, "list value must render as terms")
	}
}

func TestBuildFilterClause_TermNeverCarriesList(t *testing.T) {
	q := testQueryLayer(t, nil)
	fields := q.mapper.KnownFields()

	rapid.Check(t, func(t *rapid.T) {
		field := rapid.SampledFrom(fields).Draw(t, "field")
		var value interface{}
		if rapid.Bool().Draw(t, "list") {
			value = rapid.SliceOfN(rapid.String(), 1, 5).Draw(t, "values")
		} else {
			value = rapid.String().Draw(t, "value")
		}

		clause, err := q.buildFilterClause(Filter{Field: field, Operator: OpIn, Value: value})
		require.NoError(t, err)

		should := clause["bool"].(map[string]interface{})["should"].([]map[string]interface{})
		for _, c := range should {
			if term, ok := c["term"]; ok {
				for _, v := range term.(map[string]interface{}) {
					_, isList := v.([]interface{})
					assert.False(t, isList, "term clause carrying a list")
				}
			}
		}
	})
}

func TestBuildFilterClause_PinnedPathBypassesCandidates(t *testing.T) {
	q := testQueryLayer(t, nil)

	clause, err := q.buildFilterClause(Filter{Path: "source.ip", Operator: OpEq, Value: "192.0.2.1"})
	require.NoError(t, err)

	// A pinned path renders a bare term clause with no candidate
	// disjunction around it.
	_, hasBool := clause["bool"]
	assert.False(t, hasBool)
	term, ok := clause["term"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", term["source.ip"])
}

func TestBuildFilterClause_NegationWrapsAllCandidates(t *testing.T) {
	q := testQueryLayer(t, nil)

	clause, err := q.buildFilterClause(Filter{Field: "protocol", Operator: OpNeq, Value: "tcp"})
	require.NoError(t, err)

	mustNot, ok := clause["bool"].(map[string]interface{})["must_not"]
	require.True(t, ok, "neq must render as must_not over the candidate disjunction")
	assert.Len(t, mustNot, 1)
}

func TestBuildFilterClause_UnknownField(t *testing.T) {
	q := testQueryLayer(t, nil)

	_, err := q.buildFilterClause(Filter{Field: "sorce_ip", Operator: OpEq, Value: "x"})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))

	var terr *mcperr.Error
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Data["suggestions"], "source_ip")
}

func TestBuildFilterClause_InvalidOperator(t *testing.T) {
	q := testQueryLayer(t, nil)

	_, err := q.buildFilterClause(Filter{Field: "source_ip", Operator: "like", Value: "x"})
	require.Error(t, err)
	assert.Equal(t, mcperr.KindValidation, mcperr.KindOf(err))
}

func TestProjectFields_IncludesReconstructionSet(t *testing.T) {
	mapper := fieldmap.New(zap.NewNop())

	projected := projectFields([]string{"protocol"}, mapper)
	for _, want := range reconstructionFields {
		assert.Contains(t, projected, want)
	}
	assert.Contains(t, projected, "network.transport")
}

func TestFingerprint_OrderInsensitive(t *testing.T) {
	tr := testRange()
	a := []Filter{
		{Field: "source_ip", Operator: OpEq, Value: "192.0.2.1"},
		{Field: "protocol", Operator: OpEq, Value: "tcp"},
	}
	b := []Filter{a[1], a[0]}

	assert.Equal(t,
		Fingerprint(tr, a, []string{"source_ip", "protocol"}, DefaultSort()),
		Fingerprint(tr, b, []string{"protocol", "source_ip"}, DefaultSort()),
	)
}

func TestFingerprint_SensitiveToParameters(t *testing.T) {
	tr := testRange()
	base := Fingerprint(tr, nil, nil, DefaultSort())

	assert.NotEqual(t, base, Fingerprint(tr, []Filter{{Field: "protocol", Operator: OpEq, Value: "udp"}}, nil, DefaultSort()))
	assert.NotEqual(t, base, Fingerprint(TimeRange{Start: tr.Start, End: tr.End.Add(time.Hour)}, nil, nil, DefaultSort()))
	assert.NotEqual(t, base, Fingerprint(tr, nil, nil, Sort{Field: "@timestamp", Order: SortAsc}))
}

func TestSortSpec_AppendsTiebreaker(t *testing.T) {
	spec := sortSpec(Sort{Field: "@timestamp", Order: SortDesc})
	require.Len(t, spec, 2)

	tiebreak := spec[1].(map[string]interface{})
	id, ok := tiebreak["_id"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "asc", id["order"])
}
