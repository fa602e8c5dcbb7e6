package fieldmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/mcperr"
)

func TestMapForQuery(t *testing.T) {
	m := New(zap.NewNop())

	paths, err := m.MapForQuery("source_ip")
	require.NoError(t, err)
	assert.Equal(t, []string{"source.ip", "source.address", "related.ip", "src_ip"}, paths,
		"candidate order is the extraction precedence")

	// The returned slice is a copy; mutating it must not poison the table.
	paths[0] = "clobbered"
	again, err := m.MapForQuery("source_ip")
	require.NoError(t, err)
	assert.Equal(t, "source.ip", again[0])
}

func TestMapForQuery_UnknownFieldSuggestions(t *testing.T) {
	m := New(zap.NewNop())

	_, err := m.MapForQuery("sourc_ip")
	require.Error(t, err)
	assert.True(t, mcperr.IsKind(err, mcperr.KindValidation))

	var te *mcperr.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "sourc_ip", te.Data["field"])
	assert.Contains(t, te.Data["suggestions"], "source_ip")
}

func TestSuggestions_NoneWithinDistance(t *testing.T) {
	m := New(zap.NewNop())
	assert.Empty(t, m.Suggestions("completely_unrelated_name"))
}

func TestExtract_Precedence(t *testing.T) {
	m := New(zap.NewNop())

	// Nested ECS shape wins over the legacy flat name.
	doc := map[string]interface{}{
		"source": map[string]interface{}{"ip": "203.0.113.5"},
		"src_ip": "198.51.100.9",
	}
	assert.Equal(t, "203.0.113.5", m.Extract(doc, "source_ip"))

	// When only the later candidate resolves, it is used.
	doc = map[string]interface{}{"src_ip": "198.51.100.9"}
	assert.Equal(t, "198.51.100.9", m.Extract(doc, "source_ip"))

	assert.Nil(t, m.Extract(map[string]interface{}{}, "source_ip"))
	assert.Nil(t, m.Extract(doc, "no_such_field"))
}

func TestExtract_RelatedIPArray(t *testing.T) {
	m := New(zap.NewNop())
	doc := map[string]interface{}{
		"related": map[string]interface{}{
			"ip": []interface{}{"203.0.113.5", "198.51.100.9"},
		},
	}
	assert.Equal(t, "203.0.113.5", m.Extract(doc, "source_ip"),
		"single-value extraction takes the first array element")
}

func TestExtractString(t *testing.T) {
	m := New(zap.NewNop())

	doc := map[string]interface{}{"source": map[string]interface{}{"ip": "203.0.113.5"}}
	assert.Equal(t, "203.0.113.5", m.ExtractString(doc, "source_ip"))

	doc = map[string]interface{}{"source": map[string]interface{}{"port": 443.0}}
	assert.Empty(t, m.ExtractString(doc, "source_port"), "non-string scalars are not coerced")
	assert.Empty(t, m.ExtractString(map[string]interface{}{}, "source_ip"))
}

func TestResolve_FlatDottedKeys(t *testing.T) {
	// Some index versions store flat dotted keys instead of nesting.
	doc := map[string]interface{}{"source.ip": "203.0.113.5"}
	assert.Equal(t, "203.0.113.5", Resolve(doc, "source.ip"))

	assert.Nil(t, Resolve(doc, "source.port"))
	assert.Nil(t, Resolve(map[string]interface{}{"source": "scalar"}, "source.ip"))
}

func TestResolve_EmptyArrayIsNil(t *testing.T) {
	doc := map[string]interface{}{"related": map[string]interface{}{"ip": []interface{}{}}}
	assert.Nil(t, Resolve(doc, "related.ip"))
}

func TestResolveAll(t *testing.T) {
	doc := map[string]interface{}{
		"related": map[string]interface{}{
			"ip": []interface{}{"203.0.113.5", "198.51.100.9"},
		},
		"source.ip": "192.0.2.1",
	}
	assert.Len(t, ResolveAll(doc, "related.ip"), 2)
	assert.Equal(t, []interface{}{"192.0.2.1"}, ResolveAll(doc, "source.ip"))
	assert.Nil(t, ResolveAll(doc, "destination.ip"))
}

func TestIsIPField(t *testing.T) {
	m := New(zap.NewNop())
	assert.True(t, m.IsIPField("source_ip"))
	assert.True(t, m.IsIPField("destination_ip"))
	assert.False(t, m.IsIPField("country"))
}

func TestIPCandidatePaths(t *testing.T) {
	m := New(zap.NewNop())
	paths := m.IPCandidatePaths()

	assert.Contains(t, paths, "source.ip")
	assert.Contains(t, paths, "destination.ip")
	assert.Contains(t, paths, "related.ip")

	// related.ip is a candidate of both IP fields; the union carries it
	// once.
	seen := make(map[string]int)
	for _, p := range paths {
		seen[p]++
	}
	assert.Equal(t, 1, seen["related.ip"])
}

func TestKnownFieldsSorted(t *testing.T) {
	m := New(zap.NewNop())
	fields := m.KnownFields()
	require.NotEmpty(t, fields)
	for i := 1; i < len(fields); i++ {
		assert.Less(t, fields[i-1], fields[i])
	}
}
