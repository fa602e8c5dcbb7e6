package intel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

const dshieldFixture = `{
  "ip": {
    "number": "141.98.80.121",
    "count": 14276,
    "attacks": 45,
    "mindate": "2026-01-15",
    "maxdate": "2026-08-20",
    "ascountry": "LT",
    "as": 209605,
    "asname": "UAB Host Baltic",
    "threatfeeds": {
      "blocklistde22": {"lastseen": "2026-08-19"},
      "ciarmy": {"lastseen": "2026-08-20"}
    }
  }
}`

func dshieldTestSource(t *testing.T, handler http.HandlerFunc) Source {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	src, err := NewSource(config.SourceConfig{
		Name:     "dshield",
		URL:      server.URL,
		Trust:    0.9,
		CacheTTL: time.Minute,
		Enabled:  true,
	}, config.EnvSecrets{})
	require.NoError(t, err)
	return src
}

func TestDShieldSource_Lookup(t *testing.T) {
	var gotPath string
	src := dshieldTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(dshieldFixture))
	})

	result, err := src.Lookup(context.Background(), "141.98.80.121", models.IndicatorIPv4)
	require.NoError(t, err)

	assert.Equal(t, "/ip/141.98.80.121", gotPath)
	require.NotNil(t, result.ThreatScore)
	assert.InDelta(t, 90, *result.ThreatScore, 1e-9) // 45 attacks * 2
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, "LT", result.Country)
	assert.Equal(t, "AS209605", result.ASN)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), *result.FirstSeen)
	assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), *result.LastSeen)
	assert.ElementsMatch(t, []string{"blocklistde22", "ciarmy"}, result.Tags)
}

func TestDShieldSource_ScoreCapped(t *testing.T) {
	src := dshieldTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ip": {"attacks": 5000, "count": 1}}`))
	})

	result, err := src.Lookup(context.Background(), "141.98.80.121", models.IndicatorIPv4)
	require.NoError(t, err)
	require.NotNil(t, result.ThreatScore)
	assert.Equal(t, float64(100), *result.ThreatScore)
}

func TestRestSource_RateLimited(t *testing.T) {
	src := dshieldTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := src.Lookup(context.Background(), "141.98.80.121", models.IndicatorIPv4)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindRateLimited, mcperr.KindOf(err))
}

func TestRestSource_NotFoundIsEmptyResult(t *testing.T) {
	src := dshieldTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	result, err := src.Lookup(context.Background(), "198.51.100.99", models.IndicatorIPv4)
	require.NoError(t, err)
	assert.Nil(t, result.ThreatScore)
	assert.Zero(t, result.Confidence)
}

func TestRestSource_ServerError(t *testing.T) {
	src := dshieldTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := src.Lookup(context.Background(), "141.98.80.121", models.IndicatorIPv4)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindExternalService, mcperr.KindOf(err))
}

func TestGenericSource_Parse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{
			"score": 72.5,
			"confidence": 0.65,
			"country": "RU",
			"asn": "AS12389",
			"first_seen": "2026-02-01T00:00:00Z",
			"tags": ["bruteforce", "ssh"]
		}`))
	}))
	t.Cleanup(server.Close)

	t.Setenv("OTX_KEY", "secret-key")
	src, err := NewSource(config.SourceConfig{
		Name:      "otx",
		URL:       server.URL,
		APIKeyRef: "env:OTX_KEY",
		Trust:     0.5,
	}, config.EnvSecrets{})
	require.NoError(t, err)

	result, err := src.Lookup(context.Background(), "192.0.2.1", models.IndicatorIPv4)
	require.NoError(t, err)
	require.NotNil(t, result.ThreatScore)
	assert.Equal(t, 72.5, *result.ThreatScore)
	assert.Equal(t, 0.65, result.Confidence)
	assert.Equal(t, "RU", result.Country)
	assert.Equal(t, "AS12389", result.ASN)
	assert.Equal(t, []string{"bruteforce", "ssh"}, result.Tags)
}

func TestClassifyIndicator(t *testing.T) {
	cases := map[string]models.IndicatorType{
		"192.0.2.1":      models.IndicatorIPv4,
		"2001:db8::1":    models.IndicatorIPv6,
		"example.com":    models.IndicatorDomain,
		"http://x.com/p": models.IndicatorURL,
		"d41d8cd98f00b204e9800998ecf8427e": models.IndicatorHash,
	}
	for raw, want := range cases {
		got, err := models.ClassifyIndicator(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := models.ClassifyIndicator("!!!")
	assert.Error(t, err)
}
