package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "cache.db"), config.DefaultConfig().Cache, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type payload struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestStore_PutGet(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(BucketIntelIP, "192.0.2.1", payload{Name: "scanner", Score: 80}, time.Minute))
	s.Flush()

	var got payload
	ok, err := s.Get(BucketIntelIP, "192.0.2.1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Name: "scanner", Score: 80}, got)
}

func TestStore_MissAndExpiry(t *testing.T) {
	s := testStore(t)

	var got payload
	ok, err := s.Get(BucketIntelIP, "198.51.100.1", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(BucketIntelIP, "198.51.100.1", payload{Name: "x"}, time.Nanosecond))
	s.Flush()
	time.Sleep(2 * time.Millisecond)

	ok, err = s.Get(BucketIntelIP, "198.51.100.1", &got)
	require.NoError(t, err)
	assert.False(t, ok, "expired record must read as a miss")
}

func TestStore_BucketsIsolated(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(BucketIntelIP, "key", payload{Name: "ip"}, 0))
	require.NoError(t, s.Put(BucketIntelDomain, "key", payload{Name: "domain"}, 0))
	s.Flush()

	var got payload
	ok, err := s.Get(BucketIntelDomain, "key", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "domain", got.Name)
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(BucketCampaigns, "c1", payload{Name: "c"}, 0))
	s.Flush()
	s.Delete(BucketCampaigns, "c1")
	s.Flush()

	var got payload
	ok, err := s.Get(BucketCampaigns, "c1", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SweepRemovesExpired(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(BucketIntelIP, "stale", payload{}, time.Nanosecond))
	require.NoError(t, s.Put(BucketIntelIP, "fresh", payload{}, time.Hour))
	s.Flush()
	time.Sleep(2 * time.Millisecond)

	removed := s.Sweep()
	assert.Equal(t, 1, removed)

	stats := s.StatsSnapshot()
	assert.Equal(t, 1, stats.Entries[BucketIntelIP])
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := config.DefaultConfig().Cache

	s, err := NewStore(path, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Put(BucketCampaigns, "c1", payload{Name: "persisted"}, time.Hour))
	s.Flush()
	require.NoError(t, s.Close())

	reopened, err := NewStore(path, cfg, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	var got payload
	ok, err := reopened.Get(BucketCampaigns, "c1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Name)
}

func TestStore_StreamStore(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.PutStream("stream-1", []byte(`{"cursor":"abc"}`), time.Minute))
	s.Flush()

	data, ok, err := s.GetStream("stream-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"cursor":"abc"}`, string(data))

	require.NoError(t, s.DeleteStream("stream-1"))
	s.Flush()
	_, ok, err = s.GetStream("stream-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_StatsCounters(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put(BucketIntelIP, "a", payload{}, 0))
	s.Flush()

	var got payload
	_, _ = s.Get(BucketIntelIP, "a", &got)
	_, _ = s.Get(BucketIntelIP, "missing", &got)

	stats := s.StatsSnapshot()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.GreaterOrEqual(t, stats.Written, int64(1))
}
