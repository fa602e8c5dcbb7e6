package elastic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

type memStreamStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStreamStore() *memStreamStore {
	return &memStreamStore{data: make(map[string][]byte)}
}

func (s *memStreamStore) PutStream(id string, state []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = state
	return nil
}

func (s *memStreamStore) GetStream(id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.data[id]
	return state, ok, nil
}

func (s *memStreamStore) DeleteStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func streamConfig() config.StreamingConfig {
	cfg := config.DefaultConfig().Streaming
	cfg.ChunkSize = 100
	return cfg
}

func TestStream_DrainsInChunks(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(250, testRange().Start)}
	q := testQueryLayer(t, fake)
	reg := NewStreamRegistry(q, streamConfig(), nil, zap.NewNop())

	first, err := reg.Open(context.Background(), StreamRequest{TimeRange: testRange()})
	require.NoError(t, err)
	assert.Len(t, first.Events, 100)
	assert.Equal(t, 250, first.TotalEstimate)
	require.NotEmpty(t, first.StreamID)

	second, err := reg.Next(context.Background(), first.StreamID)
	require.NoError(t, err)
	assert.Len(t, second.Events, 100)

	last, err := reg.Next(context.Background(), first.StreamID)
	require.NoError(t, err)
	assert.Len(t, last.Events, 50)

	_, err = reg.Next(context.Background(), first.StreamID)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindResourceNotFound, mcperr.KindOf(err))
}

func TestStream_UnknownID(t *testing.T) {
	q := testQueryLayer(t, &fakeSearcher{})
	reg := NewStreamRegistry(q, streamConfig(), nil, zap.NewNop())

	_, err := reg.Next(context.Background(), "no-such-stream")
	require.Error(t, err)
	assert.Equal(t, mcperr.KindResourceNotFound, mcperr.KindOf(err))
}

func TestStream_Expiry(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(250, testRange().Start)}
	q := testQueryLayer(t, fake)
	cfg := streamConfig()
	cfg.StreamTTL = 0
	reg := NewStreamRegistry(q, cfg, nil, zap.NewNop())

	first, err := reg.Open(context.Background(), StreamRequest{TimeRange: testRange()})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = reg.Next(context.Background(), first.StreamID)
	require.Error(t, err)
	assert.Equal(t, mcperr.KindResourceNotFound, mcperr.KindOf(err))
}

func TestStream_ResumesFromStore(t *testing.T) {
	fake := &fakeSearcher{hits: makeHits(250, testRange().Start)}
	q := testQueryLayer(t, fake)
	store := newMemStreamStore()
	reg := NewStreamRegistry(q, streamConfig(), store, zap.NewNop())

	first, err := reg.Open(context.Background(), StreamRequest{TimeRange: testRange()})
	require.NoError(t, err)

	// Simulate a restart: the in-memory registry forgets the stream.
	reg.mu.Lock()
	delete(reg.streams, first.StreamID)
	reg.mu.Unlock()

	second, err := reg.Next(context.Background(), first.StreamID)
	require.NoError(t, err)
	assert.Len(t, second.Events, 100)
	assert.NotEqual(t, first.Events[0].ID, second.Events[0].ID)
}

func TestStream_SessionChunking(t *testing.T) {
	// 30 events, sessions of 8, 4, 8 and 10 consecutive events per source
	// IP, one minute apart.
	sizes := []int{8, 4, 8, 10}
	var hits []searchHit
	pos := 0
	for i, size := range sizes {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		for j := 0; j < size; j++ {
			ts := testRange().Start.Add(time.Duration(pos) * time.Minute)
			id := fmt.Sprintf("ev-%03d", pos)
			hits = append(hits, searchHit{
				ID:    id,
				Index: "logs-cowrie-2026.08.24",
				Source: map[string]interface{}{
					"@timestamp": ts.Format(time.RFC3339),
					"source":     map[string]interface{}{"ip": ip},
				},
				Sort: []interface{}{float64(ts.UnixMilli()), id},
			})
			pos++
		}
	}

	fake := &fakeSearcher{hits: hits}
	q := testQueryLayer(t, fake)
	cfg := streamConfig()
	cfg.ChunkSize = 10
	cfg.SessionFields = []string{"source_ip"}
	reg := NewStreamRegistry(q, cfg, nil, zap.NewNop())

	chunk, err := reg.Open(context.Background(), StreamRequest{
		TimeRange: testRange(),
		Sessions:  true,
	})
	require.NoError(t, err)

	// Every chunk carries whole sessions; a session that would push the
	// chunk past its size waits for the next one.
	require.Len(t, chunk.Sessions, 1)
	assert.Equal(t, "10.0.0.1", chunk.Sessions[0].SessionKey)
	assert.Equal(t, 8, chunk.Sessions[0].EventCount)
	assert.Len(t, chunk.Events, 8)

	wantNext := []struct {
		key   string
		count int
	}{
		{"10.0.0.2", 4},
		{"10.0.0.3", 8},
		{"10.0.0.4", 10},
	}
	streamID := chunk.StreamID
	for _, want := range wantNext {
		next, err := reg.Next(context.Background(), streamID)
		require.NoError(t, err)
		require.Len(t, next.Sessions, 1, "session %s must not share its chunk", want.key)
		assert.Equal(t, want.key, next.Sessions[0].SessionKey)
		assert.Equal(t, want.count, next.Sessions[0].EventCount)
		assert.Len(t, next.Events, want.count)
	}

	_, err = reg.Next(context.Background(), streamID)
	require.Error(t, err, "drained stream must be dropped")
}
