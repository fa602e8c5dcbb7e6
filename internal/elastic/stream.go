package elastic

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

// StreamStore persists stream positions across process restarts.
// Implemented by the persistent cache tier; nil disables persistence.
type StreamStore interface {
	PutStream(id string, state []byte, ttl time.Duration) error
	GetStream(id string) ([]byte, bool, error)
	DeleteStream(id string) error
}

// streamState is the resumable position of one stream. Serialized to
// the stream store verbatim.
type streamState struct {
	TimeRange TimeRange `json:"time_range"`
	Filters   []Filter  `json:"filters,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Sort      Sort      `json:"sort"`
	ChunkSize int       `json:"chunk_size"`

	Sessions      bool          `json:"sessions,omitempty"`
	SessionFields []string      `json:"session_fields,omitempty"`
	MaxSessionGap time.Duration `json:"max_session_gap,omitempty"`

	Cursor        string                 `json:"cursor,omitempty"`
	Buffer        []models.SecurityEvent `json:"buffer,omitempty"`
	Delivered     int                    `json:"delivered"`
	TotalEstimate int                    `json:"total_estimate"`
	Exhausted     bool                   `json:"exhausted"`
	CreatedAt     time.Time              `json:"created_at"`
	TouchedAt     time.Time              `json:"touched_at"`
}

// StreamRequest opens a new stream.
type StreamRequest struct {
	TimeRange TimeRange
	Filters   []Filter
	Fields    []string
	ChunkSize int
	// Sessions switches to session-context chunking: chunks carry whole
	// sessions, regrouped when sessions interleave in time, and only a
	// session larger than the stretched cap is ever split.
	Sessions bool
	// SessionFields and MaxSessionGap override the configured session
	// grouping when set.
	SessionFields []string
	MaxSessionGap time.Duration
}

// StreamRegistry owns the live streams. Streams idle past the TTL are
// dropped and their ids answer ResourceNotFound afterward.
type StreamRegistry struct {
	q      *QueryLayer
	cfg    config.StreamingConfig
	store  StreamStore
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]*streamState
}

// NewStreamRegistry creates the registry. store may be nil.
func NewStreamRegistry(q *QueryLayer, cfg config.StreamingConfig, store StreamStore, logger *zap.Logger) *StreamRegistry {
	return &StreamRegistry{
		q:       q,
		cfg:     cfg,
		store:   store,
		logger:  logger,
		streams: make(map[string]*streamState),
	}
}

// Open starts a stream and returns its first chunk.
func (r *StreamRegistry) Open(ctx context.Context, req StreamRequest) (*StreamChunk, error) {
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = r.cfg.ChunkSize
	}
	st := &streamState{
		TimeRange: req.TimeRange,
		Filters:   req.Filters,
		Fields:    req.Fields,
		Sort:      Sort{Field: "@timestamp", Order: SortAsc},
		ChunkSize: chunkSize,
		Sessions:  req.Sessions,
		CreatedAt: time.Now().UTC(),
	}
	if req.Sessions {
		st.SessionFields = req.SessionFields
		if len(st.SessionFields) == 0 {
			st.SessionFields = r.cfg.SessionFields
		}
		st.MaxSessionGap = req.MaxSessionGap
		if st.MaxSessionGap <= 0 {
			st.MaxSessionGap = r.cfg.MaxSessionGap
		}
	}

	id := uuid.NewString()
	chunk, err := r.advance(ctx, id, st)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("stream opened",
		zap.String("stream_id", id),
		zap.Int("chunk_size", chunkSize),
		zap.Bool("sessions", req.Sessions),
	)
	return chunk, nil
}

// Next returns the next chunk of an existing stream. Unknown and
// expired ids fail with ResourceNotFound.
func (r *StreamRegistry) Next(ctx context.Context, streamID string) (*StreamChunk, error) {
	st, err := r.lookup(streamID)
	if err != nil {
		return nil, err
	}
	return r.advance(ctx, streamID, st)
}

func (r *StreamRegistry) lookup(streamID string) (*streamState, error) {
	r.mu.Lock()
	st, ok := r.streams[streamID]
	r.mu.Unlock()
	if ok {
		if time.Since(st.TouchedAt) > r.cfg.StreamTTL {
			r.drop(streamID)
			return nil, mcperr.New(mcperr.KindResourceNotFound, "stream %s expired", streamID)
		}
		return st, nil
	}

	if r.store != nil {
		data, found, err := r.store.GetStream(streamID)
		if err == nil && found {
			var revived streamState
			if json.Unmarshal(data, &revived) == nil {
				return &revived, nil
			}
		}
	}
	return nil, mcperr.New(mcperr.KindResourceNotFound, "unknown stream %s", streamID)
}

// advance pulls enough pages to serve one chunk, updates the stored
// position, and drops the stream when exhausted.
func (r *StreamRegistry) advance(ctx context.Context, id string, st *streamState) (*StreamChunk, error) {
	target := st.ChunkSize
	if st.Sessions {
		target += st.ChunkSize * r.cfg.SoftCapStretchPct / 100
	}

	for !st.Exhausted && len(st.Buffer) <= target {
		if err := r.fill(ctx, st); err != nil {
			return nil, err
		}
		if !st.Sessions {
			break
		}
	}

	chunk := &StreamChunk{StreamID: id, TotalEstimate: st.TotalEstimate}
	if st.Sessions {
		keyer := sessionKeyer{fields: st.SessionFields, mapper: r.q.Mapper()}
		gap := st.MaxSessionGap
		if gap <= 0 {
			gap = r.cfg.MaxSessionGap
		}
		for {
			ids := sessionIDs(st.Buffer, keyer, gap)
			pick := nextSessionChunk(ids, st.ChunkSize, r.cfg.SoftCapStretchPct, st.Exhausted)
			if len(pick) == 0 && !st.Exhausted {
				// The open tail session needs more pages before it can go
				// out whole.
				before := len(st.Buffer)
				if err := r.fill(ctx, st); err != nil {
					return nil, err
				}
				if len(st.Buffer) == before {
					st.Exhausted = true
				}
				continue
			}

			chunk.Events = make([]models.SecurityEvent, 0, len(pick))
			pickIDs := make([]int, 0, len(pick))
			picked := make(map[int]bool, len(pick))
			for _, i := range pick {
				chunk.Events = append(chunk.Events, st.Buffer[i])
				pickIDs = append(pickIDs, ids[i])
				picked[i] = true
			}
			chunk.Sessions = sessionMetas(chunk.Events, pickIDs, keyer)

			rest := make([]models.SecurityEvent, 0, len(st.Buffer)-len(pick))
			for i, ev := range st.Buffer {
				if !picked[i] {
					rest = append(rest, ev)
				}
			}
			st.Buffer = rest
			break
		}
	} else {
		chunk.Events = st.Buffer
		st.Buffer = nil
	}
	st.Delivered += len(chunk.Events)
	st.TouchedAt = time.Now().UTC()

	done := st.Exhausted && len(st.Buffer) == 0
	if done {
		r.drop(id)
		return chunk, nil
	}

	chunk.NextCursor = st.Cursor
	r.mu.Lock()
	r.streams[id] = st
	r.mu.Unlock()
	if r.store != nil {
		if data, err := json.Marshal(st); err == nil {
			if err := r.store.PutStream(id, data, r.cfg.StreamTTL); err != nil {
				r.logger.Warn("failed to persist stream position", zap.String("stream_id", id), zap.Error(err))
			}
		}
	}
	return chunk, nil
}

// fill appends one page of results to the buffer.
func (r *StreamRegistry) fill(ctx context.Context, st *streamState) error {
	result, err := r.q.QueryEvents(ctx, QueryRequest{
		TimeRange: st.TimeRange,
		Filters:   st.Filters,
		Fields:    st.Fields,
		Sort:      st.Sort,
		PageSize:  st.ChunkSize,
		Cursor:    st.Cursor,
	})
	if err != nil {
		return err
	}
	st.Buffer = append(st.Buffer, result.Events...)
	st.TotalEstimate = result.TotalCount
	st.Cursor = result.Pagination.NextCursor
	st.Exhausted = !result.Pagination.HasNext
	return nil
}

func (r *StreamRegistry) drop(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.DeleteStream(id); err != nil {
			r.logger.Debug("failed to delete persisted stream", zap.String("stream_id", id), zap.Error(err))
		}
	}
}

// Sweep removes streams idle past the TTL. Called from the cache
// maintenance ticker.
func (r *StreamRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, st := range r.streams {
		if time.Since(st.TouchedAt) > r.cfg.StreamTTL {
			delete(r.streams, id)
			removed++
		}
	}
	return removed
}
