package cache

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"dshield-mcp-go/internal/config"
)

// Tiered layers an in-memory LRU over one persistent bucket. Memory
// answers hot lookups; the bucket survives restarts. Both tiers expire
// independently, memory on the short TTL and the bucket on the one the
// caller passes to Put.
type Tiered struct {
	mem    *expirable.LRU[string, json.RawMessage]
	store  *Store
	bucket string

	memHits  atomic.Int64
	memMiss  atomic.Int64
	diskHits atomic.Int64
}

// NewTiered builds the two-tier view over a bucket. store may be nil,
// which degrades to memory only.
func NewTiered(store *Store, bucket string, cfg config.CacheConfig) *Tiered {
	size := cfg.MemoryEntriesPerSource
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.MemoryTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tiered{
		mem:    expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
		store:  store,
		bucket: bucket,
	}
}

// Get resolves key through memory first, then the persistent bucket,
// promoting disk hits into memory.
func (t *Tiered) Get(key string, out interface{}) (bool, error) {
	if raw, ok := t.mem.Get(key); ok {
		t.memHits.Add(1)
		return true, json.Unmarshal(raw, out)
	}
	t.memMiss.Add(1)

	if t.store == nil {
		return false, nil
	}
	var raw json.RawMessage
	ok, err := t.store.Get(t.bucket, key, &raw)
	if err != nil || !ok {
		return false, err
	}
	t.diskHits.Add(1)
	t.mem.Add(key, raw)
	return true, json.Unmarshal(raw, out)
}

// Put writes through both tiers. ttl applies to the persistent copy.
func (t *Tiered) Put(key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	t.mem.Add(key, raw)
	if t.store == nil {
		return nil
	}
	return t.store.Put(t.bucket, key, json.RawMessage(raw), ttl)
}

// Invalidate removes key from both tiers.
func (t *Tiered) Invalidate(key string) {
	t.mem.Remove(key)
	if t.store != nil {
		t.store.Delete(t.bucket, key)
	}
}

// TierStats is the per-tier counter snapshot.
type TierStats struct {
	Bucket       string `json:"bucket"`
	MemoryHits   int64  `json:"memory_hits"`
	MemoryMisses int64  `json:"memory_misses"`
	DiskHits     int64  `json:"disk_hits"`
	MemoryLen    int    `json:"memory_len"`
}

func (t *Tiered) Stats() TierStats {
	return TierStats{
		Bucket:       t.bucket,
		MemoryHits:   t.memHits.Load(),
		MemoryMisses: t.memMiss.Load(),
		DiskHits:     t.diskHits.Load(),
		MemoryLen:    t.mem.Len(),
	}
}
