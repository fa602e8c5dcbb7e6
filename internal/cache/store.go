// Package cache provides the persistent bbolt tier and the two-tier
// cache used by threat intel, campaign persistence and stream resume.
// Writes are asynchronous through a single writer goroutine; reads go
// straight to the database.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"dshield-mcp-go/internal/config"
	"dshield-mcp-go/internal/mcperr"
)

// Bucket names, one per cached domain. A commit is atomic per bucket
// write, which is what gives replace-on-write semantics.
const (
	BucketIntelIP     = "intel_ip"
	BucketIntelDomain = "intel_domain"
	BucketCampaigns   = "campaigns"
	BucketStreams     = "streams"
)

var buckets = []string{BucketIntelIP, BucketIntelDomain, BucketCampaigns, BucketStreams}

const (
	sweepInterval  = time.Minute
	writeBatchSize = 64
)

// record is the stored envelope. A zero ExpiresAt never expires.
type record struct {
	Value     json.RawMessage `json:"v"`
	StoredAt  time.Time       `json:"s"`
	ExpiresAt time.Time       `json:"e,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opFlush
)

type writeOp struct {
	kind   opKind
	bucket string
	key    string
	data   []byte
	ack    chan struct{}
}

// Store is the persistent cache tier.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger

	writes chan writeOp
	done   chan struct{}
	wg     sync.WaitGroup

	hits    atomic.Int64
	misses  atomic.Int64
	written atomic.Int64
	dropped atomic.Int64
}

// NewStore opens the database, creates the buckets, sweeps expired
// entries left over from the previous run and starts the writer.
func NewStore(path string, cfg config.CacheConfig, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	queueSize := cfg.WriteQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &Store{
		db:     db,
		logger: logger,
		writes: make(chan writeOp, queueSize),
		done:   make(chan struct{}),
	}

	if removed := s.Sweep(); removed > 0 {
		logger.Info("swept expired cache entries at startup", zap.Int("removed", removed))
	}

	s.wg.Add(2)
	go s.writer()
	go s.sweeper()
	return s, nil
}

// Put serializes value and enqueues the write. When the queue is full
// the oldest pending write is dropped in favor of the new one.
func (s *Store) Put(bucket, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return mcperr.Wrap(mcperr.KindInternal, err, "failed to encode cache value")
	}
	now := time.Now().UTC()
	rec := record{Value: raw, StoredAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return mcperr.Wrap(mcperr.KindInternal, err, "failed to encode cache record")
	}
	s.enqueue(writeOp{kind: opPut, bucket: bucket, key: key, data: data})
	return nil
}

// Get reads a record and unmarshals its value into out. Expired records
// report a miss and are deleted asynchronously.
func (s *Store) Get(bucket, key string, out interface{}) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache read failed: %w", err)
	}
	if data == nil {
		s.misses.Add(1)
		return false, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unreadable record, treat as miss and let the writer purge it.
		s.misses.Add(1)
		s.enqueue(writeOp{kind: opDelete, bucket: bucket, key: key})
		return false, nil
	}
	if rec.expired(time.Now().UTC()) {
		s.misses.Add(1)
		s.enqueue(writeOp{kind: opDelete, bucket: bucket, key: key})
		return false, nil
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		return false, mcperr.Wrap(mcperr.KindInternal, err, "failed to decode cache value")
	}
	s.hits.Add(1)
	return true, nil
}

// Delete enqueues removal of a key.
func (s *Store) Delete(bucket, key string) {
	s.enqueue(writeOp{kind: opDelete, bucket: bucket, key: key})
}

func (s *Store) enqueue(op writeOp) {
	select {
	case s.writes <- op:
		return
	default:
	}
	// Queue full: drop the oldest pending write to keep the newest.
	select {
	case old := <-s.writes:
		if old.ack != nil {
			close(old.ack)
		}
		s.dropped.Add(1)
	default:
	}
	select {
	case s.writes <- op:
	default:
		s.dropped.Add(1)
	}
}

// Flush blocks until every write queued before the call has been
// applied. Used at shutdown and by tests.
func (s *Store) Flush() {
	ack := make(chan struct{})
	select {
	case s.writes <- writeOp{kind: opFlush, ack: ack}:
		<-ack
	case <-s.done:
	}
}

// writer is the single goroutine applying queued writes, batched per
// transaction.
func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			var batch []writeOp
			var acks []chan struct{}
			collect := func(o writeOp) {
				if o.kind == opFlush {
					acks = append(acks, o.ack)
					return
				}
				batch = append(batch, o)
			}
			collect(op)
			for len(batch) < writeBatchSize {
				select {
				case next := <-s.writes:
					collect(next)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				s.apply(batch)
			}
			for _, ack := range acks {
				close(ack)
			}
		case <-s.done:
			// Drain what is left before shutting down.
			for {
				select {
				case op := <-s.writes:
					if op.kind == opFlush {
						close(op.ack)
						continue
					}
					s.apply([]writeOp{op})
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(batch []writeOp) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, op := range batch {
			b := tx.Bucket([]byte(op.bucket))
			if b == nil {
				continue
			}
			switch op.kind {
			case opPut:
				if err := b.Put([]byte(op.key), op.data); err != nil {
					return err
				}
			case opDelete:
				if err := b.Delete([]byte(op.key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("cache write batch failed", zap.Int("ops", len(batch)), zap.Error(err))
		return
	}
	s.written.Add(int64(len(batch)))
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("swept expired cache entries", zap.Int("removed", removed))
			}
		case <-s.done:
			return
		}
	}
}

// Sweep removes expired records from every bucket.
func (s *Store) Sweep() int {
	now := time.Now().UTC()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			b := tx.Bucket([]byte(name))
			if b == nil {
				continue
			}
			var stale [][]byte
			cursor := b.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var rec record
				if json.Unmarshal(v, &rec) != nil || rec.expired(now) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("cache sweep failed", zap.Error(err))
	}
	return removed
}

// Stats is the persistent-tier counter snapshot for the health tool.
type Stats struct {
	Hits          int64          `json:"hits"`
	Misses        int64          `json:"misses"`
	Written       int64          `json:"written"`
	DroppedWrites int64          `json:"dropped_writes"`
	Entries       map[string]int `json:"entries"`
}

// StatsSnapshot reports counters and per-bucket entry counts.
func (s *Store) StatsSnapshot() Stats {
	stats := Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Written:       s.written.Load(),
		DroppedWrites: s.dropped.Load(),
		Entries:       make(map[string]int),
	}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if b := tx.Bucket([]byte(name)); b != nil {
				stats.Entries[name] = b.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}

// Close stops the writer and sweeper, flushes pending writes and closes
// the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// PutStream, GetStream and DeleteStream implement stream-position
// persistence for the streaming registry.

func (s *Store) PutStream(id string, state []byte, ttl time.Duration) error {
	return s.Put(BucketStreams, id, json.RawMessage(state), ttl)
}

func (s *Store) GetStream(id string) ([]byte, bool, error) {
	var raw json.RawMessage
	ok, err := s.Get(BucketStreams, id, &raw)
	if err != nil || !ok {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *Store) DeleteStream(id string) error {
	s.Delete(BucketStreams, id)
	return nil
}
