package elastic

import (
	"strings"
	"time"

	"dshield-mcp-go/internal/fieldmap"
	"dshield-mcp-go/internal/models"
)

// sessionKeyer derives the session identity of an event from the
// configured session fields. Events with no value for any field share
// the empty key and still group together.
type sessionKeyer struct {
	fields []string
	mapper *fieldmap.Mapper
}

func (k sessionKeyer) Key(ev models.SecurityEvent) string {
	parts := make([]string, 0, len(k.fields))
	for _, f := range k.fields {
		parts = append(parts, k.mapper.ExtractString(ev.Raw, f))
	}
	return strings.Join(parts, "|")
}

// sessionIDs assigns a session instance to each event: same key means
// same session until the inter-event gap exceeds maxGap, which starts a
// new instance. Events must be sorted ascending by timestamp.
func sessionIDs(events []models.SecurityEvent, keyer sessionKeyer, maxGap time.Duration) []int {
	ids := make([]int, len(events))
	type lastSeen struct {
		id int
		ts time.Time
	}
	next := 0
	open := make(map[string]lastSeen)
	for i, ev := range events {
		key := keyer.Key(ev)
		prev, ok := open[key]
		if ok && (maxGap <= 0 || ev.Timestamp.Sub(prev.ts) <= maxGap) {
			ids[i] = prev.id
		} else {
			ids[i] = next
			next++
		}
		open[key] = lastSeen{id: ids[i], ts: ev.Timestamp}
	}
	return ids
}

// nextSessionChunk picks the buffer indices emitted as the next chunk.
// Chunks are built from whole sessions in order of first appearance, so
// sessions interleaved in time are regrouped instead of split at a
// buffer offset. A session that would push the chunk past chunkSize is
// deferred to the following chunk; only a single session larger than
// the stretched cap is split, at the cap. While pages are still pending
// the session owning the buffer tail may keep growing and is held back
// until it closes or reaches the cap. A nil result means the buffer
// cannot produce a chunk yet.
func nextSessionChunk(ids []int, chunkSize, stretchPct int, exhausted bool) []int {
	if len(ids) == 0 {
		return nil
	}
	if !exhausted && len(ids) <= chunkSize {
		return nil
	}
	hardCap := chunkSize + chunkSize*stretchPct/100

	var order []int
	members := make(map[int][]int)
	for i, id := range ids {
		if _, ok := members[id]; !ok {
			order = append(order, id)
		}
		members[id] = append(members[id], i)
	}
	tail := ids[len(ids)-1]

	var out []int
	for _, sid := range order {
		events := members[sid]
		switch {
		case !exhausted && sid == tail && len(events) < hardCap:
			// Still open; finished sessions around it can go out first.
			continue
		case len(out)+len(events) <= chunkSize:
			out = append(out, events...)
		case len(out) == 0 && len(events) <= hardCap:
			// A lone oversized session stays whole inside the stretch.
			return events
		case len(out) == 0:
			// Larger than the stretched cap, split there.
			return events[:hardCap]
		default:
			return out
		}
		if len(out) >= chunkSize {
			return out
		}
	}
	return out
}

// sessionMetas summarizes the session instances inside a chunk.
func sessionMetas(events []models.SecurityEvent, ids []int, keyer sessionKeyer) []SessionMeta {
	var metas []SessionMeta
	index := make(map[int]int)
	starts := make(map[int]time.Time)
	for i, ev := range events {
		pos, ok := index[ids[i]]
		if !ok {
			index[ids[i]] = len(metas)
			starts[ids[i]] = ev.Timestamp
			metas = append(metas, SessionMeta{SessionKey: keyer.Key(ev), EventCount: 1})
			continue
		}
		metas[pos].EventCount++
		metas[pos].Duration = ev.Timestamp.Sub(starts[ids[i]])
	}
	return metas
}
