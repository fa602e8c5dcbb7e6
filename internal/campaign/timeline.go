package campaign

import (
	"sort"
	"time"

	"dshield-mcp-go/internal/mcperr"
	"dshield-mcp-go/internal/models"
)

const timelineSampleIDs = 3

// Granularity is the timeline bucket width.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

func (g Granularity) width() (time.Duration, error) {
	switch g {
	case GranularityMinute:
		return time.Minute, nil
	case GranularityHourly, "":
		return time.Hour, nil
	case GranularityDaily:
		return 24 * time.Hour, nil
	default:
		return 0, mcperr.New(mcperr.KindValidation, "unknown timeline granularity %q", g)
	}
}

// BuildTimeline buckets campaign events by the granularity. Buckets are
// contiguous from the first to the last event; empty buckets are kept
// so gaps in activity are visible.
func BuildTimeline(events []models.CampaignEvent, granularity Granularity) ([]models.TimelineBucket, error) {
	width, err := granularity.width()
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	sorted := append([]models.CampaignEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	first := sorted[0].Timestamp.Truncate(width)
	last := sorted[len(sorted)-1].Timestamp.Truncate(width)

	index := make(map[time.Time]*models.TimelineBucket)
	var buckets []models.TimelineBucket
	for t := first; !t.After(last); t = t.Add(width) {
		buckets = append(buckets, models.TimelineBucket{Start: t})
	}
	for i := range buckets {
		index[buckets[i].Start] = &buckets[i]
	}

	typeCounts := make(map[time.Time]map[models.EventType]int)
	for _, ev := range sorted {
		start := ev.Timestamp.Truncate(width)
		bucket, ok := index[start]
		if !ok {
			continue
		}
		bucket.EventCount++
		if len(bucket.SampleEventIDs) < timelineSampleIDs {
			bucket.SampleEventIDs = append(bucket.SampleEventIDs, ev.ID)
		}
		if typeCounts[start] == nil {
			typeCounts[start] = make(map[models.EventType]int)
		}
		typeCounts[start][ev.EventType]++
	}

	for i := range buckets {
		counts := typeCounts[buckets[i].Start]
		if len(counts) == 0 {
			continue
		}
		top := make([]models.EventTypeCount, 0, len(counts))
		for et, n := range counts {
			top = append(top, models.EventTypeCount{EventType: et, Count: n})
		}
		sort.Slice(top, func(a, b int) bool {
			if top[a].Count != top[b].Count {
				return top[a].Count > top[b].Count
			}
			return top[a].EventType < top[b].EventType
		})
		if len(top) > 3 {
			top = top[:3]
		}
		buckets[i].TopEventTypes = top
	}
	return buckets, nil
}

// TimelinePage returns one page of buckets, restartable by offset. The
// second return is the offset of the next page, or -1 when drained.
func TimelinePage(buckets []models.TimelineBucket, offset, limit int) ([]models.TimelineBucket, int) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(buckets) {
		return nil, -1
	}
	if limit <= 0 {
		limit = len(buckets) - offset
	}
	end := offset + limit
	if end > len(buckets) {
		end = len(buckets)
	}
	next := end
	if next >= len(buckets) {
		next = -1
	}
	return buckets[offset:end], next
}
