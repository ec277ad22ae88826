package trace

import (
	"sort"
	"time"

	"github.com/osint-labs/viraltrace/internal/model"
)

// computeTimeline summarizes the temporal shape of the fetched items.
// Returns nil when there are fewer than two items to compare.
func computeTimeline(items []model.ContentItem) *model.TimelineMetrics {
	if len(items) < 2 {
		return nil
	}

	times := make([]time.Time, len(items))
	for i, it := range items {
		times[i] = it.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	span := times[len(times)-1].Sub(times[0])

	gaps := make([]float64, 0, len(times)-1)
	peak := 0.0
	for i := 1; i < len(times); i++ {
		g := times[i].Sub(times[i-1]).Seconds()
		gaps = append(gaps, g)
		if g > peak {
			peak = g
		}
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}

	perHour := 0.0
	if span > 0 {
		perHour = float64(len(items)) / span.Hours()
	}

	return &model.TimelineMetrics{
		SpanSeconds:      span.Seconds(),
		PostsPerHour:     perHour,
		PeakGapSeconds:   peak,
		MedianGapSeconds: median,
	}
}
