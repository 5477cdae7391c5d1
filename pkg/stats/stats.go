// Package stats aggregates benchmark run durations.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/TFMV/cardinal/pkg/models"
)

// Summarize reduces durations to count, total, min, max, mean, median and
// population standard deviation. The input slice is not modified. An empty
// input yields a zero Stats.
func Summarize(durations []time.Duration) models.Stats {
	n := len(durations)
	if n == 0 {
		return models.Stats{}
	}

	s := models.Stats{
		Count: n,
		Min:   durations[0],
		Max:   durations[0],
	}
	for _, d := range durations {
		s.Total += d
		if d < s.Min {
			s.Min = d
		}
		if d > s.Max {
			s.Max = d
		}
	}
	s.Mean = s.Total / time.Duration(n)
	s.Median = median(durations)
	s.StdDev = stddev(durations, s.Mean)
	return s
}

func median(durations []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func stddev(durations []time.Duration, mean time.Duration) time.Duration {
	if len(durations) < 2 {
		return 0
	}
	var sum float64
	for _, d := range durations {
		diff := float64(d - mean)
		sum += diff * diff
	}
	return time.Duration(math.Sqrt(sum / float64(len(durations))))
}

// Milliseconds converts a duration to fractional milliseconds for display.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
