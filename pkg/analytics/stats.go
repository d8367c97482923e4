package analytics

import (
	"sort"
)

// ResponseTimeStats summarises positive response times in milliseconds
type ResponseTimeStats struct {
	Average float64
	Median  float64
	Max     float64
	Min     float64
}

// P95 returns the 95th percentile of the positive values using the
// floor(0.95*(n-1)) index. It returns 0 when no value is positive.
func P95(values []float64) float64 {
	positive := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if len(positive) == 0 {
		return 0
	}
	sort.Float64s(positive)
	idx := int(0.95 * float64(len(positive)-1))
	return positive[idx]
}

// ComputeResponseTimeStats aggregates the positive entries of values.
func ComputeResponseTimeStats(values []float64) ResponseTimeStats {
	positive := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if len(positive) == 0 {
		return ResponseTimeStats{}
	}

	sort.Float64s(positive)
	n := len(positive)

	median := positive[n/2]
	if n%2 == 0 {
		median = (positive[n/2-1] + positive[n/2]) / 2
	}

	return ResponseTimeStats{
		Average: Mean(positive),
		Median:  median,
		Max:     positive[n-1],
		Min:     positive[0],
	}
}

// Mean returns the arithmetic mean, 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Clamp01 bounds v to [0,1]
func Clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}
