package performance

import (
	"math"
	"sort"
)

// Stats summarises a metric series
type Stats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	P50     float64 `json:"p50"`
	P90     float64 `json:"p90"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// computeStats sorts values in place and derives nearest-rank percentiles
func computeStats(values []float64) (*Stats, bool) {
	n := len(values)
	if n == 0 {
		return nil, false
	}

	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}

	return &Stats{
		Count:   n,
		Average: sum / float64(n),
		Min:     values[0],
		Max:     values[n-1],
		P50:     percentile(values, 0.50),
		P90:     percentile(values, 0.90),
		P95:     percentile(values, 0.95),
		P99:     percentile(values, 0.99),
	}, true
}

// percentile returns the nearest-rank percentile of sorted values
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
