package rollup

import (
	"math"
	"sort"

	"github.com/nicktill/tinystats/pkg/storage"
)

// metricAgg folds a series of avg/min/max triples into one.
type metricAgg struct {
	sum   float64
	count int
	min   float64
	max   float64
}

func (a *metricAgg) add(m storage.Metrics) {
	if a.count == 0 || m.Min < a.min {
		a.min = m.Min
	}
	if a.count == 0 || m.Max > a.max {
		a.max = m.Max
	}
	a.sum += m.Avg
	a.count++
}

// metrics returns the mean of the averages with the extreme min and max, rounded to 2 places.
func (a *metricAgg) metrics() storage.Metrics {
	if a.count == 0 {
		return storage.Metrics{}
	}
	return storage.Metrics{
		Avg: round(a.sum/float64(a.count), 2),
		Min: round(a.min, 2),
		Max: round(a.max, 2),
	}
}

// meanAgg averages optional values, skipping nil.
type meanAgg struct {
	sum   float64
	count int
}

func (a *meanAgg) add(v *float64) {
	if v == nil {
		return
	}
	a.sum += *v
	a.count++
}

// value returns the mean rounded to 1 place, or nil if nothing was added.
func (a *meanAgg) value() *float64 {
	if a.count == 0 {
		return nil
	}
	v := round(a.sum/float64(a.count), 1)
	return &v
}

// Percentile95 returns the nearest-rank 95th percentile: the value at index
// int(n*0.95) of the sorted input, clamped to the last element.
func Percentile95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * 0.95)
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
