// Package outlier flags implausible growth scores using robust statistics
// and feeds them into the human review queue.
package outlier

import (
	"math"
	"sort"
)

// Median returns the middle value of the sample, averaging the two middle
// values for even sizes. An empty sample yields zero.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MAD returns the median absolute deviation from the sample median.
func MAD(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	med := Median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return Median(devs)
}

// meanAbsDev is the fallback spread estimate when the MAD degenerates to
// zero, which happens whenever more than half the sample is identical.
func meanAbsDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var dev float64
	for _, v := range values {
		dev += math.Abs(v - mean)
	}
	return dev / float64(len(values))
}

// ModifiedZScore measures how far value sits from the sample, in robust
// standard-deviation equivalents. 0.6745 rescales the MAD to match the
// standard deviation of a normal distribution. A sample with no spread at
// all returns +Inf for any value off the median.
func ModifiedZScore(value float64, sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	med := Median(sample)
	spread := MAD(sample)
	if spread == 0 {
		spread = meanAbsDev(sample)
	}
	if spread == 0 {
		if value == med {
			return 0
		}
		return math.Inf(1)
	}
	return 0.6745 * math.Abs(value-med) / spread
}
