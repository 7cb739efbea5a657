package vdf

import "sort"

// DefaultTargetSeconds is the wall-clock duration a day's VDF computation
// should take on reference hardware.
const DefaultTargetSeconds = 24 * 60 * 60

// AdjustIterations rescales the iteration count by the ratio of the
// target duration to the median observed completion time of the
// previous adjustment window. No clamp is applied beyond a floor of one
// iteration.
//
// If completionSeconds is empty, adjustment is skipped and the current
// iteration count is returned unchanged.
func AdjustIterations(currentIterations uint64, completionSeconds []float64, targetSeconds float64) uint64 {
	if len(completionSeconds) == 0 || currentIterations == 0 {
		return currentIterations
	}
	median := medianOf(completionSeconds)
	if median <= 0 {
		return currentIterations
	}
	scaled := float64(currentIterations) * targetSeconds / median
	if scaled < 1 {
		scaled = 1
	}
	return uint64(scaled)
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
