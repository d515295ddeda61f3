// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import "time"

// AverageSliceTime returns the mean of the completed-slice durations, or 0
// when none have completed yet.
func AverageSliceTime(sliceTimes []time.Duration) time.Duration {
	if len(sliceTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range sliceTimes {
		total += d
	}
	return total / time.Duration(len(sliceTimes))
}

// EstimateRemaining projects the average slice time over the slices still to
// run. Returns 0 when there is no average yet or nothing remains.
func EstimateRemaining(avg time.Duration, remainingSlices int) time.Duration {
	if avg <= 0 || remainingSlices <= 0 {
		return 0
	}
	return avg * time.Duration(remainingSlices)
}

// ProgressPercent converts a just-completed (slice, step) position into a
// completion percentage of the whole experiment. Slice and step indices are
// zero-based; the step at stepIdx counts as done.
func ProgressPercent(sliceIdx, stepIdx, totalSlices, totalSteps int) float64 {
	if totalSlices <= 0 || totalSteps <= 0 {
		return 0
	}
	completed := sliceIdx*totalSteps + stepIdx + 1
	total := totalSlices * totalSteps
	pct := float64(completed) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
