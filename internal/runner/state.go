// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import "time"

// RunState is an immutable snapshot of where the experiment currently is.
// It is shared across goroutines by whole-value replacement: the controller
// constructs a new value for every transition and swaps an atomic pointer,
// so readers never observe a partially written snapshot and never lock.
// A published RunState must not be mutated.
type RunState struct {
	CurrentSlice    int     `json:"current_slice"`
	CurrentStep     string  `json:"current_step"`
	ProgressPercent float64 `json:"progress_percent"`

	IsRunning bool `json:"is_running"`

	// Pending-stop flags. StopNow takes precedence over the other two at the
	// next checkpoint. Invariant: IsRunning == false implies all three are
	// false.
	StopAfterStep  bool `json:"stop_after_step"`
	StopAfterSlice bool `json:"stop_after_slice"`
	StopNow        bool `json:"stop_now"`

	AvgSliceTime      time.Duration `json:"avg_slice_time"`
	RemainingEstimate time.Duration `json:"remaining_time_estimate"`
}

// idleState is the default form RunState takes at controller construction
// and the shape every terminal state collapses to flag-wise.
func idleState() RunState {
	return RunState{CurrentStep: "-"}
}

// withStopFlag returns a copy of s with the given stop granularity set.
func (s RunState) withStopFlag(g StopGranularity) RunState {
	switch g {
	case StopAfterStep:
		s.StopAfterStep = true
	case StopAfterSlice:
		s.StopAfterSlice = true
	case StopNow:
		s.StopNow = true
	}
	return s
}

// terminal returns a copy of s with IsRunning cleared and all stop flags
// reset, preserving the last position and timing for inspection.
func (s RunState) terminal() RunState {
	s.IsRunning = false
	s.StopAfterStep = false
	s.StopAfterSlice = false
	s.StopNow = false
	return s
}

// StopGranularity identifies how much work may finish before a requested
// stop takes effect.
type StopGranularity string

const (
	StopAfterStep  StopGranularity = "step"
	StopAfterSlice StopGranularity = "slice"
	StopNow        StopGranularity = "now"
)
