// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import "time"

// RunOutcome classifies how a run ended.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeStopped   RunOutcome = "stopped"
	OutcomeFailed    RunOutcome = "failed"
)

// RunRecorder receives run lifecycle notifications for persistence. The
// controller treats it as fire-and-forget: implementations log their own
// failures and never propagate them into the run loop.
type RunRecorder interface {
	RunStarted(runID, configPath string, startSlice int, startStep string)
	SliceCompleted(runID string, sliceIndex int, duration time.Duration)
	RunFinished(runID string, outcome RunOutcome, finalSlice int, finalStep string, message string)
}

// NopRecorder discards all run records.
type NopRecorder struct{}

func (NopRecorder) RunStarted(string, string, int, string)              {}
func (NopRecorder) SliceCompleted(string, int, time.Duration)           {}
func (NopRecorder) RunFinished(string, RunOutcome, int, string, string) {}
