// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import "github.com/slicewise/slicewise/internal/pipeline"

// Event names published by the experiment controller. The hub accepts open
// string keys; observers may also register for names nobody publishes.
const (
	EventStateChanged        = "state_changed"
	EventExperimentStarted   = "experiment_started"
	EventExperimentCompleted = "experiment_completed"
	EventExperimentStopped   = "experiment_stopped"
	EventExperimentError     = "experiment_error"
	EventValidationFailed    = "validation_failed"
	EventStopRequested       = "stop_requested"
)

// StartedPayload accompanies experiment_started.
type StartedPayload struct {
	Settings      pipeline.Settings `json:"settings"`
	StartingSlice int               `json:"starting_slice"`
	StartingStep  string            `json:"starting_step"`
}

// StoppedPayload accompanies experiment_stopped. FinalSlice and FinalStep
// name the last position the run executed before honoring the stop.
type StoppedPayload struct {
	FinalSlice int    `json:"final_slice"`
	FinalStep  string `json:"final_step"`
}

// ErrorPayload accompanies experiment_error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ValidationFailedPayload accompanies validation_failed.
type ValidationFailedPayload struct {
	Message string `json:"message"`
}

// StopRequestedPayload accompanies stop_requested.
type StopRequestedPayload struct {
	Granularity StopGranularity `json:"granularity"`
}
