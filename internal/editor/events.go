// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package editor

import "github.com/slicewise/slicewise/internal/pipeline"

// Event names published by the pipeline editor controller.
const (
	EventPipelineCreated    = "pipeline_created"
	EventPipelineLoaded     = "pipeline_loaded"
	EventPipelineSaved      = "pipeline_saved"
	EventPipelineChanged    = "pipeline_changed"
	EventStepSelected       = "step_selected"
	EventStepMoved          = "step_moved"
	EventValidationComplete = "validation_complete"
)

// StepSelectedPayload accompanies step_selected.
type StepSelectedPayload struct {
	Index int           `json:"index"`
	Step  pipeline.Step `json:"step"`
}

// StepMovedPayload accompanies step_moved.
type StepMovedPayload struct {
	Index     int `json:"index"`
	Direction int `json:"direction"`
}

// SavedPayload accompanies pipeline_saved.
type SavedPayload struct {
	Path string `json:"path"`
}

// ValidationCompletePayload accompanies validation_complete.
type ValidationCompletePayload struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}
