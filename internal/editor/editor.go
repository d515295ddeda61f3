// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package editor implements the pipeline editing controller: an ordered,
// mutable sequence of step configurations with a selection cursor, a derived
// validation tri-state, and change notifications. It has no concurrency of
// its own; callers run every operation from a single logical goroutine.
package editor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/slicewise/slicewise/internal/events"
	"github.com/slicewise/slicewise/internal/logger"
	"github.com/slicewise/slicewise/internal/pipeline"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEditorLogger()
		log = &l
	})
	return log
}

// ValidationState is the derived tri-state of the edited pipeline. Any
// mutation reverts it to Unvalidated; only an explicit ValidateFull moves it
// to Valid or Invalid.
type ValidationState int

const (
	Unvalidated ValidationState = iota
	Valid
	Invalid
)

func (s ValidationState) String() string {
	switch s {
	case Unvalidated:
		return "unvalidated"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// NoSelection is the cursor value meaning no step is selected.
const NoSelection = -1

// Defaults seeds newly created pipeline documents.
type Defaults struct {
	Version          float64
	TotalSlices      int
	SliceThicknessUM float64
}

// Controller owns the pipeline being edited. Invalid indices passed to any
// operation are silent no-ops: no mutation, no event.
type Controller struct {
	store     pipeline.ConfigStore
	validator pipeline.Validator
	hub       *events.Hub
	defaults  Defaults

	pl         *pipeline.Pipeline
	selected   int
	validation ValidationState
}

// NewController creates an editor controller holding an empty pipeline.
func NewController(store pipeline.ConfigStore, validator pipeline.Validator, defaults Defaults) *Controller {
	c := &Controller{
		store:     store,
		validator: validator,
		hub:       events.NewHub(),
		defaults:  defaults,
		selected:  NoSelection,
	}
	c.pl = c.emptyPipeline()
	return c
}

// Hub exposes the controller's notification hub.
func (c *Controller) Hub() *events.Hub {
	return c.hub
}

// RegisterCallback appends an observer for the named event.
func (c *Controller) RegisterCallback(event string, cb events.Callback) {
	c.hub.Subscribe(event, cb)
}

func (c *Controller) emptyPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Version: c.defaults.Version,
		Settings: pipeline.Settings{
			TotalSlices:      c.defaults.TotalSlices,
			SliceThicknessUM: c.defaults.SliceThicknessUM,
		},
		Steps: []pipeline.Step{},
	}
}

// CreateNewPipeline resets to an empty sequence, clears the selection, and
// raises pipeline_created.
func (c *Controller) CreateNewPipeline() {
	c.pl = c.emptyPipeline()
	c.selected = NoSelection
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineCreated, nil)
}

// LoadPipeline replaces the sequence from a document on disk. On failure it
// returns false with a message and raises nothing.
func (c *Controller) LoadPipeline(path string) (bool, string) {
	pl, err := c.store.Load(path)
	if err != nil {
		getLog().Warn().Err(err).Str("path", path).Msg("Failed to load pipeline")
		return false, err.Error()
	}
	c.pl = pl
	c.selected = NoSelection
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineLoaded, c.Pipeline())
	return true, ""
}

// SavePipeline writes the current sequence to a document on disk and raises
// pipeline_saved. On failure it returns false with a message and raises
// nothing.
func (c *Controller) SavePipeline(path string) (bool, string) {
	if err := c.store.Save(path, c.pl); err != nil {
		getLog().Warn().Err(err).Str("path", path).Msg("Failed to save pipeline")
		return false, err.Error()
	}
	c.hub.Publish(EventPipelineSaved, SavedPayload{Path: path})
	return true, ""
}

// AddStep appends a step with default parameters for the type, selects it,
// and raises pipeline_changed then step_selected. The returned step, like
// every event payload, is detached from the document: observers consume
// payloads off-thread (the WebSocket broadcaster marshals them on its own
// goroutine), so nothing published may alias live editor state.
func (c *Controller) AddStep(stepType pipeline.StepType) pipeline.Step {
	step := pipeline.Step{
		Name:       c.uniqueStepName(string(stepType)),
		Type:       stepType,
		Parameters: pipeline.DefaultParameters(stepType),
	}
	c.pl.Steps = append(c.pl.Steps, step)
	c.selected = len(c.pl.Steps) - 1
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineChanged, c.Pipeline())
	c.hub.Publish(EventStepSelected, StepSelectedPayload{Index: c.selected, Step: step.Clone()})
	return step.Clone()
}

// uniqueStepName derives a name not already used by any step.
func (c *Controller) uniqueStepName(base string) string {
	used := c.pl.StepNames()
	for n := len(used) + 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n)
		if !lo.Contains(used, candidate) {
			return candidate
		}
	}
}

// SelectStep moves the selection cursor and raises step_selected. Out of
// range indices are no-ops.
func (c *Controller) SelectStep(index int) {
	if !c.validIndex(index) {
		return
	}
	c.selected = index
	c.hub.Publish(EventStepSelected, StepSelectedPayload{Index: index, Step: c.pl.Steps[index].Clone()})
}

// UpdateStepParameters replaces a step's parameter mapping and raises
// pipeline_changed. Invalid indices are no-ops.
func (c *Controller) UpdateStepParameters(index int, params map[string]any) {
	if !c.validIndex(index) {
		return
	}
	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	c.pl.Steps[index].Parameters = copied
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineChanged, c.Pipeline())
}

// RemoveStep deletes a step and renumbers the rest. Selection pointing at
// the removed step is cleared; selection after it shifts down. Invalid
// indices are no-ops.
func (c *Controller) RemoveStep(index int) {
	if !c.validIndex(index) {
		return
	}
	c.pl.Steps = append(c.pl.Steps[:index], c.pl.Steps[index+1:]...)
	switch {
	case c.selected == index:
		c.selected = NoSelection
	case c.selected > index:
		c.selected--
	}
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineChanged, c.Pipeline())
}

// MoveStep swaps a step with its neighbor in the given direction (-1 up,
// +1 down), keeping the selection on the step it pointed at. Raises
// pipeline_changed then step_moved. Invalid moves are no-ops.
func (c *Controller) MoveStep(index, direction int) {
	if direction != -1 && direction != 1 {
		return
	}
	target := index + direction
	if !c.validIndex(index) || !c.validIndex(target) {
		return
	}
	c.pl.Steps[index], c.pl.Steps[target] = c.pl.Steps[target], c.pl.Steps[index]
	switch c.selected {
	case index:
		c.selected = target
	case target:
		c.selected = index
	}
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineChanged, c.Pipeline())
	c.hub.Publish(EventStepMoved, StepMovedPayload{Index: index, Direction: direction})
}

// DuplicateStep appends a deep copy of a step under a fresh name and selects
// it. Invalid indices are no-ops.
func (c *Controller) DuplicateStep(index int) {
	if !c.validIndex(index) {
		return
	}
	dup := c.pl.Steps[index].Clone()
	dup.Name = c.uniqueStepName(string(dup.Type))
	c.pl.Steps = append(c.pl.Steps, dup)
	c.selected = len(c.pl.Steps) - 1
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineChanged, c.Pipeline())
	c.hub.Publish(EventStepSelected, StepSelectedPayload{Index: c.selected, Step: dup.Clone()})
}

// RenameStep sets a step's display name. Empty names and invalid indices are
// no-ops.
func (c *Controller) RenameStep(index int, name string) {
	if !c.validIndex(index) || name == "" {
		return
	}
	c.pl.Steps[index].Name = name
	c.validation = Unvalidated
	c.hub.Publish(EventPipelineChanged, c.Pipeline())
}

// ValidateFull delegates to the external validator against the current
// sequence without mutating it, records the tri-state until the next
// mutation, and raises validation_complete.
func (c *Controller) ValidateFull() (bool, string) {
	ok, msg := c.validator.Validate(c.pl)
	if ok {
		c.validation = Valid
	} else {
		c.validation = Invalid
	}
	c.hub.Publish(EventValidationComplete, ValidationCompletePayload{Valid: ok, Message: msg})
	return ok, msg
}

func (c *Controller) validIndex(index int) bool {
	return index >= 0 && index < len(c.pl.Steps)
}

// Pipeline returns a copy of the current document.
func (c *Controller) Pipeline() pipeline.Pipeline {
	out := *c.pl
	out.Steps = lo.Map(c.pl.Steps, func(s pipeline.Step, _ int) pipeline.Step { return s.Clone() })
	return out
}

// SelectedIndex returns the selection cursor, or NoSelection.
func (c *Controller) SelectedIndex() int {
	return c.selected
}

// Validation returns the derived tri-state.
func (c *Controller) Validation() ValidationState {
	return c.validation
}

// StepCount returns the number of steps in the sequence.
func (c *Controller) StepCount() int {
	return len(c.pl.Steps)
}

// StepNames returns the step names in order.
func (c *Controller) StepNames() []string {
	return c.pl.StepNames()
}

// PipelineSummary is a compact description of the edited pipeline for status
// displays.
type PipelineSummary struct {
	Version     float64             `json:"version"`
	StepCount   int                 `json:"step_count"`
	StepTypes   []pipeline.StepType `json:"step_types"`
	TotalSlices int                 `json:"total_slices"`
	Validation  string              `json:"validation"`
}

// Summary returns a compact description of the current document.
func (c *Controller) Summary() PipelineSummary {
	return PipelineSummary{
		Version:     c.pl.Version,
		StepCount:   len(c.pl.Steps),
		StepTypes:   lo.Map(c.pl.Steps, func(s pipeline.Step, _ int) pipeline.StepType { return s.Type }),
		TotalSlices: c.pl.Settings.TotalSlices,
		Validation:  c.validation.String(),
	}
}
