// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline defines the pipeline document model: the ordered sequence
// of acquisition steps a serial-section experiment runs once per slice, plus
// its YAML codec and structural validation.
package pipeline

import (
	"github.com/samber/lo"
)

// StepType identifies the kind of work a step performs.
type StepType string

const (
	StepTypeImage  StepType = "image"
	StepTypeLaser  StepType = "laser"
	StepTypeFIB    StepType = "fib"
	StepTypeEDS    StepType = "eds"
	StepTypeEBSD   StepType = "ebsd"
	StepTypeCustom StepType = "custom"
)

// KnownStepTypes lists every step type a pipeline document may contain.
var KnownStepTypes = []StepType{
	StepTypeImage,
	StepTypeLaser,
	StepTypeFIB,
	StepTypeEDS,
	StepTypeEBSD,
	StepTypeCustom,
}

// IsKnownStepType reports whether t is a supported step type.
func IsKnownStepType(t StepType) bool {
	return lo.Contains(KnownStepTypes, t)
}

// Step is one configured unit of work within a slice. Its position in
// Pipeline.Steps is its identity; reordering or deletion renumbers.
type Step struct {
	Name       string         `yaml:"name" json:"name"`
	Type       StepType       `yaml:"type" json:"type"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
}

// Clone returns a deep copy of the step. Parameter values are copied at the
// top level, which is sufficient for the flat parameter maps the defaults
// produce.
func (s Step) Clone() Step {
	params := make(map[string]any, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	return Step{Name: s.Name, Type: s.Type, Parameters: params}
}

// Settings holds the experiment-wide portion of a pipeline document.
type Settings struct {
	SampleName       string  `yaml:"sample_name" json:"sample_name"`
	TotalSlices      int     `yaml:"total_slices" json:"total_slices"`
	SliceThicknessUM float64 `yaml:"slice_thickness_um" json:"slice_thickness_um"`
}

// Pipeline is a complete pipeline document.
type Pipeline struct {
	Version  float64  `yaml:"version" json:"version"`
	Settings Settings `yaml:"settings" json:"settings"`
	Steps    []Step   `yaml:"steps" json:"steps"`
}

// StepNames returns the step names in order.
func (p *Pipeline) StepNames() []string {
	return lo.Map(p.Steps, func(s Step, _ int) string { return s.Name })
}

// StepIndex returns the position of the named step, or -1.
func (p *Pipeline) StepIndex(name string) int {
	return lo.IndexOf(p.StepNames(), name)
}

// DefaultParameters returns the default parameter set for a step type.
// Unknown types get an empty map.
func DefaultParameters(t StepType) map[string]any {
	params := map[string]any{
		// Every Nth slice this step is activated (1 = every slice).
		"frequency": 1,
	}
	switch t {
	case StepTypeImage:
		params["detector"] = "ETD"
		params["voltage_kv"] = 5.0
		params["current_na"] = 1.6
		params["dwell_us"] = 1.0
		params["resolution"] = "1536x1024"
	case StepTypeLaser:
		params["pulse_energy_uj"] = 20.0
		params["num_passes"] = 1
		params["objective_position_mm"] = 0.0
	case StepTypeFIB:
		params["voltage_kv"] = 30.0
		params["current_na"] = 6.5
		params["milling_depth_um"] = 1.0
	case StepTypeEDS, StepTypeEBSD:
		params["dwell_us"] = 8.0
		params["binning"] = 2
	case StepTypeCustom:
		params["script"] = ""
		params["executable"] = ""
	}
	return params
}
