// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"fmt"
	"strings"
)

// Validator is the external validation contract consumed by the controllers.
// The message carries human-readable detail when ok is false.
type Validator interface {
	Validate(p *Pipeline) (ok bool, message string)
}

// ValidationError represents a single structural validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// StructuralValidator checks a pipeline document's shape: step presence,
// known types, unique non-empty names, positive slice count. It knows nothing
// about instrument limits; those checks belong to hardware-facing validators
// outside this module.
type StructuralValidator struct{}

// NewStructuralValidator creates a structural validator.
func NewStructuralValidator() *StructuralValidator {
	return &StructuralValidator{}
}

// Validate implements Validator.
func (v *StructuralValidator) Validate(p *Pipeline) (bool, string) {
	var errs ValidationErrors

	if p == nil {
		return false, "no pipeline loaded"
	}

	if p.Settings.TotalSlices <= 0 {
		errs = append(errs, ValidationError{
			Field:   "settings.total_slices",
			Message: fmt.Sprintf("must be positive, got %d", p.Settings.TotalSlices),
		})
	}

	if len(p.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   "steps",
			Message: "pipeline must contain at least one step",
		})
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "step name must not be empty"})
		} else if _, dup := seen[step.Name]; dup {
			errs = append(errs, ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate step name %q", step.Name)})
		} else {
			seen[step.Name] = struct{}{}
		}

		if !IsKnownStepType(step.Type) {
			errs = append(errs, ValidationError{
				Field:   field + ".type",
				Message: fmt.Sprintf("unknown step type %q", step.Type),
			})
		}

		if freq, ok := step.Parameters["frequency"]; ok {
			if n, isInt := freq.(int); isInt && n < 1 {
				errs = append(errs, ValidationError{
					Field:   field + ".parameters.frequency",
					Message: fmt.Sprintf("must be at least 1, got %d", n),
				})
			}
		}
	}

	if len(errs) > 0 {
		return false, errs.Error()
	}
	return true, "pipeline is valid"
}
