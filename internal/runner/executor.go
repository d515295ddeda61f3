// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"fmt"
	"time"
)

// StepExecutor is the hardware-facing "perform one step of one slice"
// primitive. Execute blocks for the duration of the step; the run goroutine
// is suspended inside it. Implementations should honor ctx cancellation
// where the underlying operation allows it, but the controller never assumes
// they do.
type StepExecutor interface {
	Execute(ctx context.Context, sliceIndex int, step string) error
}

// SimulatedExecutor stands in for the instrument when no hardware is
// attached: each step sleeps for a configured delay, and an optional step
// name can be made to fail, for rehearsing error paths end to end.
type SimulatedExecutor struct {
	StepDelay  time.Duration
	FailAtStep string
}

// NewSimulatedExecutor creates a simulated executor with the given per-step
// delay.
func NewSimulatedExecutor(delay time.Duration) *SimulatedExecutor {
	return &SimulatedExecutor{StepDelay: delay}
}

// Execute implements StepExecutor.
func (e *SimulatedExecutor) Execute(ctx context.Context, sliceIndex int, step string) error {
	if e.FailAtStep != "" && e.FailAtStep == step {
		return fmt.Errorf("simulated failure at slice %d step %q", sliceIndex, step)
	}
	if e.StepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(e.StepDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
