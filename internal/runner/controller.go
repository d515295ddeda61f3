// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner implements the experiment execution controller: the
// run/stop state machine that drives a multi-slice, multi-step acquisition
// experiment on a dedicated goroutine and publishes every transition through
// a notification hub.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

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
		l := logger.GetRunnerLogger()
		log = &l
	})
	return log
}

// Controller owns the run state machine. All operations return immediately;
// the experiment body executes on a single run goroutine spawned by Start.
// State is shared by atomic snapshot replacement, so State() is safe from
// any goroutine, including from inside event callbacks.
type Controller struct {
	executor  StepExecutor
	store     pipeline.ConfigStore
	validator pipeline.Validator
	recorder  RunRecorder
	hub       *events.Hub

	state atomic.Pointer[RunState]

	mu         sync.Mutex // serializes Start and guards configPath/cancelRun
	configPath string
	cancelRun  context.CancelFunc
}

// NewController wires an experiment controller. A nil recorder defaults to
// NopRecorder.
func NewController(executor StepExecutor, store pipeline.ConfigStore, validator pipeline.Validator, recorder RunRecorder) *Controller {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	c := &Controller{
		executor:  executor,
		store:     store,
		validator: validator,
		recorder:  recorder,
		hub:       events.NewHub(),
	}
	initial := idleState()
	c.state.Store(&initial)
	return c
}

// Hub exposes the controller's notification hub.
func (c *Controller) Hub() *events.Hub {
	return c.hub
}

// RegisterCallback appends an observer for the named event. No
// de-duplication: registering twice dispatches twice.
func (c *Controller) RegisterCallback(event string, cb events.Callback) {
	c.hub.Subscribe(event, cb)
}

// SetConfigPath stores the pipeline document location used by the next
// Start. No other side effects.
func (c *Controller) SetConfigPath(path string) {
	c.mu.Lock()
	c.configPath = path
	c.mu.Unlock()
}

// ConfigPath returns the pipeline document location for the next Start.
func (c *Controller) ConfigPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configPath
}

// State returns the latest published snapshot. Never blocks, never tears:
// snapshots are replaced whole, not mutated.
func (c *Controller) State() RunState {
	return *c.state.Load()
}

// Start begins a run at the given slice and step. startingStep may be empty
// to mean the pipeline's first step; a non-empty name must exist in the
// document. Returns false without raising experiment_started when a run is
// already in progress, when no config path is set, or when the document
// fails validation; the latter two also raise validation_failed.
func (c *Controller) Start(startingSlice int, startingStep string) bool {
	c.mu.Lock()

	if c.state.Load().IsRunning {
		c.mu.Unlock()
		getLog().Warn().Msg("Start rejected: experiment already running")
		return false
	}

	pl, startStepIdx, msg := c.prepare(startingSlice, startingStep)
	if pl == nil {
		c.mu.Unlock()
		getLog().Warn().Str("reason", msg).Msg("Start rejected")
		c.hub.Publish(EventValidationFailed, ValidationFailedPayload{Message: msg})
		return false
	}

	stepName := pl.Steps[startStepIdx].Name
	next := RunState{
		CurrentSlice: startingSlice,
		CurrentStep:  stepName,
		IsRunning:    true,
	}
	c.state.Store(&next)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	configPath := c.configPath
	c.mu.Unlock()

	runID := uuid.NewString()
	getLog().Info().
		Str("run_id", runID).
		Int("starting_slice", startingSlice).
		Str("starting_step", stepName).
		Msg("Experiment started")

	c.recorder.RunStarted(runID, configPath, startingSlice, stepName)
	c.hub.Publish(EventExperimentStarted, StartedPayload{
		Settings:      pl.Settings,
		StartingSlice: startingSlice,
		StartingStep:  stepName,
	})

	go c.runLoop(ctx, cancel, pl, startingSlice, startStepIdx, runID)
	return true
}

// prepare validates the start preconditions under c.mu. It returns a nil
// pipeline and a message when the run must not start.
func (c *Controller) prepare(startingSlice int, startingStep string) (*pipeline.Pipeline, int, string) {
	if c.configPath == "" {
		return nil, 0, "no configuration file set"
	}
	if startingSlice < 0 {
		return nil, 0, "starting slice must not be negative"
	}

	pl, err := c.store.Load(c.configPath)
	if err != nil {
		return nil, 0, err.Error()
	}

	if ok, msg := c.validator.Validate(pl); !ok {
		return nil, 0, msg
	}

	if startingSlice >= pl.Settings.TotalSlices {
		return nil, 0, "starting slice is beyond the configured slice count"
	}

	startStepIdx := 0
	if startingStep != "" {
		idx := pl.StepIndex(startingStep)
		if idx < 0 {
			return nil, 0, "starting step " + startingStep + " not found in pipeline"
		}
		startStepIdx = idx
	}

	return pl, startStepIdx, ""
}

// RequestStopAfterStep asks the run to exit after the current step's unit of
// work completes. Harmless no-op when not running or already requested.
func (c *Controller) RequestStopAfterStep() {
	c.requestStop(StopAfterStep)
}

// RequestStopAfterSlice asks the run to exit after the last step of the
// current slice completes. Harmless no-op when not running or already
// requested.
func (c *Controller) RequestStopAfterSlice() {
	c.requestStop(StopAfterSlice)
}

// RequestStopNow asks the run to exit at the very next checkpoint, before
// starting another step. The run context is cancelled so a cooperative
// executor can return early, but an executor that ignores it is simply
// waited out; there is no hard preemption.
func (c *Controller) RequestStopNow() {
	if !c.requestStop(StopNow) {
		return
	}
	c.mu.Lock()
	cancel := c.cancelRun
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// requestStop sets the given pending-stop flag on a copy of the current
// snapshot and publishes the copy. Lock-free so it can be called from inside
// an event callback on the run goroutine. Returns false when the request was
// a no-op.
func (c *Controller) requestStop(g StopGranularity) bool {
	for {
		cur := c.state.Load()
		if !cur.IsRunning {
			return false
		}
		next := cur.withStopFlag(g)
		if next == *cur {
			// Flag already pending; a repeat request is a no-op.
			return false
		}
		if c.state.CompareAndSwap(cur, &next) {
			getLog().Info().Str("granularity", string(g)).Msg("Stop requested")
			c.hub.Publish(EventStopRequested, StopRequestedPayload{Granularity: g})
			return true
		}
	}
}

// updateState applies mutate to the current snapshot via compare-and-swap,
// preserving stop flags set concurrently by stop requests. Returns the
// snapshot it installed.
func (c *Controller) updateState(mutate func(RunState) RunState) RunState {
	for {
		cur := c.state.Load()
		next := mutate(*cur)
		if c.state.CompareAndSwap(cur, &next) {
			return next
		}
	}
}

// flags returns the pending-stop flags at this instant.
func (c *Controller) flags() RunState {
	return *c.state.Load()
}

// runLoop is the experiment body. It executes once per Start on its own
// goroutine and is the only goroutine that raises state_changed, which keeps
// snapshot payloads in publication order.
func (c *Controller) runLoop(ctx context.Context, cancel context.CancelFunc, pl *pipeline.Pipeline, startSlice, startStepIdx int, runID string) {
	defer cancel()

	steps := pl.Steps
	totalSlices := pl.Settings.TotalSlices
	numSteps := len(steps)

	var sliceTimes []time.Duration
	finalSlice, finalStep := startSlice, steps[startStepIdx].Name
	outcome := OutcomeCompleted
	message := ""

run:
	for slice := startSlice; slice < totalSlices; slice++ {
		sliceStart := time.Now()

		firstStep := 0
		if slice == startSlice {
			firstStep = startStepIdx
		}

		for si := firstStep; si < numSteps; si++ {
			if c.flags().StopNow {
				outcome = OutcomeStopped
				break run
			}

			step := steps[si]
			if !stepActiveOnSlice(step, slice) {
				// Off-frequency step: counts as done without touching hardware.
				progressed := c.updateState(func(s RunState) RunState {
					s.CurrentSlice = slice
					s.ProgressPercent = ProgressPercent(slice, si, totalSlices, numSteps)
					return s
				})
				c.hub.Publish(EventStateChanged, progressed)
				continue
			}

			finalSlice, finalStep = slice, step.Name
			entering := c.updateState(func(s RunState) RunState {
				s.CurrentSlice = slice
				s.CurrentStep = step.Name
				return s
			})
			c.hub.Publish(EventStateChanged, entering)

			if err := c.executor.Execute(ctx, slice, step.Name); err != nil {
				// A ctx-honoring executor returns early once RequestStopNow
				// cancels the run context. That is the operator's stop taking
				// effect, not a step failure.
				if ctx.Err() != nil || c.flags().StopNow {
					outcome = OutcomeStopped
					break run
				}
				getLog().Error().Err(err).Int("slice", slice).Str("step", step.Name).Msg("Step execution failed")
				c.updateState(func(s RunState) RunState { return s.withStopFlag(StopNow) })
				c.hub.Publish(EventExperimentError, ErrorPayload{Message: err.Error()})
				outcome = OutcomeFailed
				message = err.Error()
				break run
			}

			progressed := c.updateState(func(s RunState) RunState {
				s.ProgressPercent = ProgressPercent(slice, si, totalSlices, numSteps)
				return s
			})
			c.hub.Publish(EventStateChanged, progressed)

			// Step checkpoint. StopNow wins over StopAfterStep; StopAfterSlice
			// is evaluated only at the slice checkpoint below.
			if f := c.flags(); f.StopNow || f.StopAfterStep {
				outcome = OutcomeStopped
				break run
			}
		}

		// Timing feeds the estimator only for fully completed slices.
		elapsed := time.Since(sliceStart)
		sliceTimes = append(sliceTimes, elapsed)
		c.recorder.SliceCompleted(runID, slice, elapsed)

		avg := AverageSliceTime(sliceTimes)
		timed := c.updateState(func(s RunState) RunState {
			s.AvgSliceTime = avg
			s.RemainingEstimate = EstimateRemaining(avg, totalSlices-slice-1)
			return s
		})
		c.hub.Publish(EventStateChanged, timed)

		// Slice checkpoint. A pending stop_after_step that no step checkpoint
		// consumed stops here too: the tail of the slice may be entirely
		// off-frequency steps, which bypass the step checkpoint.
		if f := c.flags(); f.StopNow || f.StopAfterStep || f.StopAfterSlice {
			outcome = OutcomeStopped
			break run
		}
	}

	c.finish(runID, outcome, finalSlice, finalStep, message)
}

// finish replaces the snapshot with its terminal form and only then raises
// the termination event, so observers querying state from inside the handler
// see consistent terminal state.
func (c *Controller) finish(runID string, outcome RunOutcome, finalSlice int, finalStep, message string) {
	c.mu.Lock()
	c.cancelRun = nil
	c.mu.Unlock()

	c.updateState(func(s RunState) RunState { return s.terminal() })
	c.recorder.RunFinished(runID, outcome, finalSlice, finalStep, message)

	switch outcome {
	case OutcomeCompleted:
		getLog().Info().Str("run_id", runID).Msg("Experiment completed")
		c.hub.Publish(EventExperimentCompleted, nil)
	default:
		getLog().Info().
			Str("run_id", runID).
			Str("outcome", string(outcome)).
			Int("final_slice", finalSlice).
			Str("final_step", finalStep).
			Msg("Experiment stopped")
		c.hub.Publish(EventExperimentStopped, StoppedPayload{FinalSlice: finalSlice, FinalStep: finalStep})
	}
}

// stepActiveOnSlice applies the step's frequency parameter: a frequency of N
// activates the step on every Nth slice, counted from slice 0.
func stepActiveOnSlice(step pipeline.Step, slice int) bool {
	freq, ok := step.Parameters["frequency"]
	if !ok {
		return true
	}
	n, ok := freq.(int)
	if !ok || n <= 1 {
		return true
	}
	return slice%n == 0
}
