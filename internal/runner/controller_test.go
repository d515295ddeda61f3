// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slicewise/slicewise/internal/events"
	"github.com/slicewise/slicewise/internal/pipeline"
)

const waitTimeout = 2 * time.Second

func testPipeline(totalSlices int, stepNames ...string) *pipeline.Pipeline {
	steps := make([]pipeline.Step, len(stepNames))
	for i, name := range stepNames {
		steps[i] = pipeline.Step{Name: name, Type: pipeline.StepTypeImage, Parameters: map[string]any{}}
	}
	return &pipeline.Pipeline{
		Version:  1.0,
		Settings: pipeline.Settings{SampleName: "specimen", TotalSlices: totalSlices},
		Steps:    steps,
	}
}

// eventLog records every published event in dispatch order.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) attach(c *Controller) {
	c.Hub().SubscribeAll(func(ev events.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (l *eventLog) payloads(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func newTestController(pl *pipeline.Pipeline, exec StepExecutor) *Controller {
	c := NewController(exec, &stubStore{pl: pl}, &stubValidator{ok: true}, nil)
	c.SetConfigPath("experiment.yml")
	return c
}

// terminated returns a channel closed when the run raises its termination
// event. Must be registered before Start.
func terminated(c *Controller) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	closeIt := func(events.Event) { once.Do(func() { close(done) }) }
	c.RegisterCallback(EventExperimentCompleted, closeIt)
	c.RegisterCallback(EventExperimentStopped, closeIt)
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for run to terminate")
	}
}

func waitStarted(t *testing.T, exec *gateExecutor) stepCall {
	t.Helper()
	select {
	case call := <-exec.started:
		return call
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for executor call")
		return stepCall{}
	}
}

func TestStart_FailsWithoutConfigPath(t *testing.T) {
	c := NewController(instantExecutor{}, &stubStore{pl: testPipeline(1, "image")}, &stubValidator{ok: true}, nil)
	log := &eventLog{}
	log.attach(c)

	ok := c.Start(0, "")

	assert.False(t, ok)
	assert.Equal(t, 1, log.count(EventValidationFailed))
	assert.Zero(t, log.count(EventExperimentStarted))
	assert.False(t, c.State().IsRunning)
}

func TestStart_FailsWhenValidatorRejects(t *testing.T) {
	c := NewController(instantExecutor{}, &stubStore{pl: testPipeline(1, "image")}, &stubValidator{ok: false, msg: "steps missing"}, nil)
	c.SetConfigPath("experiment.yml")
	log := &eventLog{}
	log.attach(c)

	ok := c.Start(0, "")

	assert.False(t, ok)
	payloads := log.payloads(EventValidationFailed)
	require.Len(t, payloads, 1)
	assert.Equal(t, ValidationFailedPayload{Message: "steps missing"}, payloads[0])
	assert.False(t, c.State().IsRunning)
}

func TestStart_FailsWhenStoreCannotLoad(t *testing.T) {
	c := NewController(instantExecutor{}, &stubStore{err: errors.New("no such file")}, &stubValidator{ok: true}, nil)
	c.SetConfigPath("missing.yml")
	log := &eventLog{}
	log.attach(c)

	assert.False(t, c.Start(0, ""))
	assert.Equal(t, 1, log.count(EventValidationFailed))
}

func TestStart_FailsForUnknownStartingStep(t *testing.T) {
	c := newTestController(testPipeline(3, "align", "image"), instantExecutor{})
	log := &eventLog{}
	log.attach(c)

	assert.False(t, c.Start(0, "mill"))
	assert.Equal(t, 1, log.count(EventValidationFailed))
}

func TestStart_FailsForOutOfRangeSlice(t *testing.T) {
	c := newTestController(testPipeline(3, "image"), instantExecutor{})
	log := &eventLog{}
	log.attach(c)

	assert.False(t, c.Start(-1, ""))
	assert.False(t, c.Start(3, ""))
	assert.Equal(t, 2, log.count(EventValidationFailed))
}

func TestStart_WhileRunningIsRejectedWithoutEvents(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(2, "image"), exec)
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)

	assert.False(t, c.Start(0, ""))
	assert.Equal(t, 1, log.count(EventExperimentStarted))

	c.RequestStopNow()
	exec.release <- nil
	waitDone(t, done)
}

func TestRun_CompletesAllSlicesInOrder(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(2, "align", "image"), exec)
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	for i := 0; i < 4; i++ {
		waitStarted(t, exec)
		exec.release <- nil
	}
	waitDone(t, done)

	assert.Equal(t, []stepCall{
		{0, "align"}, {0, "image"},
		{1, "align"}, {1, "image"},
	}, exec.recorded())

	assert.Equal(t, 1, log.count(EventExperimentCompleted))
	assert.Zero(t, log.count(EventExperimentStopped))

	final := c.State()
	assert.False(t, final.IsRunning)
	assert.False(t, final.StopAfterStep)
	assert.False(t, final.StopAfterSlice)
	assert.False(t, final.StopNow)
	assert.InDelta(t, 100, final.ProgressPercent, 1e-9)
}

func TestRun_StartedEventCarriesSettingsAndPosition(t *testing.T) {
	pl := testPipeline(4, "align", "focus", "image")
	c := newTestController(pl, instantExecutor{})
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(1, "focus"))
	waitDone(t, done)

	payloads := log.payloads(EventExperimentStarted)
	require.Len(t, payloads, 1)
	assert.Equal(t, StartedPayload{
		Settings:      pl.Settings,
		StartingSlice: 1,
		StartingStep:  "focus",
	}, payloads[0])
}

func TestRun_MidSliceStartSkipsEarlierStepsOnFirstSliceOnly(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(2, "align", "image"), exec)
	done := terminated(c)

	require.True(t, c.Start(0, "image"))
	for i := 0; i < 3; i++ {
		waitStarted(t, exec)
		exec.release <- nil
	}
	waitDone(t, done)

	assert.Equal(t, []stepCall{
		{0, "image"},
		{1, "align"}, {1, "image"},
	}, exec.recorded())
}

func TestStopAfterStep_ExitsAfterInFlightStep(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(5, "align", "focus", "image"), exec)
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(2, "focus"))
	waitStarted(t, exec)
	c.RequestStopAfterStep()
	exec.release <- nil
	waitDone(t, done)

	require.Len(t, exec.recorded(), 1)

	stopped := log.payloads(EventExperimentStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StoppedPayload{FinalSlice: 2, FinalStep: "focus"}, stopped[0])

	// No state snapshots may trail the termination event.
	names := log.names()
	stoppedAt := -1
	for i, name := range names {
		if name == EventExperimentStopped {
			stoppedAt = i
		}
	}
	require.GreaterOrEqual(t, stoppedAt, 0)
	for _, name := range names[stoppedAt+1:] {
		assert.NotEqual(t, EventStateChanged, name)
	}

	final := c.State()
	assert.False(t, final.IsRunning)
	assert.False(t, final.StopAfterStep)
}

func TestStopAfterSlice_FinishesCurrentSlice(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(3, "align", "image"), exec)
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)
	c.RequestStopAfterSlice()
	exec.release <- nil
	waitStarted(t, exec) // second step of slice 0 still runs
	exec.release <- nil
	waitDone(t, done)

	assert.Equal(t, []stepCall{{0, "align"}, {0, "image"}}, exec.recorded())

	stopped := log.payloads(EventExperimentStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StoppedPayload{FinalSlice: 0, FinalStep: "image"}, stopped[0])
}

func TestStopNow_WinsOverSliceGranularity(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(3, "align", "image"), exec)
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)
	c.RequestStopAfterSlice()
	c.RequestStopNow()
	exec.release <- nil
	waitDone(t, done)

	// Exit at the step boundary: the slice's second step never runs.
	require.Len(t, exec.recorded(), 1)

	stopped := log.payloads(EventExperimentStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StoppedPayload{FinalSlice: 0, FinalStep: "align"}, stopped[0])
}

func TestStopNow_RepeatedRequestsStopExactlyOnce(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(4, "image"), exec)
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)
	c.RequestStopNow()
	c.RequestStopNow()
	c.RequestStopNow()
	exec.release <- nil
	waitDone(t, done)

	assert.Equal(t, 1, log.count(EventExperimentStopped))
	assert.Zero(t, log.count(EventExperimentCompleted))
	// Only the first request publishes stop_requested; repeats are no-ops.
	assert.Equal(t, 1, log.count(EventStopRequested))
}

func TestStopNow_CancelledStepReportsStopNotFailure(t *testing.T) {
	exec := newCancelableExecutor()
	rec := &fakeRecorder{}
	c := NewController(exec, &stubStore{pl: testPipeline(3, "align", "image")}, &stubValidator{ok: true}, rec)
	c.SetConfigPath("experiment.yml")
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	select {
	case <-exec.started:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for executor call")
	}
	c.RequestStopNow()
	waitDone(t, done)

	// The executor returned ctx.Err() because the stop cancelled the run
	// context. That is the operator's stop, never an experiment error.
	assert.Zero(t, log.count(EventExperimentError))
	stopped := log.payloads(EventExperimentStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StoppedPayload{FinalSlice: 0, FinalStep: "align"}, stopped[0])

	_, _, finished, final := rec.snapshot()
	assert.Equal(t, []RunOutcome{OutcomeStopped}, finished)
	assert.Equal(t, StoppedPayload{FinalSlice: 0, FinalStep: "align"}, final)
}

func TestStopAfterStep_HonoredWhenSliceTailIsSkipped(t *testing.T) {
	pl := testPipeline(3, "image", "eds")
	pl.Steps[1].Parameters["frequency"] = 3
	c := newTestController(pl, instantExecutor{})
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	// Land the request while slice 1's eds step is being skipped: past the
	// image step checkpoint, with only off-frequency steps left in the slice.
	skipProgress := ProgressPercent(1, 1, 3, 2)
	c.RegisterCallback(EventStateChanged, func(ev events.Event) {
		s := ev.Payload.(RunState)
		if s.CurrentSlice == 1 && s.ProgressPercent == skipProgress {
			c.RequestStopAfterStep()
		}
	})

	require.True(t, c.Start(0, ""))
	waitDone(t, done)

	// Slice 2 must never start.
	stopped := log.payloads(EventExperimentStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StoppedPayload{FinalSlice: 1, FinalStep: "image"}, stopped[0])
	assert.Zero(t, log.count(EventExperimentCompleted))
}

func TestStopRequests_AfterRunEndedAreNoOps(t *testing.T) {
	c := newTestController(testPipeline(1, "image"), instantExecutor{})
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitDone(t, done)

	before := len(log.names())
	c.RequestStopNow()
	c.RequestStopAfterStep()
	c.RequestStopAfterSlice()

	assert.Equal(t, before, len(log.names()))
	assert.False(t, c.State().StopNow)
}

func TestStopFlags_VisibleInSnapshotWhileRunning(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(2, "align", "image"), exec)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)

	c.RequestStopAfterSlice()
	snap := c.State()
	assert.True(t, snap.IsRunning)
	assert.True(t, snap.StopAfterSlice)
	assert.False(t, snap.StopNow)

	c.RequestStopNow()
	exec.release <- nil
	waitDone(t, done)
}

func TestExecutorFailure_RaisesErrorThenStops(t *testing.T) {
	exec := newGateExecutor()
	rec := &fakeRecorder{}
	c := NewController(exec, &stubStore{pl: testPipeline(3, "align", "image")}, &stubValidator{ok: true}, rec)
	c.SetConfigPath("experiment.yml")
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)
	exec.release <- errors.New("stage fault")
	waitDone(t, done)

	errPayloads := log.payloads(EventExperimentError)
	require.Len(t, errPayloads, 1)
	assert.Equal(t, ErrorPayload{Message: "stage fault"}, errPayloads[0])

	// The error event precedes the stopped event.
	names := log.names()
	assert.Less(t, indexOf(names, EventExperimentError), indexOf(names, EventExperimentStopped))
	assert.Zero(t, log.count(EventExperimentCompleted))

	final := c.State()
	assert.False(t, final.IsRunning)
	assert.False(t, final.StopNow)

	_, _, finished, _ := rec.snapshot()
	assert.Equal(t, []RunOutcome{OutcomeFailed}, finished)
}

func TestController_CanStartAgainAfterStop(t *testing.T) {
	exec := newGateExecutor()
	c := newTestController(testPipeline(2, "image"), exec)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitStarted(t, exec)
	c.RequestStopNow()
	exec.release <- nil
	waitDone(t, done)

	done2 := make(chan struct{})
	c.RegisterCallback(EventExperimentCompleted, func(events.Event) { close(done2) })

	require.True(t, c.Start(0, ""))
	for i := 0; i < 2; i++ {
		waitStarted(t, exec)
		exec.release <- nil
	}
	waitDone(t, done2)
}

func TestTerminalState_ConsistentInsideTerminationHandler(t *testing.T) {
	c := newTestController(testPipeline(1, "image"), instantExecutor{})

	var observed RunState
	done := make(chan struct{})
	c.RegisterCallback(EventExperimentCompleted, func(events.Event) {
		observed = c.State()
		close(done)
	})

	require.True(t, c.Start(0, ""))
	waitDone(t, done)

	assert.False(t, observed.IsRunning)
	assert.False(t, observed.StopAfterStep)
	assert.False(t, observed.StopAfterSlice)
	assert.False(t, observed.StopNow)
}

func TestStopRequestFromInsideStateChangedCallback(t *testing.T) {
	c := newTestController(testPipeline(10, "image"), instantExecutor{})
	log := &eventLog{}
	log.attach(c)
	done := terminated(c)

	// Requesting a stop from a run-goroutine callback must not deadlock.
	c.RegisterCallback(EventStateChanged, func(events.Event) {
		c.RequestStopAfterStep()
	})

	require.True(t, c.Start(0, ""))
	waitDone(t, done)

	assert.Equal(t, 1, log.count(EventExperimentStopped))
}

func TestFrequency_StepSkippedOnOffSlices(t *testing.T) {
	pl := testPipeline(4, "image", "eds")
	pl.Steps[1].Parameters["frequency"] = 2
	exec := newGateExecutor()
	c := newTestController(pl, exec)
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	// "eds" runs on slices 0 and 2 only; "image" runs on all four.
	for i := 0; i < 6; i++ {
		waitStarted(t, exec)
		exec.release <- nil
	}
	waitDone(t, done)

	assert.Equal(t, []stepCall{
		{0, "image"}, {0, "eds"},
		{1, "image"},
		{2, "image"}, {2, "eds"},
		{3, "image"},
	}, exec.recorded())
}

func TestRecorder_SeesSliceTimesAndOutcome(t *testing.T) {
	rec := &fakeRecorder{}
	c := NewController(instantExecutor{}, &stubStore{pl: testPipeline(3, "image")}, &stubValidator{ok: true}, rec)
	c.SetConfigPath("experiment.yml")
	done := terminated(c)

	require.True(t, c.Start(0, ""))
	waitDone(t, done)

	started, slices, finished, _ := rec.snapshot()
	assert.Len(t, started, 1)
	assert.Equal(t, []int{0, 1, 2}, slices)
	assert.Equal(t, []RunOutcome{OutcomeCompleted}, finished)
}

func TestQueryState_SafeWhileRunning(t *testing.T) {
	c := newTestController(testPipeline(20, "align", "image"), instantExecutor{})
	done := terminated(c)

	require.True(t, c.Start(0, ""))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := c.State()
				// Invariant: a non-running snapshot never carries stop flags.
				if !s.IsRunning {
					assert.False(t, s.StopNow)
					assert.False(t, s.StopAfterStep)
					assert.False(t, s.StopAfterSlice)
				}
			}
		}()
	}
	wg.Wait()
	waitDone(t, done)
}

func indexOf(names []string, name string) int {
	for i, got := range names {
		if got == name {
			return i
		}
	}
	return -1
}
