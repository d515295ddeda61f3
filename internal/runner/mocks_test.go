// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"sync"
	"time"

	"github.com/slicewise/slicewise/internal/pipeline"
)

// stubStore serves a fixed in-memory pipeline regardless of path.
type stubStore struct {
	pl  *pipeline.Pipeline
	err error
}

func (s *stubStore) Load(string) (*pipeline.Pipeline, error) {
	if s.err != nil {
		return nil, s.err
	}
	// Hand out a copy so the run never aliases the stub's document.
	cp := *s.pl
	return &cp, nil
}

func (s *stubStore) Save(string, *pipeline.Pipeline) error { return nil }

// stubValidator returns a fixed verdict.
type stubValidator struct {
	ok  bool
	msg string
}

func (v *stubValidator) Validate(*pipeline.Pipeline) (bool, string) { return v.ok, v.msg }

// instantExecutor completes every step immediately.
type instantExecutor struct{}

func (instantExecutor) Execute(context.Context, int, string) error { return nil }

// stepCall is one recorded Execute invocation.
type stepCall struct {
	slice int
	step  string
}

// gateExecutor blocks each Execute until the test releases it, so tests can
// inject stop requests while a step is in flight.
type gateExecutor struct {
	started chan stepCall
	release chan error
	mu      sync.Mutex
	calls   []stepCall
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{
		started: make(chan stepCall, 64),
		release: make(chan error, 64),
	}
}

func (e *gateExecutor) Execute(ctx context.Context, slice int, step string) error {
	call := stepCall{slice: slice, step: step}
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	e.started <- call
	return <-e.release
}

func (e *gateExecutor) recorded() []stepCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]stepCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// fakeRecorder captures run lifecycle notifications.
type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	slices   []int
	finished []RunOutcome
	final    StoppedPayload
}

func (r *fakeRecorder) RunStarted(runID, _ string, _ int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
}

func (r *fakeRecorder) SliceCompleted(_ string, sliceIndex int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slices = append(r.slices, sliceIndex)
}

func (r *fakeRecorder) RunFinished(_ string, outcome RunOutcome, finalSlice int, finalStep, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, outcome)
	r.final = StoppedPayload{FinalSlice: finalSlice, FinalStep: finalStep}
}

func (r *fakeRecorder) snapshot() ([]string, []int, []RunOutcome, StoppedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...),
		append([]int(nil), r.slices...),
		append([]RunOutcome(nil), r.finished...),
		r.final
}

// cancelableExecutor honors run-context cancellation: Execute blocks until
// the context is cancelled and returns ctx.Err(), like hardware calls that
// support an abort.
type cancelableExecutor struct {
	started chan stepCall
}

func newCancelableExecutor() *cancelableExecutor {
	return &cancelableExecutor{started: make(chan stepCall, 64)}
}

func (e *cancelableExecutor) Execute(ctx context.Context, slice int, step string) error {
	e.started <- stepCall{slice: slice, step: step}
	<-ctx.Done()
	return ctx.Err()
}
