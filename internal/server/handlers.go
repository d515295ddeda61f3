// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/slicewise/slicewise/internal/editor"
	"github.com/slicewise/slicewise/internal/history"
	"github.com/slicewise/slicewise/internal/pipeline"
	"github.com/slicewise/slicewise/internal/runner"
)

// Handlers holds dependencies for HTTP handlers. The editor controller is
// single-goroutine by contract, so every editor call goes through editMu;
// the runner controller needs no such guard.
type Handlers struct {
	run     *runner.Controller
	editMu  sync.Mutex
	edit    *editor.Controller
	history *history.Store // may be nil when history is disabled
}

// NewHandlers creates the handler set.
func NewHandlers(run *runner.Controller, edit *editor.Controller, hist *history.Store) *Handlers {
	return &Handlers{run: run, edit: edit, history: hist}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func stepIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step index")
		return 0, false
	}
	return idx, true
}

// --- run handlers ---

// GetRunState handles GET /api/v1/run
func (h *Handlers) GetRunState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.run.State())
}

// SetRunConfig handles PUT /api/v1/run/config
func (h *Handlers) SetRunConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	h.run.SetConfigPath(req.Path)
	writeJSON(w, http.StatusOK, map[string]string{"config_path": req.Path})
}

// StartRun handles POST /api/v1/run/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartingSlice int    `json:"starting_slice"`
		StartingStep  string `json:"starting_step"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.run.Start(req.StartingSlice, req.StartingStep) {
		// Detail reaches subscribers via the validation_failed event.
		writeError(w, http.StatusConflict, "experiment not started")
		return
	}
	writeJSON(w, http.StatusAccepted, h.run.State())
}

// StopRun handles POST /api/v1/run/stop
func (h *Handlers) StopRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Granularity string `json:"granularity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	switch runner.StopGranularity(req.Granularity) {
	case runner.StopAfterStep:
		h.run.RequestStopAfterStep()
	case runner.StopAfterSlice:
		h.run.RequestStopAfterSlice()
	case runner.StopNow:
		h.run.RequestStopNow()
	default:
		writeError(w, http.StatusBadRequest, "granularity must be one of: step, slice, now")
		return
	}
	writeJSON(w, http.StatusAccepted, h.run.State())
}

// --- pipeline editor handlers ---

// editorSnapshot is the REST representation of the editor's state.
type editorSnapshot struct {
	Pipeline   pipeline.Pipeline `json:"pipeline"`
	Selected   int               `json:"selected_index"`
	Validation string            `json:"validation"`
}

func (h *Handlers) snapshotLocked() editorSnapshot {
	return editorSnapshot{
		Pipeline:   h.edit.Pipeline(),
		Selected:   h.edit.SelectedIndex(),
		Validation: h.edit.Validation().String(),
	}
}

// GetPipeline handles GET /api/v1/pipeline
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	h.editMu.Lock()
	snap := h.snapshotLocked()
	h.editMu.Unlock()
	writeJSON(w, http.StatusOK, snap)
}

// NewPipeline handles POST /api/v1/pipeline/new
func (h *Handlers) NewPipeline(w http.ResponseWriter, r *http.Request) {
	h.editMu.Lock()
	h.edit.CreateNewPipeline()
	snap := h.snapshotLocked()
	h.editMu.Unlock()
	writeJSON(w, http.StatusOK, snap)
}

// LoadPipeline handles POST /api/v1/pipeline/load
func (h *Handlers) LoadPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	h.editMu.Lock()
	ok, msg := h.edit.LoadPipeline(req.Path)
	snap := h.snapshotLocked()
	h.editMu.Unlock()
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SavePipeline handles POST /api/v1/pipeline/save
func (h *Handlers) SavePipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	h.editMu.Lock()
	ok, msg := h.edit.SavePipeline(req.Path)
	h.editMu.Unlock()
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}

// AddStep handles POST /api/v1/pipeline/steps
func (h *Handlers) AddStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	stepType := pipeline.StepType(req.Type)
	if !pipeline.IsKnownStepType(stepType) {
		writeError(w, http.StatusBadRequest, "unknown step type: "+req.Type)
		return
	}
	h.editMu.Lock()
	step := h.edit.AddStep(stepType)
	selected := h.edit.SelectedIndex()
	h.editMu.Unlock()
	writeJSON(w, http.StatusCreated, editor.StepSelectedPayload{Index: selected, Step: step})
}

// UpdateStep handles PUT /api/v1/pipeline/steps/{index}
func (h *Handlers) UpdateStep(w http.ResponseWriter, r *http.Request) {
	idx, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Parameters map[string]any `json:"parameters"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if idx < 0 || idx >= h.edit.StepCount() {
		writeError(w, http.StatusNotFound, "step index out of range")
		return
	}
	h.edit.UpdateStepParameters(idx, req.Parameters)
	writeJSON(w, http.StatusOK, h.snapshotLocked())
}

// RemoveStep handles DELETE /api/v1/pipeline/steps/{index}
func (h *Handlers) RemoveStep(w http.ResponseWriter, r *http.Request) {
	idx, ok := stepIndex(w, r)
	if !ok {
		return
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if idx < 0 || idx >= h.edit.StepCount() {
		writeError(w, http.StatusNotFound, "step index out of range")
		return
	}
	h.edit.RemoveStep(idx)
	writeJSON(w, http.StatusOK, h.snapshotLocked())
}

// SelectStep handles POST /api/v1/pipeline/steps/{index}/select
func (h *Handlers) SelectStep(w http.ResponseWriter, r *http.Request) {
	idx, ok := stepIndex(w, r)
	if !ok {
		return
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if idx < 0 || idx >= h.edit.StepCount() {
		writeError(w, http.StatusNotFound, "step index out of range")
		return
	}
	h.edit.SelectStep(idx)
	writeJSON(w, http.StatusOK, h.snapshotLocked())
}

// MoveStep handles POST /api/v1/pipeline/steps/{index}/move
func (h *Handlers) MoveStep(w http.ResponseWriter, r *http.Request) {
	idx, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Direction int `json:"direction"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Direction != -1 && req.Direction != 1 {
		writeError(w, http.StatusBadRequest, "direction must be -1 or 1")
		return
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if idx < 0 || idx >= h.edit.StepCount() {
		writeError(w, http.StatusNotFound, "step index out of range")
		return
	}
	h.edit.MoveStep(idx, req.Direction)
	writeJSON(w, http.StatusOK, h.snapshotLocked())
}

// DuplicateStep handles POST /api/v1/pipeline/steps/{index}/duplicate
func (h *Handlers) DuplicateStep(w http.ResponseWriter, r *http.Request) {
	idx, ok := stepIndex(w, r)
	if !ok {
		return
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if idx < 0 || idx >= h.edit.StepCount() {
		writeError(w, http.StatusNotFound, "step index out of range")
		return
	}
	h.edit.DuplicateStep(idx)
	writeJSON(w, http.StatusCreated, h.snapshotLocked())
}

// RenameStep handles POST /api/v1/pipeline/steps/{index}/rename
func (h *Handlers) RenameStep(w http.ResponseWriter, r *http.Request) {
	idx, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if idx < 0 || idx >= h.edit.StepCount() {
		writeError(w, http.StatusNotFound, "step index out of range")
		return
	}
	h.edit.RenameStep(idx, req.Name)
	writeJSON(w, http.StatusOK, h.snapshotLocked())
}

// PipelineSummary handles GET /api/v1/pipeline/summary
func (h *Handlers) PipelineSummary(w http.ResponseWriter, r *http.Request) {
	h.editMu.Lock()
	summary := h.edit.Summary()
	h.editMu.Unlock()
	writeJSON(w, http.StatusOK, summary)
}

// ValidatePipeline handles POST /api/v1/pipeline/validate
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	h.editMu.Lock()
	ok, msg := h.edit.ValidateFull()
	state := h.edit.Validation().String()
	h.editMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"valid": ok, "message": msg, "validation": state})
}

// --- history handlers ---

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	const maxLimit = 500
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	runs, err := h.history.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	runID := chi.URLParam(r, "id")
	rec, err := h.history.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	times, err := h.history.SliceTimes(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec, "slice_times": times})
}
