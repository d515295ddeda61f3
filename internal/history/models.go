// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history persists run records: one row per Start with its outcome,
// plus per-slice wall times for throughput analysis.
package history

import "time"

// RunRecord is one experiment run, from Start to its terminal event.
type RunRecord struct {
	ID         string     `gorm:"primaryKey;type:text" json:"id"`
	ConfigPath string     `gorm:"type:text" json:"config_path"`
	StartSlice int        `json:"start_slice"`
	StartStep  string     `gorm:"type:text" json:"start_step"`
	Outcome    string     `gorm:"type:text;index" json:"outcome"` // running | completed | stopped | failed
	FinalSlice int        `json:"final_slice"`
	FinalStep  string     `gorm:"type:text" json:"final_step"`
	Message    string     `gorm:"type:text" json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (RunRecord) TableName() string {
	return "run_records"
}

// SliceTime is the wall time of one fully completed slice within a run.
type SliceTime struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID      string `gorm:"type:text;index:idx_slice_times_run_slice" json:"run_id"`
	SliceIndex int    `gorm:"index:idx_slice_times_run_slice" json:"slice_index"`
	DurationMS int64  `json:"duration_ms"`
}

func (SliceTime) TableName() string {
	return "slice_times"
}
