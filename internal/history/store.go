// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/slicewise/slicewise/internal/config"
	"github.com/slicewise/slicewise/internal/logger"
	"github.com/slicewise/slicewise/internal/runner"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetHistoryLogger()
		log = &l
	})
	return log
}

// Store wraps the GORM connection for run history. It implements
// runner.RunRecorder; recording failures are logged, never surfaced into the
// run loop.
type Store struct {
	db *gorm.DB
}

// Open connects to the run-history database and migrates the schema.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&RunRecord{}, &SliceTime{}); err != nil {
		return nil, fmt.Errorf("failed to migrate run history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunStarted implements runner.RunRecorder.
func (s *Store) RunStarted(runID, configPath string, startSlice int, startStep string) {
	rec := RunRecord{
		ID:         runID,
		ConfigPath: configPath,
		StartSlice: startSlice,
		StartStep:  startStep,
		Outcome:    "running",
		StartedAt:  time.Now().UTC(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		getLog().Error().Err(err).Str("run_id", runID).Msg("Failed to record run start")
	}
}

// SliceCompleted implements runner.RunRecorder.
func (s *Store) SliceCompleted(runID string, sliceIndex int, duration time.Duration) {
	row := SliceTime{
		RunID:      runID,
		SliceIndex: sliceIndex,
		DurationMS: duration.Milliseconds(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		getLog().Error().Err(err).Str("run_id", runID).Int("slice", sliceIndex).Msg("Failed to record slice time")
	}
}

// RunFinished implements runner.RunRecorder.
func (s *Store) RunFinished(runID string, outcome runner.RunOutcome, finalSlice int, finalStep, message string) {
	now := time.Now().UTC()
	updates := map[string]any{
		"outcome":     string(outcome),
		"final_slice": finalSlice,
		"final_step":  finalStep,
		"message":     message,
		"ended_at":    &now,
	}
	if err := s.db.Model(&RunRecord{}).Where("id = ?", runID).Updates(updates).Error; err != nil {
		getLog().Error().Err(err).Str("run_id", runID).Msg("Failed to record run finish")
	}
}

// ListRuns returns run records, newest first, up to limit.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []RunRecord
	err := s.db.Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run record by ID.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := s.db.First(&rec, "id = ?", runID).Error; err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &rec, nil
}

// SliceTimes returns the recorded slice durations for a run in slice order.
func (s *Store) SliceTimes(runID string) ([]SliceTime, error) {
	var rows []SliceTime
	err := s.db.Where("run_id = ?", runID).Order("slice_index ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load slice times for run %s: %w", runID, err)
	}
	return rows, nil
}
