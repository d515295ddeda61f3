// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config log.levels keys.
// These keep logger names consistent across the codebase.

// GetRunnerLogger returns a logger for the experiment runner.
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}

// GetEditorLogger returns a logger for the pipeline editor.
func GetEditorLogger() zerolog.Logger {
	return GetLogger("editor")
}

// GetEventsLogger returns a logger for the notification hub.
func GetEventsLogger() zerolog.Logger {
	return GetLogger("events")
}

// GetPipelineLogger returns a logger for pipeline document handling.
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetHistoryLogger returns a logger for the run history store.
func GetHistoryLogger() zerolog.Logger {
	return GetLogger("history")
}

// GetAPILogger returns a logger for API operations.
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
