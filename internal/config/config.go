// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// DatabaseConfig holds run-history database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Database string `mapstructure:"database"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level         string            `mapstructure:"level"`
	Format        string            `mapstructure:"format"`
	Output        []LogOutputConfig `mapstructure:"output"`
	Levels        map[string]string `mapstructure:"levels"`
	IncludeCaller bool              `mapstructure:"include_caller"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ServerConfig holds status API server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development)
}

// RunnerConfig holds experiment runner configuration.
type RunnerConfig struct {
	ConfigPath    string        `mapstructure:"config_path"`    // Default pipeline document for the next start
	SimStepDelay  time.Duration `mapstructure:"sim_step_delay"` // Per-step delay of the simulated executor
	SimFailAtStep string        `mapstructure:"sim_fail_at_step"`
}

// PipelineConfig holds defaults for newly authored pipeline documents.
type PipelineConfig struct {
	Version          float64 `mapstructure:"version"`
	TotalSlices      int     `mapstructure:"total_slices"`
	SliceThicknessUM float64 `mapstructure:"slice_thickness_um"`
}

// NewConfig creates a new AppConfig by reading from a file, environment
// variables, and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/slicewise/")
		v.AddConfigPath("$HOME/.slicewise")
	}

	v.SetEnvPrefix("SLICEWISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine: defaults plus env vars apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// More type-safe than viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "slicewise.db",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/slicewise.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  50,
						MaxBackups: 5,
						MaxAgeDays: 14,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Runner: RunnerConfig{
			SimStepDelay: 50 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			Version:          1.0,
			TotalSlices:      100,
			SliceThicknessUM: 2.0,
		},
	}
}

func (c *AppConfig) expandPaths() {
	if c.Runner.ConfigPath != "" {
		c.Runner.ConfigPath = expandPath(c.Runner.ConfigPath)
	}
	if c.Database.Driver == "sqlite" && c.Database.Database != "" {
		c.Database.Database = expandPath(c.Database.Database)
	}
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
}

// expandPath expands ~ to the home directory and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Pipeline.TotalSlices <= 0 {
		return fmt.Errorf("pipeline.total_slices must be positive, got %d", c.Pipeline.TotalSlices)
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	default:
		return dc.Database
	}
}
