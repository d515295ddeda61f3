// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slicewise/slicewise/internal/config"
	"github.com/slicewise/slicewise/internal/editor"
	"github.com/slicewise/slicewise/internal/history"
	"github.com/slicewise/slicewise/internal/logger"
	"github.com/slicewise/slicewise/internal/pipeline"
	"github.com/slicewise/slicewise/internal/runner"
	"github.com/slicewise/slicewise/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting slicewise")

	store := pipeline.NewYAMLStore()
	validator := pipeline.NewStructuralValidator()

	hist, err := history.Open(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening run history store")
		fmt.Fprintf(os.Stderr, "Error opening run history store: %v\n", err)
		os.Exit(1)
	}
	defer hist.Close()

	executor := &runner.SimulatedExecutor{
		StepDelay:  cfg.Runner.SimStepDelay,
		FailAtStep: cfg.Runner.SimFailAtStep,
	}

	run := runner.NewController(executor, store, validator, hist)
	if cfg.Runner.ConfigPath != "" {
		run.SetConfigPath(cfg.Runner.ConfigPath)
	}

	edit := editor.NewController(store, validator, editor.Defaults{
		Version:          cfg.Pipeline.Version,
		TotalSlices:      cfg.Pipeline.TotalSlices,
		SliceThicknessUM: cfg.Pipeline.SliceThicknessUM,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(&cfg.Server, run, edit, hist)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Stop any in-flight run before tearing the server down, so its terminal
	// events still reach connected clients.
	run.RequestStopNow()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("slicewise shut down")
}
