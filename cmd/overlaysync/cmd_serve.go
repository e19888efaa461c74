// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/overlaysync/services/overlay"
	"github.com/AleutianAI/overlaysync/services/overlay/bridge"
	"github.com/AleutianAI/overlaysync/services/overlay/config"
	"github.com/AleutianAI/overlaysync/services/overlay/telemetry"
)

// runServe starts the overlay service and the editor bridge and runs until
// SIGINT or SIGTERM.
//
// # Description
//
// The analysis server, the editor bridge and (when --config is set) the
// config watcher run in one errgroup; the first to fail stops the others.
// Edits to the config file swap the analyzable rules in place. Other
// settings need a restart.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromConfig(cfg.Telemetry, buildVersion()))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := overlay.New(overlay.Options{Config: cfg, Logger: logger.Slog()})
	if err != nil {
		return err
	}
	srv := bridge.NewServer(bridge.Config{
		Listen:    cfg.Bridge.Listen,
		ReadLimit: cfg.Bridge.ReadLimit,
		Metrics:   telemetry.MetricsHandler(),
	}, svc.Dispatcher(), logger.Slog())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, config.DefaultDebounce, svc.ApplyConfig, logger.Slog())
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("watch config: %w", err)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	logger.Info("overlaysync started",
		slog.String("version", buildVersion()),
		slog.String("listen", cfg.Bridge.Listen),
		slog.String("server", cfg.Server.Command),
	)
	err = g.Wait()
	logger.Info("overlaysync stopped")
	return err
}
