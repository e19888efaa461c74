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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/overlaysync/pkg/logging"
	"github.com/AleutianAI/overlaysync/services/overlay/config"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string // overrides logging.level when set

	rootCmd = &cobra.Command{
		Use:   "overlaysync",
		Short: "Sync unsaved editor buffers to a Dart analysis server",
		Long: `overlaysync mirrors open editor documents into a Dart analysis server
as content overlays, and serves the folding regions the server reports
back to editors over HTTP and websockets.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis server and the editor bridge",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay a JSONL file of editor messages",
		Long: `Replays editor messages (one bridge message per line) through the
overlay pipeline. With --dry-run no analysis server is started and every
request that would be sent is printed as a JSON line instead.`,
		Args: cobra.NoArgs,
		RunE: runReplayCommand, // Defined in cmd_replay.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the overlaysync version",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in cmd_version.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	replayCmd.Flags().StringVarP(&replayEvents, "events", "e", "",
		"JSONL file of editor messages, - for stdin")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false,
		"Print analysis requests instead of starting a server")
	replayCmd.Flags().DurationVar(&replaySettle, "settle", 0,
		"Wait before each folding query so server notifications can arrive")
	_ = replayCmd.MarkFlagRequired("events")

	rootCmd.AddCommand(serveCmd, replayCmd, versionCmd)
}

// loadConfig reads --config and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Level),
		LogDir:  cfg.Dir,
		Service: "overlaysync",
		JSON:    logging.UseJSON(cfg.Format),
	})
}
