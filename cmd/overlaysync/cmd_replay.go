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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/overlaysync/services/overlay"
	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/bridge"
	"github.com/AleutianAI/overlaysync/services/overlay/config"
)

var (
	replayEvents string
	replayDryRun bool
	replaySettle time.Duration
)

// maxReplayLine caps one JSONL line; full-text opens can be large.
const maxReplayLine = 16 << 20

func runReplayCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	defer logger.Close()

	var in io.Reader = cmd.InOrStdin()
	if replayEvents != "-" {
		f, err := os.Open(replayEvents)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	return replay(ctx, replayOptions{
		Config: cfg,
		In:     in,
		Out:    cmd.OutOrStdout(),
		DryRun: replayDryRun,
		Settle: replaySettle,
		Logger: logger.Slog(),
	})
}

type replayOptions struct {
	Config config.Config
	In     io.Reader
	Out    io.Writer
	DryRun bool
	Settle time.Duration
	Logger *slog.Logger
}

// replay feeds every message in opts.In to a fresh service and writes
// replies (and, on a dry run, the recorded analysis requests) to opts.Out.
// Rejected messages produce an error reply and do not stop the replay.
func replay(ctx context.Context, opts replayOptions) error {
	svcOpts := overlay.Options{Config: opts.Config, Logger: opts.Logger}
	if opts.DryRun {
		svcOpts.Sink = analysis.NewRecorder(opts.Out)
	}
	svc, err := overlay.New(svcOpts)
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	// Handle must not wait on a loop that Run never started.
	handleCtx, stopHandles := context.WithCancel(ctx)
	defer stopHandles()
	runErr := make(chan error, 1)
	go func() {
		runErr <- svc.Run(runCtx)
		stopHandles()
	}()

	enc := json.NewEncoder(opts.Out)
	d := svc.Dispatcher()
	sc := bufio.NewScanner(opts.In)
	sc.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	var (
		line     int
		rejected int
		readErr  error
	)
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var msg bridge.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			readErr = fmt.Errorf("line %d: %w", line, err)
			break
		}

		if msg.Type == bridge.TypeFolding && opts.Settle > 0 && !opts.DryRun {
			select {
			case <-time.After(opts.Settle):
			case <-handleCtx.Done():
			}
		}

		reply, err := d.Handle(handleCtx, msg)
		if handleCtx.Err() != nil {
			break
		}
		if err != nil {
			rejected++
			reply = &bridge.Reply{Type: bridge.TypeError, RequestID: msg.RequestID, URI: msg.URI, Error: err.Error()}
		}
		if reply != nil {
			if err := enc.Encode(reply); err != nil {
				readErr = fmt.Errorf("write reply: %w", err)
				break
			}
		}
	}
	if readErr == nil {
		readErr = sc.Err()
	}

	stopRun()
	err = <-runErr
	if rec, ok := svcOpts.Sink.(*analysis.Recorder); ok && err == nil {
		err = rec.Err()
	}
	if rejected > 0 {
		opts.Logger.Warn("Replay rejected messages", slog.Int("rejected", rejected), slog.Int("lines", line))
	}
	return errors.Join(readErr, err)
}
