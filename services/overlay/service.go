// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package overlay wires the overlay synchronizer, the analysis server, the
// artifact cache and the folding projection into one service.
//
//	editor ──► Workspace ──► Synchronizer ──► Client ──► analysis server
//	                │                                          │
//	                │                                 analysis.folding
//	                ▼                                          ▼
//	          folding.Provider ◄──────── artifact cache ◄── Tracker
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/analyzable"
	"github.com/AleutianAI/overlaysync/services/overlay/artifact"
	"github.com/AleutianAI/overlaysync/services/overlay/bridge"
	"github.com/AleutianAI/overlaysync/services/overlay/config"
	"github.com/AleutianAI/overlaysync/services/overlay/editor"
	"github.com/AleutianAI/overlaysync/services/overlay/folding"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
	badgerstore "github.com/AleutianAI/overlaysync/services/overlay/storage/badger"
	"github.com/AleutianAI/overlaysync/services/overlay/synchronizer"
)

// drainTimeout bounds how long shutdown waits for queued overlays.
const drainTimeout = 5 * time.Second

// Sink receives overlay batches and subscription sets.
// *analysis.Client and *analysis.Recorder implement it.
type Sink interface {
	analysis.Channel
	analysis.Subscriber
}

// Options configures a Service.
type Options struct {
	Config config.Config
	Logger *slog.Logger

	// Sink replaces the analysis server. No process is started when set.
	Sink Sink
}

// Service is the running overlay pipeline.
//
// Thread Safety:
//
//	Run must be called once. Dispatcher and ApplyConfig are safe to call
//	from any goroutine.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	loop       *editor.Loop
	workspace  *editor.Workspace
	predicate  *analyzable.Predicate
	resolver   *identity.Resolver
	cache      *artifact.Tiered
	db         *badgerstore.DB
	tracker    *artifact.Tracker
	syncer     *synchronizer.Synchronizer
	dispatcher *bridge.Dispatcher

	sink   Sink
	server *analysis.Server
	client *analysis.Client

	closeOnce sync.Once
	closeErr  error
}

// New builds the service without starting anything.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		loop:      editor.NewLoop(64, logger),
		workspace: editor.NewWorkspace(logger),
		predicate: analyzable.New(cfg.Analyzable),
	}

	var idOpts []identity.Option
	if fold, ok := cfg.Identity.Resolve(); ok {
		idOpts = append(idOpts, identity.WithCaseInsensitive(fold))
	}
	s.resolver = identity.NewResolver(idOpts...)

	if err := s.openCache(); err != nil {
		return nil, err
	}

	if opts.Sink != nil {
		s.sink = opts.Sink
	} else {
		s.server = analysis.NewServer(analysis.ServerConfig{
			Command:    cfg.Server.Command,
			Args:       cfg.Server.Args,
			Dir:        cfg.Server.Dir,
			MinVersion: cfg.Server.MinVersion,
			Stderr:     os.Stderr,
			Logger:     logger,
		})
		s.client = analysis.NewClient(s.server,
			analysis.WithLogger(logger),
			analysis.WithRequestTimeout(cfg.Server.RequestTimeout),
		)
		s.sink = s.client
	}

	s.tracker = artifact.NewTracker(s.cache, s.sink, s.resolver, logger)
	if s.server != nil {
		s.server.OnNotification(s.tracker.HandleNotification)
	}

	s.syncer = synchronizer.New(s.sink, s.predicate, s.resolver,
		synchronizer.WithLogger(logger),
		synchronizer.WithObserver(s.tracker),
	)
	// Run has not started the loop, so the workspace is not shared yet.
	if err := s.syncer.Attach(s.workspace); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("attach synchronizer: %w", err)
	}
	s.dispatcher = bridge.NewDispatcher(s.loop, s.workspace,
		folding.NewProvider(s.cache, s.resolver, logger), logger)
	return s, nil
}

func (s *Service) openCache() error {
	hot, err := artifact.NewMemoryStore(s.cfg.Cache.MemoryEntries)
	if err != nil {
		return err
	}
	if !s.cfg.Cache.Persist {
		s.cache = artifact.NewTiered(hot, nil, s.logger)
		return nil
	}

	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = s.cfg.Cache.Path
	dbCfg.GCInterval = s.cfg.Cache.GCInterval
	dbCfg.Logger = s.logger.With(slog.String("component", "badger"))
	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open artifact cache: %w", err)
	}
	warm, err := artifact.NewBadgerStore(db, s.logger)
	if err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	s.cache = artifact.NewTiered(hot, warm, s.logger)
	return nil
}

// Dispatcher returns the editor message entry point.
func (s *Service) Dispatcher() *bridge.Dispatcher {
	return s.dispatcher
}

// Cache returns the artifact cache.
func (s *Service) Cache() artifact.Store {
	return s.cache
}

// ApplyConfig applies the settings that can change at runtime. Documents
// already open are not re-evaluated against new analyzable rules.
func (s *Service) ApplyConfig(cfg config.Config) {
	s.predicate.SetRules(cfg.Analyzable)
	s.logger.Info("Analyzable rules updated",
		slog.Int("extensions", len(cfg.Analyzable.Extensions)),
		slog.Int("ignore", len(cfg.Analyzable.Ignore)),
	)
}

// Run starts the analysis server and the editor loop, and blocks until ctx
// ends or the server exits.
//
// Description:
//
//	On the way out the synchronizer is detached, queued overlays are
//	drained (bounded by drainTimeout) and the server is shut down. A
//	server that exits on its own makes Run return an error wrapping
//	analysis.ErrServerCrashed.
func (s *Service) Run(ctx context.Context) error {
	if s.server != nil {
		startCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.StartupTimeout)
		err := s.server.Start(startCtx)
		cancel()
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("start analysis server: %w", err)
		}
		s.logger.Info("Analysis server ready", slog.String("version", s.server.Version()))
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()

	var g errgroup.Group
	g.Go(func() error {
		err := s.loop.Run(loopCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if s.client != nil {
		g.Go(func() error {
			err := s.client.Run(clientCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	runErr := s.wait(ctx)

	_ = s.syncer.Close()
	s.loop.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if s.client != nil {
		if err := s.client.Close(drainCtx); err != nil {
			s.logger.Warn("Dropped queued overlays on shutdown",
				slog.Int("pending", s.client.Pending()),
			)
		}
		stopClient()
	}
	if s.server != nil {
		_ = s.server.Shutdown(drainCtx)
	}

	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Service) wait(ctx context.Context) error {
	var serverDone <-chan struct{}
	if s.server != nil {
		serverDone = s.server.Done()
	}
	select {
	case <-ctx.Done():
		return nil
	case <-serverDone:
		if err := s.server.Err(); err != nil {
			return err
		}
		return analysis.ErrServerCrashed
	}
}

// Close releases the cache database. Run calls it on the way out; call it
// directly only when Run is never called. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
