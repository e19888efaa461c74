// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens the embedded BadgerDB behind the warm tier of the
// artifact cache and keeps its value log compacted.
//
// Folding artifacts written here survive a restart, so a reopened file gets
// folding ranges before the analysis server has recomputed them.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNilDB is returned when a nil handle is passed where a database is needed.
var ErrNilDB = errors.New("db must not be nil")

// maxGCPasses bounds the rewrites one GC tick may perform.
const maxGCPasses = 8

// Config describes a database.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is the value-log GC period. Zero turns GC off.
	GCInterval time.Duration

	// GCDiscardRatio is the fraction of stale data a value-log file needs
	// before it is rewritten.
	GCDiscardRatio float64
}

// DefaultConfig returns on-disk defaults. Writes are not fsynced: a lost
// artifact is recomputed by the analysis server.
func DefaultConfig() Config {
	return Config{GCInterval: 5 * time.Minute, GCDiscardRatio: 0.5}
}

// DB is an open database.
//
// Thread Safety:
//
//	Safe for concurrent use.
type DB struct {
	*badger.DB

	path     string
	inMemory bool

	stopGC context.CancelFunc
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database described by cfg and starts value-log
// GC when an interval is set.
func Open(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: raw, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.InMemory {
		db.path = ""
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
			_ = raw.Close()
			return nil, fmt.Errorf("gc discard ratio %v outside (0, 1)", cfg.GCDiscardRatio)
		}
		db.startGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return db, nil
}

// OpenInMemory opens a throwaway database for tests and dry runs.
func OpenInMemory() (*DB, error) {
	return Open(Config{InMemory: true})
}

func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return opts, errors.New("path is required for persistent database")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger == nil {
		return opts.WithLogger(nil), nil
	}
	return opts.WithLogger(slogAdapter{cfg.Logger}), nil
}

// slogAdapter routes badger's printf-style logging into slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Errorf(f string, v ...interface{})   { a.log(slog.LevelError, f, v) }
func (a slogAdapter) Warningf(f string, v ...interface{}) { a.log(slog.LevelWarn, f, v) }
func (a slogAdapter) Infof(f string, v ...interface{})    { a.log(slog.LevelInfo, f, v) }
func (a slogAdapter) Debugf(f string, v ...interface{})   { a.log(slog.LevelDebug, f, v) }

func (a slogAdapter) log(level slog.Level, f string, v []interface{}) {
	a.l.Log(context.Background(), level, fmt.Sprintf(f, v...))
}

// startGC runs value-log GC every interval until Close.
func (d *DB) startGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopGC = cancel
	d.gcDone = make(chan struct{})

	go func() {
		defer close(d.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := collect(ctx, d.DB, ratio)
			if logger == nil {
				continue
			}
			if err != nil {
				logger.Warn("Badger value log GC failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Debug("Badger value log GC", slog.Int("rewritten", n))
			}
		}
	}()
}

// collect rewrites value-log files until badger reports nothing left to
// reclaim. It returns how many files were rewritten.
func collect(ctx context.Context, db *badger.DB, ratio float64) (int, error) {
	if db == nil {
		return 0, ErrNilDB
	}
	n := 0
	for n < maxGCPasses && ctx.Err() == nil {
		err := db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close stops GC and closes the database. Later calls return the first
// result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			d.stopGC()
			<-d.gcDone
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path is the data directory, empty for in-memory databases.
func (d *DB) Path() string { return d.path }

func (d *DB) InMemory() bool { return d.inMemory }

// WithTxn runs fn in a read-write transaction, committing when fn returns
// nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DB.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DB.View(fn)
}

// CountPrefix counts keys under prefix without loading values.
func (d *DB) CountPrefix(ctx context.Context, prefix []byte) (int, error) {
	n := 0
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if n%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			n++
		}
		return nil
	})
	return n, err
}
