// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sentinel errors for the editor loop.
var (
	// ErrLoopStopped indicates work submitted after the loop stopped.
	ErrLoopStopped = errors.New("editor loop stopped")

	// ErrTaskPanicked indicates a task panicked; the loop keeps running.
	ErrTaskPanicked = errors.New("editor task panicked")
)

type task struct {
	fn   func()
	done chan error
}

// Loop runs tasks one at a time on a single goroutine.
//
// Description:
//
//	Every workspace mutation and every folding query runs on the loop, so
//	document state never changes underneath a handler and events are
//	delivered in the order they were submitted. This is the cooperative
//	single-threaded model the synchronizer relies on.
//
// Thread Safety:
//
//	Do is safe for concurrent use. Run must be called once.
type Loop struct {
	tasks  chan task
	stop   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewLoop creates a loop. buffer bounds how many tasks may wait before Do
// blocks its caller.
func NewLoop(buffer int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Loop{
		tasks:  make(chan task, buffer),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes tasks until ctx ends or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case t := <-l.tasks:
			t.done <- l.execute(t.fn)
		}
	}
}

func (l *Loop) execute(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Editor task panicked", slog.String("panic", fmt.Sprint(r)))
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	fn()
	return nil
}

// Do runs fn on the loop and waits for it to finish.
//
// Description:
//
//	If ctx ends first, Do returns ctx.Err(). A task that was already
//	accepted still runs to completion; only the caller stops waiting.
//
// Errors:
//
//	ErrLoopStopped - The loop was stopped
//	ErrTaskPanicked - fn panicked
func (l *Loop) Do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrLoopStopped
	case l.tasks <- t:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		// The task may have been accepted but never executed.
		select {
		case err := <-t.done:
			return err
		default:
			return ErrLoopStopped
		}
	case err := <-t.done:
		return err
	}
}

// Stop ends Run. Tasks still queued are not executed.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}
