// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synchronizer keeps the analysis server's file overlays in step
// with the editor's open documents.
//
// # Translation
//
//   - open: Add overlay with the full text
//   - change with one content change: Change overlay with one edit
//   - change with two or more content changes: Add overlay with the full text
//   - change with no content changes: nothing
//   - close: Remove overlay
//
// Documents rejected by the analyzable predicate never produce overlays.
//
// A multi-change event is resent as a snapshot because the document's
// offset function already reflects every change in the event. Translating
// each change would compute later offsets against content that includes the
// earlier changes, and the server would apply them to the wrong spans. Keep
// the fallback even if per-edit translation looks cheaper.
package synchronizer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/document"
	"github.com/AleutianAI/overlaysync/services/overlay/editor"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

// Predicate filters documents. *analyzable.Predicate implements it.
type Predicate interface {
	IsAnalyzable(doc document.Document) bool
}

// Identifier maps a document URI to a file identity. *identity.Resolver
// implements it.
type Identifier interface {
	FromURI(uri string) (identity.FileID, error)
}

// Observer learns which files the server holds overlays for. Opened is
// called after the Add overlay is submitted and Closed after the Remove, so
// anything the observer submits on the same channel is ordered after them.
type Observer interface {
	Opened(id identity.FileID)
	Closed(id identity.FileID)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithObserver registers an observer of open and close submissions.
func WithObserver(o Observer) Option {
	return func(s *Synchronizer) { s.observers = append(s.observers, o) }
}

// Synchronizer translates editor lifecycle events into overlay batches.
//
// Description:
//
//	Each handled event submits at most one single-file batch and never
//	waits for the server. Translation happens entirely before submission;
//	if reading the document panics (for example because it was disposed
//	underneath the handler) the event is dropped and nothing is submitted.
//
// Thread Safety:
//
//	Event handlers must run on one goroutine (the editor loop). Close is
//	safe to call from any goroutine.
type Synchronizer struct {
	channel   analysis.Channel
	predicate Predicate
	ids       Identifier
	logger    *slog.Logger
	observers []Observer

	mu     sync.Mutex
	subs   []editor.Subscription
	closed bool
}

// New creates a synchronizer. It does nothing until Attach is called.
func New(channel analysis.Channel, predicate Predicate, ids Identifier, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		channel:   channel,
		predicate: predicate,
		ids:       ids,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes to source and synchronizes the documents it already
// has open.
//
// Description:
//
//	Handlers are registered before the open documents are replayed. On the
//	editor loop no event can arrive in between, so every analyzable
//	document gets exactly one Add before any Change or Remove.
//
// Errors:
//
//	Returns an error if the synchronizer was closed or is already attached.
func (s *Synchronizer) Attach(source editor.Source) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer closed")
	}
	if len(s.subs) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer already attached")
	}
	s.subs = append(s.subs,
		source.OnDidOpen(s.handleOpen),
		source.OnDidChange(s.handleChange),
		source.OnDidClose(s.handleClose),
	)
	s.mu.Unlock()

	for _, doc := range source.Documents() {
		s.handleOpen(doc)
	}
	return nil
}

// Close unsubscribes from the editor. It does not submit Remove overlays
// for documents that are still open.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
	return nil
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (s *Synchronizer) handleOpen(doc document.Document) {
	defer s.recoverEvent(eventOpen, doc)

	id, ok := s.identify(eventOpen, doc)
	if !ok {
		return
	}
	batch := map[identity.FileID]analysis.Overlay{
		id: analysis.AddOverlay(doc.Text()),
	}
	s.submit(eventOpen, outcomeAdd, batch)
	for _, o := range s.observers {
		o.Opened(id)
	}
}

func (s *Synchronizer) handleChange(e editor.ChangeEvent) {
	defer s.recoverEvent(eventChange, e.Document)

	id, ok := s.identify(eventChange, e.Document)
	if !ok {
		return
	}

	var overlay analysis.Overlay
	switch n := len(e.ContentChanges); {
	case n == 0:
		recordEvent(eventChange, outcomeEmpty)
		return
	case n == 1 && e.ContentChanges[0].Range != nil:
		overlay = analysis.ChangeOverlay(convertChange(e.Document, e.ContentChanges[0]))
		s.submit(eventChange, outcomeChange, map[identity.FileID]analysis.Overlay{id: overlay})
	default:
		// Several changes, or one rangeless change that replaces everything.
		s.logger.Debug("Resending full content",
			slog.String("file", string(id)),
			slog.Int("changes", n),
		)
		overlay = analysis.AddOverlay(e.Document.Text())
		s.submit(eventChange, outcomeFallback, map[identity.FileID]analysis.Overlay{id: overlay})
	}
}

func (s *Synchronizer) handleClose(doc document.Document) {
	defer s.recoverEvent(eventClose, doc)

	id, ok := s.identify(eventClose, doc)
	if !ok {
		return
	}
	batch := map[identity.FileID]analysis.Overlay{
		id: analysis.RemoveOverlay(),
	}
	s.submit(eventClose, outcomeRemove, batch)
	for _, o := range s.observers {
		o.Closed(id)
	}
}

// convertChange maps one editor change to a server edit. The start offset
// is computed with the document's current offset function; content before
// the change start is unaffected by the change itself, so this equals the
// offset in the pre-change content.
func convertChange(doc document.Document, change document.ContentChange) analysis.SourceEdit {
	return analysis.SourceEdit{
		Offset:      doc.OffsetAt(change.Range.Start),
		Length:      change.RangeLength,
		Replacement: change.Text,
		ID:          "",
	}
}

// identify applies the analyzable predicate and resolves the file identity.
func (s *Synchronizer) identify(event string, doc document.Document) (identity.FileID, bool) {
	if doc == nil || !s.predicate.IsAnalyzable(doc) {
		recordEvent(event, outcomeFiltered)
		return "", false
	}
	id, err := s.ids.FromURI(string(doc.URI()))
	if err != nil {
		recordEvent(event, outcomeFiltered)
		s.logger.Debug("Skipping document without file identity",
			slog.String("uri", string(doc.URI())),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return id, true
}

func (s *Synchronizer) submit(event, outcome string, batch map[identity.FileID]analysis.Overlay) {
	s.channel.SubmitOverlayBatch(batch)
	recordEvent(event, outcome)
}

// recoverEvent drops an event whose translation panicked.
func (s *Synchronizer) recoverEvent(event string, doc document.Document) {
	r := recover()
	if r == nil {
		return
	}
	recordEvent(event, outcomeDropped)

	uri := "<nil>"
	if doc != nil {
		func() {
			defer func() { _ = recover() }()
			uri = string(doc.URI())
		}()
	}
	s.logger.Warn("Dropping editor event",
		slog.String("event", event),
		slog.String("uri", uri),
		slog.String("panic", fmt.Sprint(r)),
	)
}
