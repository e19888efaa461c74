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
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/overlaysync/services/overlay/document"
)

// Sentinel errors for workspace operations.
var (
	// ErrAlreadyOpen indicates Open for a URI that is already open.
	ErrAlreadyOpen = errors.New("document already open")

	// ErrNotOpen indicates Change or Close for a URI that is not open.
	ErrNotOpen = errors.New("document not open")
)

// Workspace holds the open documents and raises lifecycle notifications.
//
// Description:
//
//	Open, Change and Close mutate the document store first and then notify
//	handlers synchronously, in registration order. Handlers therefore see
//	the document state that results from the event, the same way an editor
//	reports a change after applying it.
//
// Thread Safety:
//
//	Not safe for concurrent use. Call every method from the Loop.
type Workspace struct {
	docs   map[document.URI]*document.TextDocument
	logger *slog.Logger

	opened  handlers[document.Document]
	changed handlers[ChangeEvent]
	closed  handlers[document.Document]
}

// NewWorkspace creates an empty workspace.
func NewWorkspace(logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		docs:   make(map[document.URI]*document.TextDocument),
		logger: logger,
	}
}

// OnDidOpen registers a handler for opened documents.
func (w *Workspace) OnDidOpen(fn func(document.Document)) Subscription {
	return w.opened.add(fn)
}

// OnDidChange registers a handler for document changes.
func (w *Workspace) OnDidChange(fn func(ChangeEvent)) Subscription {
	return w.changed.add(fn)
}

// OnDidClose registers a handler for closed documents.
func (w *Workspace) OnDidClose(fn func(document.Document)) Subscription {
	return w.closed.add(fn)
}

// Open adds a document and notifies open handlers.
func (w *Workspace) Open(uri document.URI, languageID string, version int, text string) (document.Document, error) {
	if _, ok := w.docs[uri]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, uri)
	}
	doc := document.New(uri, languageID, version, text)
	w.docs[uri] = doc

	w.logger.Debug("Document opened",
		slog.String("uri", string(uri)),
		slog.Int("version", version),
	)
	w.opened.emit(doc)
	return doc, nil
}

// Change applies content changes in order and notifies change handlers.
//
// Description:
//
//	If a change fails to apply, the changes before it remain applied and
//	handlers are notified of exactly those, so listeners never diverge from
//	the stored content. The error is returned after notification.
func (w *Workspace) Change(uri document.URI, version int, changes []document.ContentChange) error {
	doc, ok := w.docs[uri]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, uri)
	}

	applied := 0
	var applyErr error
	for _, change := range changes {
		if err := doc.Apply(change); err != nil {
			applyErr = fmt.Errorf("apply change %d to %s: %w", applied, uri, err)
			break
		}
		applied++
	}
	if applyErr == nil {
		_ = doc.Update(version, nil)
	}

	if applyErr == nil || applied > 0 {
		w.changed.emit(ChangeEvent{Document: doc, ContentChanges: changes[:applied]})
	}
	return applyErr
}

// Close removes a document and notifies close handlers.
func (w *Workspace) Close(uri document.URI) error {
	doc, ok := w.docs[uri]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, uri)
	}
	delete(w.docs, uri)

	w.logger.Debug("Document closed", slog.String("uri", string(uri)))
	w.closed.emit(doc)
	return nil
}

// Get returns an open document.
func (w *Workspace) Get(uri document.URI) (document.Document, bool) {
	doc, ok := w.docs[uri]
	if !ok {
		return nil, false
	}
	return doc, true
}

// Documents returns the open documents sorted by URI.
func (w *Workspace) Documents() []document.Document {
	uris := make([]document.URI, 0, len(w.docs))
	for uri := range w.docs {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })

	docs := make([]document.Document, len(uris))
	for i, uri := range uris {
		docs[i] = w.docs[uri]
	}
	return docs
}

// Len returns the number of open documents.
func (w *Workspace) Len() int {
	return len(w.docs)
}

// Listeners returns the number of registered handlers, for diagnostics.
func (w *Workspace) Listeners() int {
	return w.opened.len() + w.changed.len() + w.closed.len()
}
