// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor is the editor-side event source: open documents and the
// lifecycle notifications raised when they are opened, changed, or closed.
//
// All notifications are raised on one goroutine, the Loop, so handlers run
// one at a time and observe events in the order they happened.
package editor

import (
	"sync"

	"github.com/AleutianAI/overlaysync/services/overlay/document"
)

// ChangeEvent reports content changes to an open document.
//
// Document already reflects every change in ContentChanges. A ChangeEvent
// with no content changes reports a metadata-only update (e.g. version or
// dirty state).
type ChangeEvent struct {
	Document       document.Document
	ContentChanges []document.ContentChange
}

// Subscription is returned by event registration. Dispose unregisters the
// handler; calling it more than once is harmless.
type Subscription interface {
	Dispose()
}

// Source raises document lifecycle notifications.
type Source interface {
	OnDidOpen(func(document.Document)) Subscription
	OnDidChange(func(ChangeEvent)) Subscription
	OnDidClose(func(document.Document)) Subscription

	// Documents returns the currently open documents.
	Documents() []document.Document
}

// =============================================================================
// HANDLER LISTS
// =============================================================================

// handlers is an ordered handler registry.
type handlers[E any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[E]
}

type handlerEntry[E any] struct {
	id int
	fn func(E)
}

func (h *handlers[E]) add(fn func(E)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, handlerEntry[E]{id: id, fn: fn})
	return &subscription{dispose: func() { h.remove(id) }}
}

func (h *handlers[E]) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			return
		}
	}
}

// emit calls every handler registered at the time of the call, in
// registration order.
func (h *handlers[E]) emit(event E) {
	h.mu.Lock()
	snapshot := make([]handlerEntry[E], len(h.entries))
	copy(snapshot, h.entries)
	h.mu.Unlock()

	for _, e := range snapshot {
		e.fn(event)
	}
}

func (h *handlers[E]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

type subscription struct {
	once    sync.Once
	dispose func()
}

func (s *subscription) Dispose() {
	s.once.Do(s.dispose)
}
