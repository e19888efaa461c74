// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

// PathIdentifier maps a server-reported path to a file identity.
// *identity.Resolver implements it.
type PathIdentifier interface {
	FromPath(p string) (identity.FileID, error)
}

// Tracker fills the cache from analysis.folding notifications and keeps
// the server's FOLDING subscription equal to the set of open files.
//
// Description:
//
//	Register HandleNotification with the analysis server and the tracker
//	itself as a synchronizer observer. Each Opened or Closed call that
//	changes the set sends the full sorted set through the subscriber, which
//	shares the overlay queue, so the subscription follows the Add overlay
//	that opened the file.
//
//	Closing a file does not evict its cache entry.
//
// Thread Safety:
//
//	Safe for concurrent use. Notifications arrive on the server's read
//	goroutine while Opened and Closed run on the editor loop.
type Tracker struct {
	store  Writer
	subs   analysis.Subscriber
	ids    PathIdentifier
	logger *slog.Logger

	mu   sync.Mutex
	open map[identity.FileID]struct{}
}

// NewTracker creates a tracker. logger may be nil.
func NewTracker(store Writer, subs analysis.Subscriber, ids PathIdentifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		subs:   subs,
		ids:    ids,
		logger: logger,
		open:   make(map[identity.FileID]struct{}),
	}
}

// HandleNotification consumes one server notification. It matches
// analysis.NotificationHandler.
func (t *Tracker) HandleNotification(method string, params json.RawMessage) {
	if method != analysis.NotificationFolding {
		return
	}

	var n analysis.FoldingNotification
	if err := json.Unmarshal(params, &n); err != nil {
		recordUpdate("invalid")
		t.logger.Warn("Ignoring malformed folding notification",
			slog.String("error", err.Error()),
		)
		return
	}
	id, err := t.ids.FromPath(n.File)
	if err != nil {
		recordUpdate("invalid")
		t.logger.Debug("Ignoring folding notification for unresolvable path",
			slog.String("file", n.File),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := t.store.Put(context.Background(), id, n.Regions); err != nil {
		recordUpdate("error")
		t.logger.Warn("Failed to store folding regions",
			slog.String("file", string(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	recordUpdate("stored")
	t.logger.Debug("Stored folding regions",
		slog.String("file", string(id)),
		slog.Int("regions", len(n.Regions)),
	)
}

// Opened adds id to the subscription set.
func (t *Tracker) Opened(id identity.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; ok {
		return
	}
	t.open[id] = struct{}{}
	recordTracked(1)
	t.sendLocked()
}

// Closed removes id from the subscription set.
func (t *Tracker) Closed(id identity.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; !ok {
		return
	}
	delete(t.open, id)
	recordTracked(-1)
	t.sendLocked()
}

// Resubscribe resends the current set, e.g. after the server restarted.
func (t *Tracker) Resubscribe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendLocked()
}

// Files returns the tracked files in sorted order.
func (t *Tracker) Files() []identity.FileID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

func (t *Tracker) sortedLocked() []identity.FileID {
	files := make([]identity.FileID, 0, len(t.open))
	for id := range t.open {
		files = append(files, id)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })
	return files
}

// sendLocked runs under t.mu so concurrent Opened and Closed calls enqueue
// their sets in the same order they changed the set.
func (t *Tracker) sendLocked() {
	t.subs.SetSubscriptions(map[analysis.AnalysisService][]identity.FileID{
		analysis.ServiceFolding: t.sortedLocked(),
	})
}
