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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

var errWarmMiss = errors.New("warm tier miss")

// Tiered serves reads from a memory tier backed by an optional warm tier.
//
// Description:
//
//	Get checks the hot tier first. On a miss, concurrent loads of the same
//	file from the warm tier are collapsed into one, and a warm hit is
//	promoted into the hot tier. Writes go to both tiers.
//
//	A promotion is skipped when any Put or Delete happened while the warm
//	read was in flight, so a slow load never replaces newer regions in
//	the hot tier.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Tiered struct {
	hot    Store
	warm   Store
	logger *slog.Logger
	loads  singleflight.Group

	// mu orders hot-tier writes against promotions. gen counts writes.
	mu  sync.Mutex
	gen uint64
}

// NewTiered composes two tiers. warm may be nil.
func NewTiered(hot, warm Store, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{hot: hot, warm: warm, logger: logger}
}

func (t *Tiered) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// promote fills the hot tier with a warm hit read at generation since.
func (t *Tiered) promote(ctx context.Context, id identity.FileID, regions []analysis.FoldingRegion, since uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != since {
		return
	}
	if err := t.hot.Put(ctx, id, regions); err != nil {
		t.logger.Warn("Failed to promote folding regions",
			slog.String("file", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns the cached regions for id.
func (t *Tiered) Get(ctx context.Context, id identity.FileID) ([]analysis.FoldingRegion, bool) {
	if regions, ok := t.hot.Get(ctx, id); ok {
		recordLookup(ctx, tierHot)
		return regions, true
	}
	if t.warm == nil {
		recordLookup(ctx, tierMiss)
		return nil, false
	}

	v, err, _ := t.loads.Do(string(id), func() (interface{}, error) {
		// The load is shared, so one caller giving up must not fail the rest.
		loadCtx := context.WithoutCancel(ctx)
		since := t.generation()
		regions, ok := t.warm.Get(loadCtx, id)
		if !ok {
			return nil, errWarmMiss
		}
		t.promote(loadCtx, id, regions, since)
		return regions, nil
	})
	if err != nil {
		recordLookup(ctx, tierMiss)
		return nil, false
	}
	recordLookup(ctx, tierWarm)
	// Callers sharing one load must not share the slice.
	return clone(v.([]analysis.FoldingRegion)), true
}

// Put writes regions to every tier. The hot tier is written even when the
// warm tier fails.
func (t *Tiered) Put(ctx context.Context, id identity.FileID, regions []analysis.FoldingRegion) error {
	t.mu.Lock()
	t.gen++
	err := t.hot.Put(ctx, id, regions)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("hot tier put: %w", err)
	}
	if t.warm != nil {
		if err := t.warm.Put(ctx, id, regions); err != nil {
			return fmt.Errorf("warm tier put: %w", err)
		}
	}
	return nil
}

// Delete removes id from every tier.
func (t *Tiered) Delete(ctx context.Context, id identity.FileID) error {
	t.mu.Lock()
	t.gen++
	err := t.hot.Delete(ctx, id)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("hot tier delete: %w", err)
	}
	if t.warm != nil {
		if err := t.warm.Delete(ctx, id); err != nil {
			return fmt.Errorf("warm tier delete: %w", err)
		}
	}
	return nil
}
