// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact caches the derived artifacts the analysis server
// computes for each file, keyed by file identity.
//
// The cache is written from analysis notifications and read by projection
// queries. Entries are overwritten by fresh computations and never
// invalidated here; readers must treat them as possibly stale.
//
// Absent and empty are different answers. Get reports ok=false when nothing
// has been received for a file, and a non-nil empty slice when the server
// reported zero regions.
package artifact

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

// DefaultMemoryEntries is the default capacity of the memory tier.
const DefaultMemoryEntries = 1024

// Reader looks up cached folding regions.
type Reader interface {
	Get(ctx context.Context, id identity.FileID) ([]analysis.FoldingRegion, bool)
}

// Writer stores folding regions.
type Writer interface {
	Put(ctx context.Context, id identity.FileID, regions []analysis.FoldingRegion) error
	Delete(ctx context.Context, id identity.FileID) error
}

// Store is a readable and writable cache tier.
type Store interface {
	Reader
	Writer
}

// MemoryStore is a bounded LRU of folding regions.
//
// Thread Safety:
//
//	Safe for concurrent use.
type MemoryStore struct {
	cache *lru.Cache[identity.FileID, []analysis.FoldingRegion]
}

// NewMemoryStore creates a store holding at most size files.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	cache, err := lru.New[identity.FileID, []analysis.FoldingRegion](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

// Get returns a copy of the cached regions.
func (m *MemoryStore) Get(_ context.Context, id identity.FileID) ([]analysis.FoldingRegion, bool) {
	regions, ok := m.cache.Get(id)
	if !ok {
		return nil, false
	}
	return clone(regions), true
}

// Put overwrites the entry for id. A nil slice is stored as empty.
func (m *MemoryStore) Put(_ context.Context, id identity.FileID, regions []analysis.FoldingRegion) error {
	m.cache.Add(id, clone(regions))
	return nil
}

// Delete removes the entry for id.
func (m *MemoryStore) Delete(_ context.Context, id identity.FileID) error {
	m.cache.Remove(id)
	return nil
}

// Len returns the number of cached files.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}

// clone copies regions, never returning nil.
func clone(regions []analysis.FoldingRegion) []analysis.FoldingRegion {
	out := make([]analysis.FoldingRegion, len(regions))
	copy(out, regions)
	return out
}
