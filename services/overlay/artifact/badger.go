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
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
	badgerstore "github.com/AleutianAI/overlaysync/services/overlay/storage/badger"
)

// foldingPrefix namespaces folding entries in the database.
const foldingPrefix = "folding/"

// BadgerStore persists folding regions in BadgerDB as JSON.
//
// Description:
//
//	Read errors are logged and reported as absent; a projection query
//	never fails because the warm tier is unhealthy.
//
// Thread Safety:
//
//	Safe for concurrent use.
type BadgerStore struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewBadgerStore creates a store over an open database. The caller owns db.
func NewBadgerStore(db *badgerstore.DB, logger *slog.Logger) (*BadgerStore, error) {
	if db == nil {
		return nil, badgerstore.ErrNilDB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func foldingKey(id identity.FileID) []byte {
	return []byte(foldingPrefix + string(id))
}

// Get loads regions for id.
func (s *BadgerStore) Get(ctx context.Context, id identity.FileID) ([]analysis.FoldingRegion, bool) {
	var regions []analysis.FoldingRegion
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(foldingKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &regions)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("Failed to read cached folding regions",
			slog.String("file", string(id)),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if regions == nil {
		regions = []analysis.FoldingRegion{}
	}
	return regions, true
}

// Put overwrites the entry for id.
func (s *BadgerStore) Put(ctx context.Context, id identity.FileID, regions []analysis.FoldingRegion) error {
	val, err := json.Marshal(clone(regions))
	if err != nil {
		return fmt.Errorf("marshal folding regions: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(foldingKey(id), val)
	})
}

// Delete removes the entry for id. Deleting a missing entry is not an error.
func (s *BadgerStore) Delete(ctx context.Context, id identity.FileID) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(foldingKey(id))
	})
}

// Len returns the number of persisted files.
func (s *BadgerStore) Len(ctx context.Context) (int, error) {
	return s.db.CountPrefix(ctx, []byte(foldingPrefix))
}
