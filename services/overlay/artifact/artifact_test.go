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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
	badgerstore "github.com/AleutianAI/overlaysync/services/overlay/storage/badger"
)

var sampleRegions = []analysis.FoldingRegion{
	{Kind: analysis.FoldingComment, Offset: 0, Length: 20},
	{Kind: analysis.FoldingDirectives, Offset: 30, Length: 5},
}

func newMemory(t *testing.T, size int) *MemoryStore {
	t.Helper()
	m, err := NewMemoryStore(size)
	require.NoError(t, err)
	return m
}

func newBadger(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewBadgerStore(db, nil)
	require.NoError(t, err)
	return s
}

// storeContract runs the behaviour every tier must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	const id = identity.FileID("/p/a.dart")

	t.Run("absent", func(t *testing.T) {
		regions, ok := s.Get(ctx, "/p/missing.dart")
		assert.False(t, ok)
		assert.Nil(t, regions)
	})

	t.Run("round trip preserves order", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, id, sampleRegions))
		regions, ok := s.Get(ctx, id)
		require.True(t, ok)
		assert.Equal(t, sampleRegions, regions)
	})

	t.Run("empty is distinct from absent", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "/p/empty.dart", []analysis.FoldingRegion{}))
		regions, ok := s.Get(ctx, "/p/empty.dart")
		require.True(t, ok)
		assert.NotNil(t, regions)
		assert.Empty(t, regions)
	})

	t.Run("nil is stored as empty", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "/p/nil.dart", nil))
		regions, ok := s.Get(ctx, "/p/nil.dart")
		require.True(t, ok)
		assert.NotNil(t, regions)
		assert.Empty(t, regions)
	})

	t.Run("overwrite", func(t *testing.T) {
		next := []analysis.FoldingRegion{{Kind: analysis.FoldingBlock, Offset: 4, Length: 2}}
		require.NoError(t, s.Put(ctx, id, next))
		regions, ok := s.Get(ctx, id)
		require.True(t, ok)
		assert.Equal(t, next, regions)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, id))
		_, ok := s.Get(ctx, id)
		assert.False(t, ok)
		require.NoError(t, s.Delete(ctx, id))
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, newMemory(t, 16))

	t.Run("copies on put and get", func(t *testing.T) {
		m := newMemory(t, 16)
		in := []analysis.FoldingRegion{{Kind: analysis.FoldingComment, Offset: 1, Length: 2}}
		require.NoError(t, m.Put(context.Background(), "/x", in))
		in[0].Offset = 99

		out, ok := m.Get(context.Background(), "/x")
		require.True(t, ok)
		assert.Equal(t, 1, out[0].Offset)
		out[0].Offset = 42

		again, _ := m.Get(context.Background(), "/x")
		assert.Equal(t, 1, again[0].Offset)
	})

	t.Run("evicts least recently used", func(t *testing.T) {
		m := newMemory(t, 2)
		ctx := context.Background()
		require.NoError(t, m.Put(ctx, "/a", nil))
		require.NoError(t, m.Put(ctx, "/b", nil))
		_, _ = m.Get(ctx, "/a")
		require.NoError(t, m.Put(ctx, "/c", nil))

		_, okA := m.Get(ctx, "/a")
		_, okB := m.Get(ctx, "/b")
		assert.True(t, okA)
		assert.False(t, okB)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("non-positive size uses default", func(t *testing.T) {
		m := newMemory(t, 0)
		assert.NotNil(t, m)
	})
}

func TestBadgerStore(t *testing.T) {
	s := newBadger(t)
	storeContract(t, s)

	t.Run("len counts folding keys", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "/q/1.dart", sampleRegions))
		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
	})

	t.Run("nil db", func(t *testing.T) {
		_, err := NewBadgerStore(nil, nil)
		assert.True(t, errors.Is(err, badgerstore.ErrNilDB))
	})
}

func TestTiered(t *testing.T) {
	t.Run("contract with warm tier", func(t *testing.T) {
		storeContract(t, NewTiered(newMemory(t, 16), newBadger(t), nil))
	})

	t.Run("contract without warm tier", func(t *testing.T) {
		storeContract(t, NewTiered(newMemory(t, 16), nil, nil))
	})

	t.Run("warm hit is promoted", func(t *testing.T) {
		ctx := context.Background()
		hot := newMemory(t, 16)
		warm := newBadger(t)
		require.NoError(t, warm.Put(ctx, "/w.dart", sampleRegions))

		tiered := NewTiered(hot, warm, nil)
		regions, ok := tiered.Get(ctx, "/w.dart")
		require.True(t, ok)
		assert.Equal(t, sampleRegions, regions)

		promoted, ok := hot.Get(ctx, "/w.dart")
		require.True(t, ok)
		assert.Equal(t, sampleRegions, promoted)
	})

	t.Run("concurrent warm loads", func(t *testing.T) {
		ctx := context.Background()
		warm := newBadger(t)
		require.NoError(t, warm.Put(ctx, "/c.dart", sampleRegions))
		tiered := NewTiered(newMemory(t, 16), warm, nil)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				regions, ok := tiered.Get(ctx, "/c.dart")
				assert.True(t, ok)
				assert.Equal(t, sampleRegions, regions)
			}()
		}
		wg.Wait()
	})

	t.Run("slow warm load does not replace newer regions", func(t *testing.T) {
		ctx := context.Background()
		stale := []analysis.FoldingRegion{{Kind: analysis.FoldingComment, Offset: 0, Length: 1}}
		fresh := []analysis.FoldingRegion{{Kind: analysis.FoldingDirectives, Offset: 5, Length: 9}}

		warm := &gatedStore{Store: newMemory(t, 16), read: make(chan struct{}), release: make(chan struct{})}
		require.NoError(t, warm.Store.Put(ctx, "/s.dart", stale))
		tiered := NewTiered(newMemory(t, 16), warm, nil)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = tiered.Get(ctx, "/s.dart")
		}()
		<-warm.read
		require.NoError(t, tiered.Put(ctx, "/s.dart", fresh))
		close(warm.release)
		<-done

		regions, ok := tiered.Get(ctx, "/s.dart")
		require.True(t, ok)
		assert.Equal(t, fresh, regions)
	})

	t.Run("shared load survives a cancelled caller", func(t *testing.T) {
		warm := newBadger(t)
		require.NoError(t, warm.Put(context.Background(), "/x.dart", sampleRegions))
		tiered := NewTiered(newMemory(t, 16), &ctxCheckingStore{Store: warm}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		regions, ok := tiered.Get(ctx, "/x.dart")
		require.True(t, ok)
		assert.Equal(t, sampleRegions, regions)
	})
}

// gatedStore signals read after its first Get has loaded a value and holds
// the result until release is closed.
type gatedStore struct {
	Store
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Get(ctx context.Context, id identity.FileID) ([]analysis.FoldingRegion, bool) {
	regions, ok := g.Store.Get(ctx, id)
	g.once.Do(func() {
		close(g.read)
		<-g.release
	})
	return regions, ok
}

// ctxCheckingStore reports a miss when asked to read with a dead context.
type ctxCheckingStore struct {
	Store
}

func (c *ctxCheckingStore) Get(ctx context.Context, id identity.FileID) ([]analysis.FoldingRegion, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	return c.Store.Get(ctx, id)
}

// =============================================================================
// TRACKER
// =============================================================================

type recordingSubscriber struct {
	mu   sync.Mutex
	sets [][]identity.FileID
}

func (r *recordingSubscriber) SetSubscriptions(subs map[analysis.AnalysisService][]identity.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, subs[analysis.ServiceFolding])
}

func (r *recordingSubscriber) all() [][]identity.FileID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]identity.FileID(nil), r.sets...)
}

type failingWriter struct{}

func (failingWriter) Put(context.Context, identity.FileID, []analysis.FoldingRegion) error {
	return errors.New("disk full")
}

func (failingWriter) Delete(context.Context, identity.FileID) error { return nil }

func foldingParams(t *testing.T, file string, regions []analysis.FoldingRegion) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(analysis.FoldingNotification{File: file, Regions: regions})
	require.NoError(t, err)
	return raw
}

func TestTracker_HandleNotification(t *testing.T) {
	resolver := identity.NewResolver(identity.WithWindowsPaths(false))
	ctx := context.Background()

	t.Run("stores regions under the resolved identity", func(t *testing.T) {
		store := newMemory(t, 16)
		tr := NewTracker(store, &recordingSubscriber{}, resolver, nil)

		tr.HandleNotification(analysis.NotificationFolding, foldingParams(t, "/p/./lib/a.dart", sampleRegions))

		regions, ok := store.Get(ctx, "/p/lib/a.dart")
		require.True(t, ok)
		assert.Equal(t, sampleRegions, regions)
	})

	t.Run("empty region list is cached", func(t *testing.T) {
		store := newMemory(t, 16)
		tr := NewTracker(store, &recordingSubscriber{}, resolver, nil)

		tr.HandleNotification(analysis.NotificationFolding, json.RawMessage(`{"file":"/p/e.dart","regions":[]}`))

		regions, ok := store.Get(ctx, "/p/e.dart")
		require.True(t, ok)
		assert.Empty(t, regions)
	})

	t.Run("ignores other methods and bad payloads", func(t *testing.T) {
		store := newMemory(t, 16)
		tr := NewTracker(store, &recordingSubscriber{}, resolver, nil)

		tr.HandleNotification(analysis.NotificationServerError, json.RawMessage(`{"message":"x"}`))
		tr.HandleNotification(analysis.NotificationFolding, json.RawMessage(`{not json`))
		tr.HandleNotification(analysis.NotificationFolding, json.RawMessage(`{"file":"relative/a.dart","regions":[]}`))

		assert.Equal(t, 0, store.Len())
	})

	t.Run("store failure is logged", func(t *testing.T) {
		tr := NewTracker(failingWriter{}, &recordingSubscriber{}, resolver, nil)
		assert.NotPanics(t, func() {
			tr.HandleNotification(analysis.NotificationFolding, foldingParams(t, "/p/a.dart", sampleRegions))
		})
	})
}

func TestTracker_Subscriptions(t *testing.T) {
	resolver := identity.NewResolver(identity.WithWindowsPaths(false))

	t.Run("sends sorted set on each change", func(t *testing.T) {
		subs := &recordingSubscriber{}
		tr := NewTracker(newMemory(t, 4), subs, resolver, nil)

		tr.Opened("/p/b.dart")
		tr.Opened("/p/a.dart")
		tr.Opened("/p/a.dart")
		tr.Closed("/p/b.dart")
		tr.Closed("/p/missing.dart")

		assert.Equal(t, [][]identity.FileID{
			{"/p/b.dart"},
			{"/p/a.dart", "/p/b.dart"},
			{"/p/a.dart"},
		}, subs.all())
		assert.Equal(t, []identity.FileID{"/p/a.dart"}, tr.Files())
	})

	t.Run("closing the last file sends an empty set", func(t *testing.T) {
		subs := &recordingSubscriber{}
		tr := NewTracker(newMemory(t, 4), subs, resolver, nil)

		tr.Opened("/p/a.dart")
		tr.Closed("/p/a.dart")

		sets := subs.all()
		require.Len(t, sets, 2)
		assert.Empty(t, sets[1])
	})

	t.Run("resubscribe resends current set", func(t *testing.T) {
		subs := &recordingSubscriber{}
		tr := NewTracker(newMemory(t, 4), subs, resolver, nil)

		tr.Opened("/p/a.dart")
		tr.Resubscribe()

		assert.Equal(t, [][]identity.FileID{{"/p/a.dart"}, {"/p/a.dart"}}, subs.all())
	})

	t.Run("close keeps cached regions", func(t *testing.T) {
		store := newMemory(t, 4)
		tr := NewTracker(store, &recordingSubscriber{}, resolver, nil)

		tr.Opened("/p/a.dart")
		tr.HandleNotification(analysis.NotificationFolding, foldingParams(t, "/p/a.dart", sampleRegions))
		tr.Closed("/p/a.dart")

		_, ok := store.Get(context.Background(), "/p/a.dart")
		assert.True(t, ok)
	})
}
