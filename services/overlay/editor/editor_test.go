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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/overlaysync/services/overlay/document"
)

func rng(sl, sc, el, ec int) *document.Range {
	return &document.Range{
		Start: document.Position{Line: sl, Character: sc},
		End:   document.Position{Line: el, Character: ec},
	}
}

func TestWorkspace_Lifecycle(t *testing.T) {
	ws := NewWorkspace(nil)

	var log []string
	ws.OnDidOpen(func(d document.Document) { log = append(log, "open "+d.Text()) })
	ws.OnDidChange(func(e ChangeEvent) { log = append(log, "change "+e.Document.Text()) })
	ws.OnDidClose(func(d document.Document) { log = append(log, "close "+string(d.URI())) })

	_, err := ws.Open("file:///a.dart", "dart", 1, "abc")
	require.NoError(t, err)
	require.NoError(t, ws.Change("file:///a.dart", 2, []document.ContentChange{{Range: rng(0, 1, 0, 1), Text: "X"}}))
	require.NoError(t, ws.Close("file:///a.dart"))

	assert.Equal(t, []string{"open abc", "change aXbc", "close file:///a.dart"}, log)
	assert.Zero(t, ws.Len())
}

func TestWorkspace_ChangeEventSeesAppliedState(t *testing.T) {
	ws := NewWorkspace(nil)
	_, err := ws.Open("file:///a.dart", "dart", 1, "abc")
	require.NoError(t, err)

	var got ChangeEvent
	ws.OnDidChange(func(e ChangeEvent) { got = e })

	changes := []document.ContentChange{
		{Range: rng(0, 0, 0, 0), Text: "X"},
		{Range: rng(0, 4, 0, 4), Text: "Y"},
	}
	require.NoError(t, ws.Change("file:///a.dart", 2, changes))
	assert.Equal(t, "XabcY", got.Document.Text())
	assert.Equal(t, 2, got.Document.Version())
	assert.Len(t, got.ContentChanges, 2)
}

func TestWorkspace_MetadataOnlyChange(t *testing.T) {
	ws := NewWorkspace(nil)
	_, err := ws.Open("file:///a.dart", "dart", 1, "abc")
	require.NoError(t, err)

	var events []ChangeEvent
	ws.OnDidChange(func(e ChangeEvent) { events = append(events, e) })

	require.NoError(t, ws.Change("file:///a.dart", 2, nil))
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ContentChanges)
	assert.Equal(t, 2, events[0].Document.Version())
}

func TestWorkspace_PartialChange(t *testing.T) {
	ws := NewWorkspace(nil)
	_, err := ws.Open("file:///a.dart", "dart", 1, "abcdef")
	require.NoError(t, err)

	var events []ChangeEvent
	ws.OnDidChange(func(e ChangeEvent) { events = append(events, e) })

	err = ws.Change("file:///a.dart", 2, []document.ContentChange{
		{Range: rng(0, 0, 0, 1), Text: ""},
		{Range: rng(0, 4, 0, 1), Text: ""},
	})
	assert.True(t, errors.Is(err, document.ErrInvalidRange))

	require.Len(t, events, 1)
	assert.Len(t, events[0].ContentChanges, 1)
	assert.Equal(t, "bcdef", events[0].Document.Text())

	t.Run("first change failing raises nothing", func(t *testing.T) {
		events = nil
		err := ws.Change("file:///a.dart", 3, []document.ContentChange{{Range: rng(0, 3, 0, 0)}})
		assert.Error(t, err)
		assert.Empty(t, events)
	})
}

func TestWorkspace_Errors(t *testing.T) {
	ws := NewWorkspace(nil)
	_, err := ws.Open("file:///a.dart", "dart", 1, "")
	require.NoError(t, err)

	_, err = ws.Open("file:///a.dart", "dart", 1, "")
	assert.True(t, errors.Is(err, ErrAlreadyOpen))
	assert.True(t, errors.Is(ws.Change("file:///b.dart", 1, nil), ErrNotOpen))
	assert.True(t, errors.Is(ws.Close("file:///b.dart"), ErrNotOpen))
}

func TestWorkspace_Documents(t *testing.T) {
	ws := NewWorkspace(nil)
	for _, uri := range []document.URI{"file:///c.dart", "file:///a.dart", "file:///b.dart"} {
		_, err := ws.Open(uri, "dart", 1, "")
		require.NoError(t, err)
	}

	var uris []document.URI
	for _, d := range ws.Documents() {
		uris = append(uris, d.URI())
	}
	assert.Equal(t, []document.URI{"file:///a.dart", "file:///b.dart", "file:///c.dart"}, uris)

	doc, ok := ws.Get("file:///b.dart")
	require.True(t, ok)
	assert.Equal(t, document.URI("file:///b.dart"), doc.URI())
	_, ok = ws.Get("file:///z.dart")
	assert.False(t, ok)
}

func TestSubscription_Dispose(t *testing.T) {
	ws := NewWorkspace(nil)

	calls := 0
	sub := ws.OnDidOpen(func(document.Document) { calls++ })
	other := ws.OnDidOpen(func(document.Document) {})
	assert.Equal(t, 2, ws.Listeners())

	sub.Dispose()
	sub.Dispose()
	assert.Equal(t, 1, ws.Listeners())

	_, err := ws.Open("file:///a.dart", "dart", 1, "")
	require.NoError(t, err)
	assert.Zero(t, calls)

	other.Dispose()
	assert.Zero(t, ws.Listeners())
}

func TestLoop(t *testing.T) {
	loop := NewLoop(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	t.Run("runs tasks in submission order", func(t *testing.T) {
		var mu sync.Mutex
		var order []int
		for i := 0; i < 20; i++ {
			require.NoError(t, loop.Do(ctx, func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}))
		}
		require.Len(t, order, 20)
		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("recovers panics", func(t *testing.T) {
		err := loop.Do(ctx, func() { panic("boom") })
		assert.True(t, errors.Is(err, ErrTaskPanicked))
		assert.NoError(t, loop.Do(ctx, func() {}))
	})

	t.Run("caller context", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = loop.Do(ctx, func() {
				close(started)
				<-release
			})
		}()
		<-started

		short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancelShort()
		err := loop.Do(short, func() {})
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		close(release)
	})

	loop.Stop()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.True(t, errors.Is(loop.Do(context.Background(), func() {}), ErrLoopStopped))
}
