// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

// fakeSender records requests in the order they arrive.
type fakeSender struct {
	mu    sync.Mutex
	calls []recordedCall
	gate  chan struct{} // when non-nil, each request waits for a token
	fail  func(method string, n int) error
}

type recordedCall struct {
	method string
	params interface{}
}

func (f *fakeSender) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: params})
	n := len(f.calls)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(method, n); err != nil {
			return nil, err
		}
	}
	return &Response{JSONRPC: JSONRPCVersion}, nil
}

func (f *fakeSender) snapshot() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

// runClient starts Run and returns a func that closes the client and
// returns Run's error.
func runClient(t *testing.T, c *Client) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Close(ctx))
		return <-errCh
	}
}

func updateFiles(t *testing.T, call recordedCall) map[string]Overlay {
	t.Helper()
	require.Equal(t, MethodUpdateContent, call.method)
	params, ok := call.params.(UpdateContentParams)
	require.True(t, ok, "params type %T", call.params)
	return params.Files
}

func TestClient_Ordering(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)
	stop := runClient(t, c)

	const n = 200
	for i := 0; i < n; i++ {
		c.SubmitOverlayBatch(map[identity.FileID]Overlay{
			"/a.dart": AddOverlay(fmt.Sprintf("v%d", i)),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	calls := sender.snapshot()
	require.Len(t, calls, n)
	for i, call := range calls {
		assert.Equal(t, AddOverlay(fmt.Sprintf("v%d", i)), updateFiles(t, call)["/a.dart"])
	}
	assert.NoError(t, stop())
}

func TestClient_SubmitDoesNotBlock(t *testing.T) {
	sender := &fakeSender{gate: make(chan struct{})}
	c := NewClient(sender)
	stop := runClient(t, c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": RemoveOverlay()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitOverlayBatch blocked on a stalled server")
	}

	// The first request is in flight, the other two wait.
	assert.Eventually(t, func() bool { return c.Pending() == 2 }, 2*time.Second, time.Millisecond)

	close(sender.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
	assert.Len(t, sender.snapshot(), 3)
	assert.NoError(t, stop())
}

func TestClient_BatchIsCopied(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)
	stop := runClient(t, c)

	batch := map[identity.FileID]Overlay{"/a.dart": AddOverlay("abc")}
	c.SubmitOverlayBatch(batch)
	batch["/a.dart"] = RemoveOverlay()
	batch["/b.dart"] = RemoveOverlay()

	require.NoError(t, c.Flush(context.Background()))
	calls := sender.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]Overlay{"/a.dart": AddOverlay("abc")}, updateFiles(t, calls[0]))
	assert.NoError(t, stop())
}

func TestClient_EmptyBatchIgnored(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)
	stop := runClient(t, c)

	c.SubmitOverlayBatch(nil)
	c.SubmitOverlayBatch(map[identity.FileID]Overlay{})

	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, sender.snapshot())
	assert.NoError(t, stop())
}

func TestClient_FailureDoesNotStopQueue(t *testing.T) {
	sender := &fakeSender{fail: func(_ string, n int) error {
		if n == 1 {
			return &RPCError{Code: CodeInvalidParams, Message: "no overlay"}
		}
		return nil
	}}
	var logs bytes.Buffer
	c := NewClient(sender, WithLogger(newTestLogger(&logs)))
	stop := runClient(t, c)

	c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": ChangeOverlay()})
	c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": AddOverlay("x")})

	require.NoError(t, c.Flush(context.Background()))
	assert.Len(t, sender.snapshot(), 2)
	assert.Contains(t, logs.String(), "Analysis request failed")
	assert.NoError(t, stop())
}

func TestClient_Subscriptions(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)
	stop := runClient(t, c)

	c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/b.dart": AddOverlay("")})
	c.SetSubscriptions(map[AnalysisService][]identity.FileID{
		ServiceFolding: {"/b.dart", "/a.dart"},
	})

	require.NoError(t, c.Flush(context.Background()))
	calls := sender.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, MethodUpdateContent, calls[0].method)
	assert.Equal(t, MethodSetSubscriptions, calls[1].method)
	assert.Equal(t, SetSubscriptionsParams{Subscriptions: map[AnalysisService][]string{
		ServiceFolding: {"/a.dart", "/b.dart"},
	}}, calls[1].params)
	assert.NoError(t, stop())
}

func TestClient_Close(t *testing.T) {
	t.Run("drains queued requests", func(t *testing.T) {
		sender := &fakeSender{gate: make(chan struct{}, 10)}
		c := NewClient(sender)
		stop := runClient(t, c)

		c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": AddOverlay("a")})
		c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": RemoveOverlay()})
		for i := 0; i < 2; i++ {
			sender.gate <- struct{}{}
		}

		assert.NoError(t, stop())
		assert.Len(t, sender.snapshot(), 2)
	})

	t.Run("drops submissions after close", func(t *testing.T) {
		sender := &fakeSender{}
		c := NewClient(sender)
		stop := runClient(t, c)
		assert.NoError(t, stop())

		c.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": RemoveOverlay()})
		assert.Zero(t, c.Pending())
		assert.True(t, errors.Is(c.Flush(context.Background()), ErrClientClosed))
	})

	t.Run("close without run", func(t *testing.T) {
		c := NewClient(&fakeSender{})
		assert.NoError(t, c.Close(context.Background()))
	})

	t.Run("run twice", func(t *testing.T) {
		c := NewClient(&fakeSender{})
		stop := runClient(t, c)
		assert.Eventually(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.started
		}, time.Second, time.Millisecond)
		assert.Error(t, c.Run(context.Background()))
		assert.NoError(t, stop())
	})
}

func TestClient_RunContextCancel(t *testing.T) {
	c := NewClient(&fakeSender{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf)

	r.SubmitOverlayBatch(map[identity.FileID]Overlay{"/a.dart": AddOverlay("abc")})
	r.SubmitOverlayBatch(nil)
	r.SetSubscriptions(map[AnalysisService][]identity.FileID{ServiceFolding: {"/a.dart"}})
	require.NoError(t, r.Err())

	var lines []RecordedRequest
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec RecordedRequest
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, uint64(1), lines[0].Seq)
	assert.Equal(t, MethodUpdateContent, lines[0].Method)
	assert.JSONEq(t, `{"files":{"/a.dart":{"type":"add","content":"abc"}}}`, string(lines[0].Params))

	assert.Equal(t, uint64(2), lines[1].Seq)
	assert.Equal(t, MethodSetSubscriptions, lines[1].Method)
	assert.JSONEq(t, `{"subscriptions":{"FOLDING":["/a.dart"]}}`, string(lines[1].Params))
}
