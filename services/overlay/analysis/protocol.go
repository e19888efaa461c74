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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version spoken to the analysis server.
const JSONRPCVersion = "2.0"

// maxFrame bounds one framed message. Folding notifications for very large
// files are the biggest thing the server sends.
const maxFrame = 64 << 20

// =============================================================================
// WIRE MESSAGES
// =============================================================================

// Request is an outgoing call or, with a zero ID, a notification.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a Response.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// envelope is the union of everything the server may send.
type envelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

// NotificationHandler receives server-initiated notifications. It is called
// from the Serve goroutine and must not block for long.
type NotificationHandler func(method string, params json.RawMessage)

// =============================================================================
// CONNECTION
// =============================================================================

// Conn is one Content-Length framed JSON-RPC connection to the analysis
// server.
//
// Calls are matched to responses by ID. Notifications reach the handler in
// the order Serve reads them.
//
// Thread Safety:
//
//	Call, Notify and Close may be used from any goroutine. Serve runs on
//	exactly one.
type Conn struct {
	in  *textproto.Reader
	out io.Writer

	// wmu keeps header and body of one frame together.
	wmu sync.Mutex

	ids    atomic.Int64
	closed atomic.Bool

	mu      sync.Mutex
	waiting map[int64]chan Response

	handler atomic.Pointer[NotificationHandler]
}

// NewConn frames messages over r (server stdout) and w (server stdin).
// Either side may be nil for one-directional use in tests.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{out: w, waiting: make(map[int64]chan Response)}
	if r != nil {
		c.in = textproto.NewReader(bufio.NewReader(r))
	}
	return c
}

// OnNotification replaces the notification handler. Nil discards them.
func (c *Conn) OnNotification(h NotificationHandler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&h)
}

// Call sends method and blocks for its response.
//
// Errors:
//
//	ErrServerNotRunning - The connection is closed
//	ErrRequestTimeout - ctx ended first
//	*RPCError - The server answered with an error
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, errors.New("analysis: nil context")
	}
	if c.closed.Load() {
		return nil, ErrServerNotRunning
	}

	id := c.ids.Add(1)
	reply := make(chan Response, 1)
	c.mu.Lock()
	c.waiting[id] = reply
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.writeFrame(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-reply:
		if e := resp.Error; e != nil {
			return nil, &RPCError{Code: e.Code, Message: e.Message, Data: e.Data}
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	}
}

// Notify sends method without waiting for anything.
func (c *Conn) Notify(method string, params interface{}) error {
	if c.closed.Load() {
		return ErrServerNotRunning
	}
	return c.writeFrame(Request{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

func (c *Conn) writeFrame(msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrInvalidMessage, err)
	}
	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.out.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Serve reads frames until the server goes away, Close is called, or ctx
// ends.
//
// Outputs:
//
//	error - nil after Close, ErrServerCrashed when the stream ends
//	unexpectedly, the read error otherwise
func (c *Conn) Serve(ctx context.Context) error {
	if c.in == nil {
		return errors.New("analysis: connection has no reader")
	}
	for ctx.Err() == nil {
		body, err := c.readFrame()
		switch {
		case err == nil:
			c.route(body)
		case c.closed.Load():
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return ErrServerCrashed
		default:
			return fmt.Errorf("read frame: %w", err)
		}
	}
	return ctx.Err()
}

// readFrame parses the MIME-style header block and returns the body.
// Headers other than Content-Length are ignored.
func (c *Conn) readFrame() ([]byte, error) {
	hdr, err := c.in.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	raw := hdr.Get("Content-Length")
	if raw == "" {
		return nil, fmt.Errorf("%w: no Content-Length", ErrInvalidMessage)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxFrame {
		return nil, fmt.Errorf("%w: Content-Length %q", ErrInvalidMessage, raw)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.in.R, body); err != nil {
		return nil, err
	}
	return body, nil
}

// route hands a frame to its waiting caller or the notification handler.
// Undecodable frames and server-to-client requests are dropped.
func (c *Conn) route(body []byte) {
	var env envelope
	if json.Unmarshal(body, &env) != nil {
		return
	}

	if env.Method != "" {
		if env.ID != 0 {
			return
		}
		if h := c.handler.Load(); h != nil {
			(*h)(env.Method, env.Params)
		}
		return
	}

	c.mu.Lock()
	reply, ok := c.waiting[env.ID]
	c.mu.Unlock()
	if ok {
		select {
		case reply <- Response{JSONRPC: JSONRPCVersion, ID: env.ID, Result: env.Result, Error: env.Error}:
		default:
		}
	}
}

// Close stops further sends and fails every outstanding Call with a
// CodeServerClosed error. The underlying streams stay open.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reply := range c.waiting {
		select {
		case reply <- Response{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   &ResponseError{Code: CodeServerClosed, Message: "server connection closed"},
		}:
		default:
		}
		delete(c.waiting, id)
	}
}
