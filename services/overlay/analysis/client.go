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
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

// Channel accepts overlay batches for the analysis server.
//
// SubmitOverlayBatch is fire-and-forget: it returns once the batch is
// queued. Batches are delivered in submission order.
type Channel interface {
	SubmitOverlayBatch(batch map[identity.FileID]Overlay)
}

// Subscriber replaces the server-side subscription sets.
type Subscriber interface {
	SetSubscriptions(subs map[AnalysisService][]identity.FileID)
}

// Sender performs one request against the analysis server. *Server
// implements it.
type Sender interface {
	Request(ctx context.Context, method string, params interface{}) (*Response, error)
}

// =============================================================================
// CLIENT
// =============================================================================

const defaultRequestTimeout = 30 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRequestTimeout bounds each request. Zero or negative keeps the default.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type job struct {
	seq     uint64
	method  string
	params  interface{}
	barrier chan struct{}
}

// Client is the ordered, fire-and-forget Channel to the analysis server.
//
// Description:
//
//	Every submission is assigned a monotonically increasing sequence
//	number and appended to one unbounded FIFO. A single goroutine (Run)
//	drains the FIFO, sending one request at a time and waiting for its
//	response before sending the next, so the server sees requests in
//	exactly the order they were submitted. Submissions never block and
//	never drop a batch because the queue is full.
//
//	A failed request is logged and counted but not retried: a retried
//	change overlay could be applied twice.
//
// Thread Safety:
//
//	Submission methods are safe for concurrent use. Run must be called once.
type Client struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
	warn    rate.Sometimes

	mu      sync.Mutex
	queue   []*job
	seq     uint64
	closed  bool
	started bool

	wake chan struct{}
	done chan struct{}
}

// NewClient creates a client that sends through sender once Run is called.
func NewClient(sender Sender, opts ...ClientOption) *Client {
	c := &Client{
		sender:  sender,
		logger:  slog.Default(),
		timeout: defaultRequestTimeout,
		warn:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitOverlayBatch queues an analysis.updateContent request.
//
// Description:
//
//	The batch is copied, so the caller may reuse the map. An empty batch
//	is ignored. Submissions after Close are dropped.
func (c *Client) SubmitOverlayBatch(batch map[identity.FileID]Overlay) {
	if len(batch) == 0 {
		return
	}
	files := make(map[string]Overlay, len(batch))
	for id, o := range batch {
		files[string(id)] = o
	}
	if seq, ok := c.enqueue(MethodUpdateContent, UpdateContentParams{Files: files}); ok {
		recordOverlays(context.Background(), files)
		c.logger.Debug("Overlay batch queued",
			slog.Uint64("seq", seq),
			slog.Int("files", len(files)),
		)
	}
}

// SetSubscriptions queues an analysis.setSubscriptions request. Paths are
// sent sorted so identical sets produce identical requests.
func (c *Client) SetSubscriptions(subs map[AnalysisService][]identity.FileID) {
	c.enqueue(MethodSetSubscriptions, subscriptionParams(subs))
}

func subscriptionParams(subs map[AnalysisService][]identity.FileID) SetSubscriptionsParams {
	params := SetSubscriptionsParams{Subscriptions: make(map[AnalysisService][]string, len(subs))}
	for svc, ids := range subs {
		paths := make([]string, len(ids))
		for i, id := range ids {
			paths[i] = string(id)
		}
		sort.Strings(paths)
		params.Subscriptions[svc] = paths
	}
	return params
}

func (c *Client) enqueue(method string, params interface{}) (uint64, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Dropping request after close", slog.String("method", method))
		return 0, false
	}
	c.seq++
	seq := c.seq
	c.queue = append(c.queue, &job{seq: seq, method: method, params: params})
	c.mu.Unlock()

	recordQueueDelta(context.Background(), 1)
	c.signal()
	return seq, true
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue. closed reports whether the client is
// closed, which together with an empty queue ends Run.
func (c *Client) next() (j *job, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, c.closed
	}
	j = c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return j, c.closed
}

// Run drains the queue until Close is called and the queue is empty, or
// until ctx ends.
//
// Outputs:
//
//	error - ctx.Err() if ctx ended first, nil after Close
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already running")
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, closed := c.next()
		if j == nil {
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		recordQueueDelta(ctx, -1)
		c.deliver(ctx, j)
	}
}

func (c *Client) deliver(ctx context.Context, j *job) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqCtx, span := startRequestSpan(reqCtx, j.method, j.seq)
	defer span.End()

	start := time.Now()
	_, err := c.sender.Request(reqCtx, j.method, j.params)
	recordRequest(ctx, j.method, time.Since(start), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("Analysis request failed",
			slog.Uint64("seq", j.seq),
			slog.String("method", j.method),
			slog.String("error", err.Error()),
		)
		c.warn.Do(func() {
			c.logger.Warn("Analysis request failed",
				slog.Uint64("seq", j.seq),
				slog.String("method", j.method),
				slog.String("error", err.Error()),
			)
		})
	}
}

// Flush blocks until every request queued before the call has been sent.
func (c *Client) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.queue = append(c.queue, &job{barrier: barrier})
	c.mu.Unlock()
	c.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting submissions and waits for Run to drain the queue.
// It returns immediately if Run was never started.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	started := c.started
	c.mu.Unlock()
	c.signal()

	if !started {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// =============================================================================
// RECORDER
// =============================================================================

// RecordedRequest is one line written by a Recorder.
type RecordedRequest struct {
	Seq    uint64          `json:"seq"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Recorder is a Channel that writes each request as a JSON line instead of
// sending it. It backs dry runs and tests.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	enc *json.Encoder
	seq uint64
	err error
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: json.NewEncoder(w)}
}

// SubmitOverlayBatch writes an analysis.updateContent line.
func (r *Recorder) SubmitOverlayBatch(batch map[identity.FileID]Overlay) {
	if len(batch) == 0 {
		return
	}
	files := make(map[string]Overlay, len(batch))
	for id, o := range batch {
		files[string(id)] = o
	}
	r.write(MethodUpdateContent, UpdateContentParams{Files: files})
}

// SetSubscriptions writes an analysis.setSubscriptions line.
func (r *Recorder) SetSubscriptions(subs map[AnalysisService][]identity.FileID) {
	r.write(MethodSetSubscriptions, subscriptionParams(subs))
}

func (r *Recorder) write(method string, params interface{}) {
	raw, err := json.Marshal(params)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.seq++
		err = r.enc.Encode(RecordedRequest{Seq: r.seq, Method: method, Params: raw})
	}
	if err != nil && r.err == nil {
		r.err = err
	}
}

// Err returns the first write error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
