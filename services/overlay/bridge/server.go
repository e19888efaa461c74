// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge connects editors to the overlay service over HTTP.
//
// # Routes
//
//	GET /v1/overlay/ws        websocket carrying editor messages
//	GET /v1/overlay/folding   folding ranges for an open document (?uri=)
//	GET /v1/overlay/health    liveness and open document count
//	GET /metrics              Prometheus metrics
//
// # Websocket protocol
//
// The server first sends {"type":"session","sessionId":...}. The editor then
// sends Message values. Messages on one connection are applied in the
// order they arrive. A folding message is answered with a foldingRanges
// reply; any failed message is answered with an error reply carrying its
// requestId. Documents a session opened and did not close are closed when
// the connection ends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/overlaysync/services/overlay/document"
	"github.com/AleutianAI/overlaysync/services/overlay/editor"
	"github.com/AleutianAI/overlaysync/services/overlay/telemetry"
)

// RequestIDHeader carries the request ID on every response.
const RequestIDHeader = "X-Request-ID"

// Config configures the HTTP server.
type Config struct {
	Listen string

	// ReadLimit caps one websocket message in bytes.
	ReadLimit int64

	// Metrics serves /metrics. Nil uses promhttp.Handler().
	Metrics http.Handler
}

// Server is the editor-facing HTTP server.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	router     *gin.Engine
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewServer builds the router.
func NewServer(cfg Config, dispatcher *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 8 << 20
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			// Editors connect from localhost extensions with arbitrary origins.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("overlaysync"))
	router.Use(requestID())

	v1 := router.Group("/v1/overlay")
	v1.GET("/ws", s.handleWebSocket)
	v1.GET("/folding", s.handleFolding)
	v1.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(cfg.Metrics))

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Editor bridge listening", slog.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("bridge shutdown: %w", err)
		}
		return nil
	}
}

// requestID echoes or assigns X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// =============================================================================
// HTTP HANDLERS
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	n, err := s.dispatcher.Documents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": n})
}

// handleFolding answers 200 with ranges (possibly empty), 204 when nothing
// is cached yet, and 404 when the document is not open.
func (s *Server) handleFolding(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMissingURI.Error()})
		return
	}

	ctx := c.Request.Context()
	reply, err := s.dispatcher.Handle(ctx, Message{
		Type:      TypeFolding,
		RequestID: c.GetString("request_id"),
		URI:       document.URI(uri),
	})
	if err != nil {
		telemetry.RecordError(trace.SpanFromContext(ctx), err, attribute.String("uri", uri))
		s.logger.Debug("Folding query failed",
			slog.String("uri", uri),
			slog.String("trace_id", telemetry.TraceID(ctx)),
			slog.String("error", err.Error()),
		)
	}
	switch {
	case errors.Is(err, editor.ErrNotOpen):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case *reply.Ranges == nil:
		c.Status(http.StatusNoContent)
	default:
		c.JSON(http.StatusOK, reply)
	}
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.cfg.ReadLimit)

	sess := &session{
		id:     uuid.New().String(),
		ws:     ws,
		open:   make(map[document.URI]struct{}),
		logger: s.logger,
	}
	activeSessions.Inc()
	defer activeSessions.Dec()

	logger := s.logger.With(slog.String("session", sess.id))
	logger.Info("Editor connected")
	if err := sess.send(Reply{Type: TypeSession, SessionID: sess.id}); err != nil {
		return
	}

	// Request contexts end with the handler, so session cleanup uses its own.
	ctx := context.WithoutCancel(c.Request.Context())
	defer func() {
		s.dispatcher.closeAll(ctx, sess.openURIs())
		logger.Info("Editor disconnected")
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Websocket read ended", slog.String("error", err.Error()))
			}
			return
		}

		reply, err := s.dispatcher.Handle(ctx, msg)
		if err != nil {
			logger.Debug("Editor message rejected",
				slog.String("type", msg.Type),
				slog.String("uri", string(msg.URI)),
				slog.String("error", err.Error()),
			)
			if sendErr := sess.send(Reply{Type: TypeError, RequestID: msg.RequestID, URI: msg.URI, Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		sess.track(msg)
		if reply != nil {
			if err := sess.send(*reply); err != nil {
				return
			}
		}
	}
}

// session is the state of one websocket connection. Only the connection's
// handler goroutine touches it.
type session struct {
	id     string
	ws     *websocket.Conn
	open   map[document.URI]struct{}
	logger *slog.Logger
}

func (s *session) track(msg Message) {
	switch msg.Type {
	case TypeOpen:
		s.open[msg.URI] = struct{}{}
	case TypeClose:
		delete(s.open, msg.URI)
	}
}

func (s *session) openURIs() []document.URI {
	uris := make([]document.URI, 0, len(s.open))
	for uri := range s.open {
		uris = append(uris, uri)
	}
	return uris
}

func (s *session) send(r Reply) error {
	if err := s.ws.WriteJSON(r); err != nil {
		s.logger.Warn("Failed to write websocket reply",
			slog.String("session", s.id),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
