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
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"
)

// Phase is where a Server is in its life. It only moves forward.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseReady
	PhaseStopping
	PhaseStopped
)

var phaseNames = [...]string{"idle", "starting", "ready", "stopping", "stopped"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

const (
	// shutdownGrace is how long the server gets to answer server.shutdown
	// and exit before it is killed.
	shutdownGrace = 5 * time.Second
)

// ServerConfig describes how to launch the analysis server.
type ServerConfig struct {
	// Command is the server executable, resolved through PATH.
	Command string

	// Args are passed to the executable.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// MinVersion rejects servers older than this semantic version. Empty
	// accepts any version.
	MinVersion string

	// Stderr receives the server's standard error. Nil discards it.
	Stderr io.Writer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// process is the spawned child and the connection over its pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	conn   *Conn
	cancel context.CancelFunc
}

func (p *process) release() {
	p.cancel()
	_ = p.stdin.Close()
	_ = p.stdout.Close()
}

// Server owns one analysis server process. It implements Sender so a
// Client can drain its queue into it.
//
// A Server is started at most once. Done closes when the process's output
// stream ends, whether through Shutdown or a crash; Err tells which.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	onNotify NotificationHandler

	phase atomic.Int32
	proc  *process
	ver   string

	exited   chan struct{}
	exitErr  error
	exitOnce sync.Once
}

// NewServer prepares a server. Nothing is spawned until Start.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, exited: make(chan struct{})}
}

// OnNotification registers the notification handler. Call it before Start
// so no notification is missed.
func (s *Server) OnNotification(h NotificationHandler) {
	s.onNotify = h
}

// Start spawns the process and runs the server.getVersion handshake.
//
// Inputs:
//
//	ctx - Bounds the handshake only; the process outlives it.
//
// Errors:
//
//	ErrServerAlreadyStarted - Start was called before
//	ErrServerNotInstalled - Command is not on PATH
//	ErrHandshakeFailed - server.getVersion failed or returned garbage
//	ErrVersionTooOld - The server is older than MinVersion
func (s *Server) Start(ctx context.Context) error {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseStarting)) {
		return ErrServerAlreadyStarted
	}

	proc, err := s.spawn()
	if err != nil {
		recordServerSpawn(ctx, false)
		s.phase.Store(int32(PhaseStopped))
		s.markExited(nil)
		return err
	}
	s.proc = proc

	version, err := negotiateVersion(ctx, proc.conn, s.cfg.MinVersion)
	if err != nil {
		recordServerSpawn(ctx, false)
		_ = s.Shutdown(context.Background())
		return err
	}
	s.ver = version
	if !s.phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseReady)) {
		// Shutdown ran while the handshake was in flight.
		return ErrServerNotRunning
	}
	recordServerSpawn(ctx, true)
	return nil
}

// spawn starts the child and its read loop.
func (s *Server) spawn() (*process, error) {
	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		s.logger.Warn("Analysis server not installed", slog.String("command", s.cfg.Command))
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, s.cfg.Command)
	}
	s.logger.Info("Starting analysis server",
		slog.String("command", path),
		slog.Any("args", s.cfg.Args),
		slog.String("dir", s.cfg.Dir),
	)

	// The process is tied to the server, not to the Start caller.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Stderr = s.cfg.Stderr

	stdin, inErr := cmd.StdinPipe()
	stdout, outErr := cmd.StdoutPipe()
	if err := errors.Join(inErr, outErr); err != nil {
		cancel()
		return nil, fmt.Errorf("analysis server pipes: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, cancel: cancel}
	p.conn = NewConn(stdout, stdin)
	p.conn.OnNotification(s.dispatch)
	go func() {
		err := p.conn.Serve(procCtx)
		p.conn.Close()
		switch ph := s.Phase(); {
		case errors.Is(err, context.Canceled), ph == PhaseStopping, ph == PhaseStopped:
			err = nil
		case err != nil && !errors.Is(err, ErrServerCrashed):
			err = fmt.Errorf("%w: %v", ErrServerCrashed, err)
		}
		if err != nil {
			s.logger.Error("Analysis server connection lost", slog.String("error", err.Error()))
		}
		s.markExited(err)
	}()
	return p, nil
}

func (s *Server) markExited(err error) {
	s.exitOnce.Do(func() {
		s.exitErr = err
		close(s.exited)
	})
}

// dispatch logs server.error and forwards every notification.
func (s *Server) dispatch(method string, params json.RawMessage) {
	recordNotification(context.Background(), method)

	if method == NotificationServerError {
		var n ServerErrorNotification
		if json.Unmarshal(params, &n) == nil {
			s.logger.Warn("Analysis server error",
				slog.Bool("fatal", n.IsFatal),
				slog.String("message", n.Message),
			)
		}
	}
	if s.onNotify != nil {
		s.onNotify(method, params)
	}
}

// negotiateVersion asks the server for its version and enforces minVersion.
func negotiateVersion(ctx context.Context, c *Conn, minVersion string) (string, error) {
	resp, err := c.Call(ctx, MethodGetVersion, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var result VersionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("%w: decode version: %v", ErrHandshakeFailed, err)
	}

	got := canonicalVersion(result.Version)
	if !semver.IsValid(got) {
		return "", fmt.Errorf("%w: unparseable version %q", ErrHandshakeFailed, result.Version)
	}
	if minVersion != "" && semver.Compare(got, canonicalVersion(minVersion)) < 0 {
		return "", fmt.Errorf("%w: %s < %s", ErrVersionTooOld, result.Version, minVersion)
	}
	return result.Version, nil
}

// canonicalVersion adds the "v" prefix semver expects.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Shutdown asks the server to exit and waits for it, killing the process
// after shutdownGrace. Calling it again, or before Start, is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	for {
		cur := Phase(s.phase.Load())
		switch cur {
		case PhaseStopping, PhaseStopped:
			return nil
		case PhaseIdle:
			if s.phase.CompareAndSwap(int32(cur), int32(PhaseStopped)) {
				s.markExited(nil)
				return nil
			}
			continue
		}
		if s.phase.CompareAndSwap(int32(cur), int32(PhaseStopping)) {
			break
		}
	}
	defer s.phase.Store(int32(PhaseStopped))

	p := s.proc
	if p == nil {
		s.markExited(nil)
		return nil
	}
	defer p.release()
	s.logger.Info("Shutting down analysis server")

	graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	_, _ = p.conn.Call(graceCtx, MethodShutdown, nil)
	p.conn.Close()
	_ = p.stdin.Close()

	waited := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-graceCtx.Done():
		s.logger.Warn("Analysis server did not exit, killing it")
		_ = p.cmd.Process.Kill()
		<-waited
	}

	p.cancel()
	select {
	case <-s.exited:
	case <-time.After(time.Second):
		s.markExited(nil)
	}
	return nil
}

// Phase returns the current lifecycle phase.
func (s *Server) Phase() Phase {
	return Phase(s.phase.Load())
}

// Version returns the version reported during the handshake.
func (s *Server) Version() string {
	return s.ver
}

// Done is closed once the server's output stream has ended.
func (s *Server) Done() <-chan struct{} {
	return s.exited
}

// Err reports why the output stream ended: nil for Shutdown or a failed
// Start, an error wrapping ErrServerCrashed when the process went away on
// its own. It returns nil until Done is closed.
func (s *Server) Err() error {
	select {
	case <-s.exited:
		return s.exitErr
	default:
		return nil
	}
}

// Request sends one request and waits for its response.
//
// Errors:
//
//	ErrServerNotRunning - The server is not ready
//	ErrRequestTimeout - ctx ended before the response arrived
//	*RPCError - The server rejected the request
func (s *Server) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if s.Phase() != PhaseReady {
		return nil, ErrServerNotRunning
	}
	return s.proc.conn.Call(ctx, method, params)
}
