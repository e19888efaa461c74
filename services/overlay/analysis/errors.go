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
	"errors"
	"fmt"
)

// Sentinel errors for analysis server operations.
var (
	// ErrServerNotRunning indicates the analysis server is not in a ready state.
	ErrServerNotRunning = errors.New("analysis server not running")

	// ErrServerNotInstalled indicates the analysis server binary was not found.
	ErrServerNotInstalled = errors.New("analysis server not installed")

	// ErrServerAlreadyStarted indicates Start was called on a started server.
	ErrServerAlreadyStarted = errors.New("analysis server already started")

	// ErrHandshakeFailed indicates the version handshake failed.
	ErrHandshakeFailed = errors.New("analysis server handshake failed")

	// ErrVersionTooOld indicates the server is older than the configured minimum.
	ErrVersionTooOld = errors.New("analysis server version too old")

	// ErrRequestTimeout indicates a request exceeded its timeout.
	ErrRequestTimeout = errors.New("analysis request timeout")

	// ErrServerCrashed indicates the server process ended unexpectedly.
	ErrServerCrashed = errors.New("analysis server crashed")

	// ErrInvalidMessage indicates a message that could not be encoded or decoded.
	ErrInvalidMessage = errors.New("invalid analysis message")

	// ErrClientClosed indicates a submission after the client was closed.
	ErrClientClosed = errors.New("analysis client closed")
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerClosed   = -32099
)

// RPCError is an error returned by the analysis server.
type RPCError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the server.
	Message string

	// Data contains optional additional data about the error.
	Data interface{}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("analysis error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("analysis error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the server does not support the method.
func (e *RPCError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsInvalidParams returns true if the server rejected the parameters. For
// analysis.updateContent this usually means a change overlay was sent for a
// file the server holds no overlay for.
func (e *RPCError) IsInvalidParams() bool {
	return e.Code == CodeInvalidParams
}

// IsServerClosed returns true if the request failed because the connection closed.
func (e *RPCError) IsServerClosed() bool {
	return e.Code == CodeServerClosed
}
