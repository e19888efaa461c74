// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/overlaysync/services/overlay/document"
	"github.com/AleutianAI/overlaysync/services/overlay/editor"
	"github.com/AleutianAI/overlaysync/services/overlay/folding"
)

// Message types accepted from editors.
const (
	TypeOpen    = "open"
	TypeChange  = "change"
	TypeClose   = "close"
	TypeFolding = "folding"
)

// Reply types sent back to editors.
const (
	TypeSession       = "session"
	TypeFoldingRanges = "foldingRanges"
	TypeError         = "error"
)

var (
	// ErrUnknownMessage indicates an unsupported message type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrMissingURI indicates a message without a document URI.
	ErrMissingURI = errors.New("uri is required")
)

// Message is one editor event or query. The same shape is used on the
// websocket and in replay files.
type Message struct {
	Type       string                   `json:"type"`
	RequestID  string                   `json:"requestId,omitempty"`
	URI        document.URI             `json:"uri"`
	LanguageID string                   `json:"languageId,omitempty"`
	Version    int                      `json:"version,omitempty"`
	Text       string                   `json:"text,omitempty"`
	Changes    []document.ContentChange `json:"changes,omitempty"`
}

// Reply answers a folding query or reports a failed message.
//
// On foldingRanges replies Ranges is null when nothing is cached for the
// document and an array, possibly empty, otherwise. Other replies omit it.
type Reply struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	URI       document.URI     `json:"uri,omitempty"`
	Ranges    *[]folding.Range `json:"ranges,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Dispatcher applies editor messages to the workspace on the editor loop.
//
// Thread Safety:
//
//	Safe for concurrent use. Every message runs as one loop task, so
//	messages from different connections are serialized.
type Dispatcher struct {
	loop      *editor.Loop
	workspace *editor.Workspace
	folding   *folding.Provider
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(loop *editor.Loop, workspace *editor.Workspace, provider *folding.Provider, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{loop: loop, workspace: workspace, folding: provider, logger: logger}
}

// Handle applies msg. Folding queries return a reply; lifecycle events
// return nil on success.
//
// Errors:
//
//	ErrUnknownMessage, ErrMissingURI, editor.ErrAlreadyOpen,
//	editor.ErrNotOpen, or a loop error.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (*Reply, error) {
	if msg.URI == "" {
		recordMessage(msg.Type, resultInvalid)
		return nil, ErrMissingURI
	}

	var (
		reply *Reply
		opErr error
	)
	var fn func()
	switch msg.Type {
	case TypeOpen:
		fn = func() {
			_, opErr = d.workspace.Open(msg.URI, msg.LanguageID, msg.Version, msg.Text)
		}
	case TypeChange:
		fn = func() {
			opErr = d.workspace.Change(msg.URI, msg.Version, msg.Changes)
		}
	case TypeClose:
		fn = func() {
			opErr = d.workspace.Close(msg.URI)
		}
	case TypeFolding:
		fn = func() {
			doc, ok := d.workspace.Get(msg.URI)
			if !ok {
				opErr = editor.ErrNotOpen
				return
			}
			ranges, _ := d.folding.FoldingRanges(ctx, doc)
			reply = &Reply{
				Type:      TypeFoldingRanges,
				RequestID: msg.RequestID,
				URI:       msg.URI,
				Ranges:    &ranges,
			}
		}
	default:
		recordMessage(msg.Type, resultInvalid)
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	if err := d.loop.Do(ctx, fn); err != nil {
		recordMessage(msg.Type, resultError)
		return nil, fmt.Errorf("%s %s: %w", msg.Type, msg.URI, err)
	}
	if opErr != nil {
		recordMessage(msg.Type, resultRejected)
		return nil, fmt.Errorf("%s %s: %w", msg.Type, msg.URI, opErr)
	}
	recordMessage(msg.Type, resultOK)
	return reply, nil
}

// Documents returns the number of open documents.
func (d *Dispatcher) Documents(ctx context.Context) (int, error) {
	var n int
	err := d.loop.Do(ctx, func() { n = d.workspace.Len() })
	return n, err
}

// closeAll closes uris that are still open, logging failures. Used when an
// editor session ends without closing its documents.
func (d *Dispatcher) closeAll(ctx context.Context, uris []document.URI) {
	for _, uri := range uris {
		_, err := d.Handle(ctx, Message{Type: TypeClose, URI: uri})
		if err != nil && !errors.Is(err, editor.ErrNotOpen) {
			d.logger.Warn("Failed to close session document",
				slog.String("uri", string(uri)),
				slog.String("error", err.Error()),
			)
		}
	}
}
