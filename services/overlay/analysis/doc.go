// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis talks to the external source analysis server.
//
// # Overview
//
// The server keeps an in-memory overlay of every file the editor has open
// and pushes derived results (folding regions) back as notifications. This
// package provides:
//
//   - Wire types: Overlay (add, change, remove), SourceEdit, FoldingRegion
//   - Conn: Content-Length framed JSON-RPC with notification dispatch
//   - Server: process lifecycle with a version handshake
//   - Client: the ordered, fire-and-forget Channel used by the synchronizer
//   - Recorder: a Channel that prints requests instead of sending them
//
// # Ordering
//
// Change overlays are deltas against the server's last known content, so a
// reordered request silently corrupts the server's view of a file. Client
// therefore sends one request at a time from a single FIFO. Callers never
// wait for the server.
//
// # Usage
//
//	srv := analysis.NewServer(analysis.ServerConfig{Command: "dart", Args: []string{"language-server"}})
//	srv.OnNotification(tracker.HandleNotification)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	client := analysis.NewClient(srv)
//	go client.Run(ctx)
//	client.SubmitOverlayBatch(map[identity.FileID]analysis.Overlay{id: analysis.AddOverlay(text)})
package analysis
