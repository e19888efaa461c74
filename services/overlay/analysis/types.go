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
	"encoding/json"
	"fmt"
)

// Analysis server methods and notifications.
const (
	MethodGetVersion       = "server.getVersion"
	MethodShutdown         = "server.shutdown"
	MethodUpdateContent    = "analysis.updateContent"
	MethodSetSubscriptions = "analysis.setSubscriptions"

	NotificationFolding     = "analysis.folding"
	NotificationServerError = "server.error"
)

// =============================================================================
// OVERLAYS
// =============================================================================

// OverlayKind tags the variant of an Overlay on the wire.
type OverlayKind string

const (
	// OverlayAdd carries a full content snapshot.
	OverlayAdd OverlayKind = "add"

	// OverlayChange carries edits against the server's last known content.
	OverlayChange OverlayKind = "change"

	// OverlayRemove ends tracking of the file.
	OverlayRemove OverlayKind = "remove"
)

// SourceEdit replaces Length UTF-16 code units at Offset with Replacement.
//
// Every edit in one ChangeOverlay is interpreted against the content before
// any edit of that overlay is applied.
type SourceEdit struct {
	Offset      int    `json:"offset"`
	Length      int    `json:"length"`
	Replacement string `json:"replacement"`
	ID          string `json:"id"`
}

// Overlay is the content state asserted for one file. Exactly one of the
// three variants is encoded, selected by Kind.
//
// Build values with AddOverlay, ChangeOverlay and RemoveOverlay.
type Overlay struct {
	Kind    OverlayKind
	Content string
	Edits   []SourceEdit
}

// AddOverlay returns an overlay carrying the full file content.
func AddOverlay(content string) Overlay {
	return Overlay{Kind: OverlayAdd, Content: content}
}

// ChangeOverlay returns an overlay carrying ordered edits.
func ChangeOverlay(edits ...SourceEdit) Overlay {
	if edits == nil {
		edits = []SourceEdit{}
	}
	return Overlay{Kind: OverlayChange, Edits: edits}
}

// RemoveOverlay returns an overlay that ends tracking of the file.
func RemoveOverlay() Overlay {
	return Overlay{Kind: OverlayRemove}
}

type addWire struct {
	Type    OverlayKind `json:"type"`
	Content string      `json:"content"`
}

type changeWire struct {
	Type  OverlayKind  `json:"type"`
	Edits []SourceEdit `json:"edits"`
}

type removeWire struct {
	Type OverlayKind `json:"type"`
}

// MarshalJSON encodes only the fields of the selected variant.
func (o Overlay) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OverlayAdd:
		return json.Marshal(addWire{Type: o.Kind, Content: o.Content})
	case OverlayChange:
		edits := o.Edits
		if edits == nil {
			edits = []SourceEdit{}
		}
		return json.Marshal(changeWire{Type: o.Kind, Edits: edits})
	case OverlayRemove:
		return json.Marshal(removeWire{Type: o.Kind})
	default:
		return nil, fmt.Errorf("%w: overlay kind %q", ErrInvalidMessage, o.Kind)
	}
}

// UnmarshalJSON decodes any of the three variants.
func (o *Overlay) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    OverlayKind  `json:"type"`
		Content string       `json:"content"`
		Edits   []SourceEdit `json:"edits"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case OverlayAdd:
		*o = AddOverlay(raw.Content)
	case OverlayChange:
		*o = ChangeOverlay(raw.Edits...)
	case OverlayRemove:
		*o = RemoveOverlay()
	default:
		return fmt.Errorf("%w: overlay kind %q", ErrInvalidMessage, raw.Type)
	}
	return nil
}

// UpdateContentParams are the parameters of analysis.updateContent.
// Keys are canonical file paths.
type UpdateContentParams struct {
	Files map[string]Overlay `json:"files"`
}

// =============================================================================
// SUBSCRIPTIONS AND FOLDING
// =============================================================================

// AnalysisService names a per-file result stream the server can push.
type AnalysisService string

// ServiceFolding requests analysis.folding notifications.
const ServiceFolding AnalysisService = "FOLDING"

// SetSubscriptionsParams are the parameters of analysis.setSubscriptions.
// The subscription set for each listed service replaces the previous one.
type SetSubscriptionsParams struct {
	Subscriptions map[AnalysisService][]string `json:"subscriptions"`
}

// FoldingKind classifies a folding region as reported by the server.
type FoldingKind string

const (
	FoldingAnnotations          FoldingKind = "ANNOTATIONS"
	FoldingBlock                FoldingKind = "BLOCK"
	FoldingClassBody            FoldingKind = "CLASS_BODY"
	FoldingComment              FoldingKind = "COMMENT"
	FoldingDirectives           FoldingKind = "DIRECTIVES"
	FoldingDocumentationComment FoldingKind = "DOCUMENTATION_COMMENT"
	FoldingFileHeader           FoldingKind = "FILE_HEADER"
	FoldingFunctionBody         FoldingKind = "FUNCTION_BODY"
	FoldingInvocation           FoldingKind = "INVOCATION"
	FoldingLiteral              FoldingKind = "LITERAL"
)

// FoldingRegion is a collapsible span in UTF-16 offsets.
type FoldingRegion struct {
	Kind   FoldingKind `json:"kind"`
	Offset int         `json:"offset"`
	Length int         `json:"length"`
}

// FoldingNotification is the payload of analysis.folding.
type FoldingNotification struct {
	File    string          `json:"file"`
	Regions []FoldingRegion `json:"regions"`
}

// VersionResult is the result of server.getVersion.
type VersionResult struct {
	Version string `json:"version"`
}

// ServerErrorNotification is the payload of server.error.
type ServerErrorNotification struct {
	IsFatal    bool   `json:"isFatal"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace"`
}
