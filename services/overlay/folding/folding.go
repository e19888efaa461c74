// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package folding projects cached folding regions into editor folding
// ranges.
//
// Cached regions are in offsets of whatever content the server last
// analyzed, which may be older than the live document. The projection does
// not validate them; line conversion is left to the document, which clamps.
package folding

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/artifact"
	"github.com/AleutianAI/overlaysync/services/overlay/document"
	"github.com/AleutianAI/overlaysync/services/overlay/identity"
)

// RangeKind is the editor's folding kind. The empty kind is a plain
// collapsible region.
type RangeKind string

const (
	KindNone    RangeKind = ""
	KindComment RangeKind = "comment"
	KindImports RangeKind = "imports"
)

// Range is one editor folding range. Lines are zero-based.
type Range struct {
	StartLine int       `json:"startLine"`
	EndLine   int       `json:"endLine"`
	Kind      RangeKind `json:"kind,omitempty"`
}

// KindFor maps a server folding kind to an editor folding kind.
func KindFor(k analysis.FoldingKind) RangeKind {
	switch k {
	case analysis.FoldingComment, analysis.FoldingDocumentationComment:
		return KindComment
	case analysis.FoldingDirectives:
		return KindImports
	default:
		return KindNone
	}
}

// Identifier maps a document URI to a file identity.
type Identifier interface {
	FromURI(uri string) (identity.FileID, error)
}

// Provider answers folding range queries from the artifact cache.
//
// Thread Safety:
//
//	Safe for concurrent use if the cache is. The document must not be
//	mutated during a query; run queries on the editor loop.
type Provider struct {
	cache  artifact.Reader
	ids    Identifier
	logger *slog.Logger
}

// NewProvider creates a provider. logger may be nil.
func NewProvider(cache artifact.Reader, ids Identifier, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cache: cache, ids: ids, logger: logger}
}

// FoldingRanges returns the folding ranges for doc.
//
// Description:
//
//	Returns ok=false when nothing is cached for the document's file, and a
//	non-nil, possibly empty slice otherwise. Ranges keep the cache's order
//	and are not deduplicated. StartLine is the line of the region offset
//	and EndLine the line of offset+length, both in the current document.
//
// Inputs:
//
//	ctx - Used for the cache lookup. Cancellation is the caller's concern;
//	      a cancelled caller simply drops the result.
//	doc - The live document.
func (p *Provider) FoldingRanges(ctx context.Context, doc document.Document) ([]Range, bool) {
	ctx, span := tracer.Start(ctx, "folding.FoldingRanges")
	defer span.End()

	id, err := p.ids.FromURI(string(doc.URI()))
	if err != nil {
		recordQuery(ctx, outcomeUnresolved)
		p.logger.Debug("No file identity for folding query",
			slog.String("uri", string(doc.URI())),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	span.SetAttributes(attribute.String("file", string(id)))

	regions, ok := p.cache.Get(ctx, id)
	if !ok {
		recordQuery(ctx, outcomeMiss)
		return nil, false
	}

	ranges := make([]Range, 0, len(regions))
	for _, r := range regions {
		ranges = append(ranges, Range{
			StartLine: doc.PositionAt(r.Offset).Line,
			EndLine:   doc.PositionAt(r.Offset + r.Length).Line,
			Kind:      KindFor(r.Kind),
		})
	}
	recordQuery(ctx, outcomeHit)
	span.SetAttributes(attribute.Int("ranges", len(ranges)))
	return ranges, true
}
