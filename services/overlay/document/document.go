// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document models the editor's view of an open text document.
//
// Offsets are measured in UTF-16 code units, the unit used both by editor
// positions and by the analysis server's offset/length edits. Lines are
// separated by "\n"; a trailing "\r" belongs to the line break.
package document

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

// ErrInvalidRange indicates a change whose end precedes its start.
var ErrInvalidRange = errors.New("invalid range")

// URI is a document location as the editor reports it (e.g. "file:///a/b.dart").
type URI string

// Position is a zero-based line/character pair. Character counts UTF-16
// code units from the start of the line.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span [Start, End) between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// ContentChange is one sub-change of an editor change event.
//
// A nil Range means Text replaces the whole document. RangeLength is the
// number of UTF-16 code units replaced by Text.
type ContentChange struct {
	Range       *Range `json:"range,omitempty"`
	RangeLength int    `json:"rangeLength"`
	Text        string `json:"text"`
}

// Document is the read-only surface the synchronizer and the folding
// projection need from an open document.
//
// OffsetAt and PositionAt reflect the document's current content. Both clamp
// out-of-range input instead of failing.
type Document interface {
	URI() URI
	LanguageID() string
	Version() int
	Text() string
	OffsetAt(pos Position) int
	PositionAt(offset int) Position
}

// =============================================================================
// TEXT DOCUMENT
// =============================================================================

// TextDocument is an in-memory Document that supports incremental edits.
//
// Thread Safety:
//
//	Not safe for concurrent use. The editor loop owns every TextDocument and
//	mutates it from a single goroutine.
type TextDocument struct {
	uri        URI
	languageID string
	version    int
	text       string

	// lineUnits[i] is the UTF-16 offset of line i; lineBytes[i] the byte offset.
	lineUnits []int
	lineBytes []int
	units     int
}

// New creates a TextDocument with the given content.
func New(uri URI, languageID string, version int, text string) *TextDocument {
	d := &TextDocument{
		uri:        uri,
		languageID: languageID,
		version:    version,
	}
	d.setText(text)
	return d
}

// URI returns the document URI.
func (d *TextDocument) URI() URI { return d.uri }

// LanguageID returns the editor language identifier.
func (d *TextDocument) LanguageID() string { return d.languageID }

// Version returns the editor version number.
func (d *TextDocument) Version() int { return d.version }

// Text returns the full content.
func (d *TextDocument) Text() string { return d.text }

// LineCount returns the number of lines, which is at least one.
func (d *TextDocument) LineCount() int { return len(d.lineUnits) }

// Len returns the content length in UTF-16 code units.
func (d *TextDocument) Len() int { return d.units }

// OffsetAt converts a position to a UTF-16 offset.
//
// Description:
//
//	Lines before the first line map to offset 0 and lines past the last line
//	map to the end of the document. Characters past the end of a line are
//	clamped to the line's length, excluding its line break.
func (d *TextDocument) OffsetAt(pos Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(d.lineUnits) {
		return d.units
	}
	start := d.lineUnits[pos.Line]
	length := d.lineLength(pos.Line)
	ch := pos.Character
	if ch < 0 {
		ch = 0
	}
	if ch > length {
		ch = length
	}
	return start + ch
}

// PositionAt converts a UTF-16 offset to a position.
//
// Description:
//
//	Negative offsets map to the start of the document and offsets past the
//	end map to the end of the last line. Callers relying on stale offsets get
//	the final line rather than an error.
func (d *TextDocument) PositionAt(offset int) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > d.units {
		offset = d.units
	}
	line := sort.Search(len(d.lineUnits), func(i int) bool {
		return d.lineUnits[i] > offset
	}) - 1
	if line < 0 {
		line = 0
	}
	return Position{Line: line, Character: offset - d.lineUnits[line]}
}

// Apply applies one content change to the document.
//
// Description:
//
//	A change without a range replaces the whole content. Otherwise the range
//	is resolved against the current content (clamping like OffsetAt) and the
//	covered text is replaced.
//
// Errors:
//
//	ErrInvalidRange - The resolved end offset precedes the start offset.
func (d *TextDocument) Apply(change ContentChange) error {
	if change.Range == nil {
		d.setText(change.Text)
		return nil
	}
	start := d.OffsetAt(change.Range.Start)
	end := d.OffsetAt(change.Range.End)
	if end < start {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, start, end)
	}
	startByte := d.byteIndex(start)
	endByte := d.byteIndex(end)
	d.setText(d.text[:startByte] + change.Text + d.text[endByte:])
	return nil
}

// Update applies changes in order and sets the new version.
//
// Each change is resolved against the content produced by the changes before
// it. On error the document keeps the changes applied so far.
func (d *TextDocument) Update(version int, changes []ContentChange) error {
	for i, change := range changes {
		if err := d.Apply(change); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	d.version = version
	return nil
}

// lineLength returns the UTF-16 length of a line without its line break.
func (d *TextDocument) lineLength(line int) int {
	var endUnits, endBytes int
	if line+1 < len(d.lineUnits) {
		endUnits = d.lineUnits[line+1] - 1
		endBytes = d.lineBytes[line+1] - 1
	} else {
		endUnits = d.units
		endBytes = len(d.text)
	}
	if endBytes > d.lineBytes[line] && d.text[endBytes-1] == '\r' {
		endUnits--
	}
	return endUnits - d.lineUnits[line]
}

// byteIndex converts a clamped UTF-16 offset to a byte index into text.
// An offset that splits a surrogate pair resolves to the start of the rune.
func (d *TextDocument) byteIndex(offset int) int {
	pos := d.PositionAt(offset)
	b := d.lineBytes[pos.Line]
	remaining := pos.Character
	for remaining > 0 && b < len(d.text) {
		r, size := utf8.DecodeRuneInString(d.text[b:])
		w := utf16Width(r)
		if w > remaining {
			break
		}
		remaining -= w
		b += size
	}
	return b
}

func (d *TextDocument) setText(text string) {
	d.text = text
	d.lineUnits = d.lineUnits[:0]
	d.lineBytes = d.lineBytes[:0]
	d.lineUnits = append(d.lineUnits, 0)
	d.lineBytes = append(d.lineBytes, 0)

	units := 0
	for i, r := range text {
		units += utf16Width(r)
		if r == '\n' {
			d.lineUnits = append(d.lineUnits, units)
			d.lineBytes = append(d.lineBytes, i+1)
		}
	}
	d.units = units
}

func utf16Width(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
