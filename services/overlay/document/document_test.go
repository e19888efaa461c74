// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rng(sl, sc, el, ec int) *Range {
	return &Range{Start: Position{Line: sl, Character: sc}, End: Position{Line: el, Character: ec}}
}

func TestTextDocument_OffsetAt(t *testing.T) {
	doc := New("file:///a.dart", "dart", 1, "abc\ndef\r\nghi")

	t.Run("start of lines", func(t *testing.T) {
		assert.Equal(t, 0, doc.OffsetAt(Position{Line: 0}))
		assert.Equal(t, 4, doc.OffsetAt(Position{Line: 1}))
		assert.Equal(t, 9, doc.OffsetAt(Position{Line: 2}))
	})

	t.Run("clamps character to line length", func(t *testing.T) {
		assert.Equal(t, 3, doc.OffsetAt(Position{Line: 0, Character: 99}))
		// "\r\n" is a line break; the clamp stops before "\r".
		assert.Equal(t, 7, doc.OffsetAt(Position{Line: 1, Character: 99}))
	})

	t.Run("clamps lines", func(t *testing.T) {
		assert.Equal(t, 0, doc.OffsetAt(Position{Line: -1, Character: 5}))
		assert.Equal(t, doc.Len(), doc.OffsetAt(Position{Line: 10}))
	})
}

func TestTextDocument_PositionAt(t *testing.T) {
	doc := New("file:///a.dart", "dart", 1, "abc\ndef\nghi")

	assert.Equal(t, Position{Line: 0, Character: 0}, doc.PositionAt(0))
	assert.Equal(t, Position{Line: 0, Character: 3}, doc.PositionAt(3))
	assert.Equal(t, Position{Line: 1, Character: 0}, doc.PositionAt(4))
	assert.Equal(t, Position{Line: 2, Character: 2}, doc.PositionAt(10))

	t.Run("past end reports final line", func(t *testing.T) {
		assert.Equal(t, Position{Line: 2, Character: 3}, doc.PositionAt(500))
	})

	t.Run("negative offset reports start", func(t *testing.T) {
		assert.Equal(t, Position{}, doc.PositionAt(-4))
	})
}

func TestTextDocument_UTF16(t *testing.T) {
	// U+1F600 takes two UTF-16 code units and four bytes.
	doc := New("file:///e.dart", "dart", 1, "a\U0001F600b\nc")

	assert.Equal(t, 6, doc.Len())
	assert.Equal(t, 2, doc.LineCount())
	assert.Equal(t, Position{Line: 0, Character: 3}, doc.PositionAt(3))
	assert.Equal(t, 5, doc.OffsetAt(Position{Line: 1}))

	require.NoError(t, doc.Apply(ContentChange{Range: rng(0, 3, 0, 4), RangeLength: 1, Text: "B"}))
	assert.Equal(t, "a\U0001F600B\nc", doc.Text())
}

func TestTextDocument_Apply(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		doc := New("file:///a.dart", "dart", 1, "abc")
		require.NoError(t, doc.Apply(ContentChange{Range: rng(0, 1, 0, 1), Text: "X"}))
		assert.Equal(t, "aXbc", doc.Text())
	})

	t.Run("replace across lines", func(t *testing.T) {
		doc := New("file:///a.dart", "dart", 1, "one\ntwo\nthree")
		require.NoError(t, doc.Apply(ContentChange{Range: rng(0, 2, 2, 1), RangeLength: 7, Text: "-"}))
		assert.Equal(t, "on-hree", doc.Text())
		assert.Equal(t, 1, doc.LineCount())
	})

	t.Run("full replacement", func(t *testing.T) {
		doc := New("file:///a.dart", "dart", 1, "abc")
		require.NoError(t, doc.Apply(ContentChange{Text: "x\ny"}))
		assert.Equal(t, "x\ny", doc.Text())
		assert.Equal(t, 2, doc.LineCount())
	})

	t.Run("inverted range", func(t *testing.T) {
		doc := New("file:///a.dart", "dart", 1, "abcdef")
		err := doc.Apply(ContentChange{Range: rng(0, 4, 0, 1), Text: ""})
		assert.True(t, errors.Is(err, ErrInvalidRange))
		assert.Equal(t, "abcdef", doc.Text())
	})
}

func TestTextDocument_Update(t *testing.T) {
	doc := New("file:///a.dart", "dart", 1, "abc")

	// The second change is resolved against the output of the first.
	err := doc.Update(2, []ContentChange{
		{Range: rng(0, 0, 0, 0), Text: "X"},
		{Range: rng(0, 4, 0, 4), Text: "Y"},
	})
	require.NoError(t, err)
	assert.Equal(t, "XabcY", doc.Text())
	assert.Equal(t, 2, doc.Version())
}
