// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/overlaysync/services/overlay/analysis"
	"github.com/AleutianAI/overlaysync/services/overlay/config"
)

const replayInput = `{"type":"open","uri":"file:///p/lib/a.dart","languageId":"dart","version":1,"text":"abc"}
{"type":"change","uri":"file:///p/lib/a.dart","version":2,"changes":[{"range":{"start":{"line":0,"character":3},"end":{"line":0,"character":3}},"rangeLength":0,"text":"d"}]}

{"type":"folding","uri":"file:///p/lib/a.dart","requestId":"f1"}
{"type":"close","uri":"file:///p/lib/other.dart","requestId":"c0"}
{"type":"close","uri":"file:///p/lib/a.dart"}
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func outputLines(t *testing.T, out *bytes.Buffer) []map[string]json.RawMessage {
	t.Helper()
	var lines []map[string]json.RawMessage
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		lines = append(lines, m)
	}
	return lines
}

func label(m map[string]json.RawMessage) string {
	var s string
	if raw, ok := m["method"]; ok {
		_ = json.Unmarshal(raw, &s)
		return s
	}
	_ = json.Unmarshal(m["type"], &s)
	return s
}

func TestReplay(t *testing.T) {
	t.Run("dry run prints requests and replies in order", func(t *testing.T) {
		var out bytes.Buffer
		err := replay(context.Background(), replayOptions{
			Config: config.Default(),
			In:     strings.NewReader(replayInput),
			Out:    &out,
			DryRun: true,
			Logger: quietLogger(),
		})
		require.NoError(t, err)

		lines := outputLines(t, &out)
		var labels []string
		for _, l := range lines {
			labels = append(labels, label(l))
		}
		assert.Equal(t, []string{
			analysis.MethodUpdateContent,
			analysis.MethodSetSubscriptions,
			analysis.MethodUpdateContent,
			"foldingRanges",
			"error",
			analysis.MethodUpdateContent,
			analysis.MethodSetSubscriptions,
		}, labels)

		assert.JSONEq(t, `null`, string(lines[3]["ranges"]))
		assert.JSONEq(t, `{"files":{"/p/lib/a.dart":{"type":"change","edits":[{"offset":3,"length":0,"replacement":"d","id":""}]}}}`,
			string(lines[2]["params"]))
	})

	t.Run("malformed line stops the replay", func(t *testing.T) {
		var out bytes.Buffer
		err := replay(context.Background(), replayOptions{
			Config: config.Default(),
			In:     strings.NewReader("{\"type\":\"open\"\nnot json\n"),
			Out:    &out,
			DryRun: true,
			Logger: quietLogger(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 1")
	})

	t.Run("missing analysis server", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.Command = "overlaysync-no-such-analysis-server"
		var out bytes.Buffer
		err := replay(context.Background(), replayOptions{
			Config: cfg,
			In:     strings.NewReader(replayInput),
			Out:    &out,
			Logger: quietLogger(),
		})
		require.ErrorIs(t, err, analysis.ErrServerNotInstalled)
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	runVersion(versionCmd, nil)
	assert.True(t, strings.HasPrefix(out.String(), "overlaysync "))
}
