// ABOUTME: Tests for analyzebot command helpers and the log handler.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtingben/back-channel/internal/catalog"
	"github.com/doubtingben/back-channel/internal/config"
	"github.com/doubtingben/back-channel/internal/history"
)

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestSetupLogger_Text(t *testing.T) {
	noColor(t)
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("backend", "search").WithGroup("req").Info("tool called", "id", 7)
	logger.Warn("slow", slog.Group("mcp", "tools", 3))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF tool called backend=search req.id=7")
	assert.Contains(t, out, "WRN slow mcp.tools=3")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("connected", "backend", "files")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "files", rec["backend"])
}

func TestParseCallArgs(t *testing.T) {
	name, input, err := parseCallArgs([]string{"files_read", `{"path":"/tmp/x"}`})
	require.NoError(t, err)
	assert.Equal(t, "files_read", name)
	assert.Equal(t, map[string]any{"path": "/tmp/x"}, input)

	name, input, err = parseCallArgs([]string{"ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Empty(t, input)

	_, _, err = parseCallArgs(nil)
	assert.Error(t, err)

	_, _, err = parseCallArgs([]string{"ping", `[1,2]`})
	assert.ErrorContains(t, err, "JSON object")
}

type stubSession struct {
	result *mcp.CallToolResult
	err    error
	args   any
}

func (s *stubSession) ListTools(context.Context) ([]*mcp.Tool, error) { return nil, nil }

func (s *stubSession) CallTool(_ context.Context, _ string, args any) (*mcp.CallToolResult, error) {
	s.args = args
	return s.result, s.err
}

func (s *stubSession) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func singleToolCatalog(sess *stubSession) *catalog.Catalog {
	tool := catalog.Wrap("files", &mcp.Tool{Name: "read", Description: "Read a file"}, sess, 1)
	return catalog.New([]catalog.Tool{tool}, discardLogger())
}

func TestCallTool(t *testing.T) {
	sess := &stubSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "hello"}},
	}}
	var out bytes.Buffer

	err := callTool(context.Background(), &out, singleToolCatalog(sess), "read", map[string]any{"path": "a"})

	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, map[string]any{"path": "a"}, sess.args)
}

func TestCallTool_Failures(t *testing.T) {
	var out bytes.Buffer

	err := callTool(context.Background(), &out, singleToolCatalog(&stubSession{}), "missing", nil)
	assert.ErrorContains(t, err, `no tool named "missing"`)

	err = callTool(context.Background(), &out,
		singleToolCatalog(&stubSession{err: errors.New("boom")}), "read", nil)
	assert.ErrorIs(t, err, catalog.ErrInvocation)

	out.Reset()
	err = callTool(context.Background(), &out, singleToolCatalog(&stubSession{result: &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "permission denied"}},
	}}), "read", nil)
	assert.ErrorContains(t, err, "reported an error")
	assert.Equal(t, "permission denied\n", out.String())
}

func TestPrintCatalog(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printCatalog(&out, singleToolCatalog(&stubSession{})))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"TOOL", "BACKEND", "DESCRIPTION"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"read", "files", "Read", "a", "file"}, strings.Fields(lines[1]))

	out.Reset()
	require.NoError(t, printCatalog(&out, nil))
	assert.Equal(t, "no tools available\n", out.String())
}

func TestPrintHistory_OldestFirst(t *testing.T) {
	now := time.Now()
	var out bytes.Buffer

	require.NoError(t, printHistory(&out, []history.Exchange{
		{ID: "2", Nick: "bob", Query: "second", Error: "model offline", Started: now},
		{ID: "1", Nick: "alice", Query: "first\nquestion", Reply: "4", ToolCalls: 2, Started: now.Add(-time.Minute)},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[1], "first question")
	assert.Contains(t, lines[2], "bob")
	assert.Contains(t, lines[2], "error: model offline")

	out.Reset()
	require.NoError(t, printHistory(&out, nil))
	assert.Equal(t, "no requests recorded\n", out.String())
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\t c", 10))
	assert.Equal(t, "abc...", oneLine("abcdef", 3))
}
