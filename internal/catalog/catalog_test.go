// ABOUTME: Tests for catalog building, invocation, and backend aggregation.
// ABOUTME: Uses fake sessions for unit cases and in-memory MCP servers end to end.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtingben/back-channel/internal/registry"
	"github.com/doubtingben/back-channel/internal/transport"
)

// fakeSession is a scripted transport.Session.
type fakeSession struct {
	tools   []*mcp.Tool
	listErr error
	callErr error

	mu     sync.Mutex
	calls  []fakeCall
	closed atomic.Bool
}

type fakeCall struct {
	name string
	args any
}

func (s *fakeSession) ListTools(context.Context) ([]*mcp.Tool, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools, nil
}

func (s *fakeSession) CallTool(_ context.Context, name string, args any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, fakeCall{name: name, args: args})
	s.mu.Unlock()
	if s.callErr != nil {
		return nil, s.callErr
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "called " + name}},
	}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeConnector hands out sessions by descriptor name.
type fakeConnector struct {
	sessions map[string]*fakeSession
	errs     map[string]error
	delay    map[string]time.Duration
}

func (c *fakeConnector) Connect(ctx context.Context, d registry.Descriptor) (transport.Session, error) {
	if wait, ok := c.delay[d.Name]; ok {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := c.errs[d.Name]; ok {
		return nil, err
	}
	s, ok := c.sessions[d.Name]
	if !ok {
		return nil, fmt.Errorf("no fake session for %q", d.Name)
	}
	return s, nil
}

func tools(names ...string) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, &mcp.Tool{
			Name:        n,
			Description: n + " things",
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return out
}

func descs(names ...string) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, registry.Descriptor{Name: n, Kind: registry.KindSSE, URL: "http://" + n})
	}
	return out
}

func names(c *Catalog) []string {
	out := make([]string, 0, c.Len())
	for _, t := range c.Tools() {
		out = append(out, t.Name)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quietOptions() Options {
	return Options{Logger: discardLogger()}
}

func TestExposedName(t *testing.T) {
	assert.Equal(t, "search", ExposedName("a", "search", 0))
	assert.Equal(t, "search", ExposedName("a", "search", 1))
	assert.Equal(t, "a_search", ExposedName("a", "search", 2))
	assert.Equal(t, "web_fetch_page", ExposedName("web", "fetch_page", 5))
}

func TestBuild_SingleBackendKeepsNames(t *testing.T) {
	sess := &fakeSession{tools: tools("search", "fetch")}

	got, err := Build(context.Background(), "only", sess, 1)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "search", got[0].Name)
	assert.Equal(t, "fetch", got[1].Name)
	assert.Equal(t, "only", got[0].Backend)
	assert.Equal(t, "search", got[0].RemoteName)
}

func TestBuild_MultipleBackendsPrefixEverything(t *testing.T) {
	sess := &fakeSession{tools: tools("search", "unique_to_me")}

	got, err := Build(context.Background(), "web", sess, 3)

	require.NoError(t, err)
	for _, tool := range got {
		assert.Regexp(t, `^web_`, tool.Name)
	}
}

func TestBuild_DescriptionCarriesSchema(t *testing.T) {
	sess := &fakeSession{tools: []*mcp.Tool{
		{
			Name:        "search",
			Description: "Search the web",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
			},
		},
		{Name: "bare", InputSchema: map[string]any{"type": "object"}},
	}}

	got, err := Build(context.Background(), "only", sess, 1)
	require.NoError(t, err)

	want := "Search the web\n\nInput Schema: {\n  \"properties\": {\n    \"q\": {\n      \"type\": \"string\"\n    }\n  },\n  \"type\": \"object\"\n}"
	assert.Equal(t, want, got[0].Description)
	assert.Equal(t, "\n\nInput Schema: {\n  \"type\": \"object\"\n}", got[1].Description)
}

func TestBuild_SchemasArePermissive(t *testing.T) {
	sess := &fakeSession{tools: tools("search")}

	got, err := Build(context.Background(), "only", sess, 1)
	require.NoError(t, err)

	assert.Empty(t, got[0].InputSchema)
	assert.Empty(t, got[0].OutputSchema)
}

func TestBuild_ListFailure(t *testing.T) {
	cause := errors.New("method not found")
	sess := &fakeSession{listErr: cause}

	_, err := Build(context.Background(), "broken", sess, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListTools)
	assert.ErrorIs(t, err, cause)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "broken", be.Backend)
	assert.Equal(t, StageList, be.Stage)
}

func TestBuild_Idempotent(t *testing.T) {
	sess := &fakeSession{tools: tools("a", "b", "c")}

	first, err := Build(context.Background(), "x", sess, 2)
	require.NoError(t, err)
	second, err := Build(context.Background(), "x", sess, 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestInvoke_ForwardsVerbatim(t *testing.T) {
	sess := &fakeSession{tools: tools("search")}
	built, err := Build(context.Background(), "web", sess, 2)
	require.NoError(t, err)

	input := map[string]any{"q": "golang", "limit": 3.0, "nested": []any{true, nil}}
	res, err := built[0].Invoke(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, "called search", ResultText(res))
	require.Len(t, sess.calls, 1)
	assert.Equal(t, "search", sess.calls[0].name)
	assert.Equal(t, input, sess.calls[0].args)
}

func TestInvoke_Failure(t *testing.T) {
	cause := errors.New("boom")
	sess := &fakeSession{tools: tools("search"), callErr: cause}
	built, err := Build(context.Background(), "web", sess, 1)
	require.NoError(t, err)

	_, err = built[0].Invoke(context.Background(), nil)

	assert.ErrorIs(t, err, ErrInvocation)
	assert.ErrorIs(t, err, cause)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StageInvoke, be.Stage)
}

// nilResultSession succeeds without a result, as a misbehaving backend might.
type nilResultSession struct{ fakeSession }

func (*nilResultSession) CallTool(context.Context, string, any) (*mcp.CallToolResult, error) {
	return nil, nil
}

func TestInvoke_NilResultBecomesEmpty(t *testing.T) {
	tool := Wrap("web", &mcp.Tool{Name: "ping"}, &nilResultSession{}, 1)

	res, err := tool.Invoke(context.Background(), nil)

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.IsError)
	assert.Empty(t, ResultText(res))
}

func TestInvoke_ZeroTool(t *testing.T) {
	_, err := Tool{Name: "ghost"}.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvocation)
}

func TestAggregate_EmptyRegistry(t *testing.T) {
	cat := Aggregate(context.Background(), nil, &fakeConnector{}, quietOptions())

	require.NotNil(t, cat)
	assert.Equal(t, 0, cat.Len())
	assert.Empty(t, cat.Tools())
}

func TestAggregate_RegistryOrderThenToolOrder(t *testing.T) {
	conn := &fakeConnector{
		sessions: map[string]*fakeSession{
			"a": {tools: tools("one", "two")},
			"b": {tools: tools("three")},
			"c": {tools: tools("four", "five")},
		},
		// Earlier backends finish last.
		delay: map[string]time.Duration{"a": 30 * time.Millisecond, "b": 10 * time.Millisecond},
	}

	cat := Aggregate(context.Background(), descs("a", "b", "c"), conn, Options{Concurrency: 3, Logger: discardLogger()})

	assert.Equal(t, []string{"a_one", "a_two", "b_three", "c_four", "c_five"}, names(cat))
	assert.Equal(t, []string{"a", "b", "c"}, cat.Backends())
}

func TestAggregate_IsolatesConnectFailure(t *testing.T) {
	conn := &fakeConnector{
		sessions: map[string]*fakeSession{
			"a": {tools: tools("x")},
			"c": {tools: tools("y")},
		},
		errs: map[string]error{"b": transport.ErrConnectionFailed},
	}

	cat := Aggregate(context.Background(), descs("a", "b", "c"), conn, quietOptions())

	assert.Equal(t, []string{"a_x", "c_y"}, names(cat))
	assert.Equal(t, []string{"a", "c"}, cat.Backends())
}

func TestAggregate_IsolatesListFailureAndClosesSession(t *testing.T) {
	broken := &fakeSession{listErr: errors.New("nope")}
	conn := &fakeConnector{
		sessions: map[string]*fakeSession{
			"a": {tools: tools("x")},
			"b": broken,
		},
	}

	cat := Aggregate(context.Background(), descs("a", "b"), conn, quietOptions())

	assert.Equal(t, []string{"a_x"}, names(cat))
	assert.True(t, broken.closed.Load())
}

func TestAggregate_AllFail(t *testing.T) {
	conn := &fakeConnector{
		errs: map[string]error{
			"a": errors.New("refused"),
			"b": errors.New("refused"),
		},
	}

	cat := Aggregate(context.Background(), descs("a", "b"), conn, quietOptions())

	require.NotNil(t, cat)
	assert.Equal(t, 0, cat.Len())
}

func TestAggregate_ConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	conn := connectorFunc(func(ctx context.Context, d registry.Descriptor) (transport.Session, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &fakeSession{tools: tools("t")}, nil
	})

	cat := Aggregate(context.Background(), descs("a", "b", "c", "d", "e", "f"), conn, Options{Concurrency: 2, Logger: discardLogger()})

	assert.Equal(t, 6, cat.Len())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCatalog_LookupAndClose(t *testing.T) {
	a := &fakeSession{tools: tools("x")}
	b := &fakeSession{tools: tools("y")}
	conn := &fakeConnector{sessions: map[string]*fakeSession{"a": a, "b": b}}

	cat := Aggregate(context.Background(), descs("a", "b"), conn, quietOptions())

	tool, ok := cat.Lookup("b_y")
	require.True(t, ok)
	assert.Equal(t, "b", tool.Backend)
	_, ok = cat.Lookup("y")
	assert.False(t, ok)

	require.NoError(t, cat.Close())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestCatalog_DropsDuplicateNames(t *testing.T) {
	cat := New([]Tool{
		{Name: "a_b_c", Backend: "a_b"},
		{Name: "a_b_c", Backend: "a"},
	}, discardLogger())

	require.Equal(t, 1, cat.Len())
	tool, _ := cat.Lookup("a_b_c")
	assert.Equal(t, "a_b", tool.Backend)
}

func TestCatalog_NilIsEmpty(t *testing.T) {
	var cat *Catalog
	assert.Equal(t, 0, cat.Len())
	assert.Nil(t, cat.Tools())
	_, ok := cat.Lookup("x")
	assert.False(t, ok)
	assert.NoError(t, cat.Close())
}

func TestCatalog_ToolsReturnsCopy(t *testing.T) {
	cat := New([]Tool{{Name: "x"}}, discardLogger())
	got := cat.Tools()
	got[0].Name = "mutated"
	assert.Equal(t, []string{"x"}, names(cat))
}

func TestResultText(t *testing.T) {
	assert.Equal(t, "", ResultText(nil))
	assert.Equal(t, "one\ntwo", ResultText(&mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: "one"},
		&mcp.TextContent{Text: "two"},
	}}))
	assert.Equal(t, `{"answer":42}`, ResultText(&mcp.CallToolResult{
		StructuredContent: map[string]any{"answer": 42},
	}))
}

// End to end against in-memory MCP servers through the real transport factory.

const kindMemory registry.Kind = "memory"

type queryArgs struct {
	Query string `json:"query"`
}

func memoryFactory(t *testing.T, servers map[string][]string, failing ...string) *transport.Factory {
	t.Helper()
	clients := make(map[string]mcp.Transport, len(servers))
	for name, toolNames := range servers {
		server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "v0.0.1"}, nil)
		for _, tn := range toolNames {
			backend := name
			mcp.AddTool(server, &mcp.Tool{Name: tn, Description: "test tool"},
				func(_ context.Context, _ *mcp.CallToolRequest, in queryArgs) (*mcp.CallToolResult, any, error) {
					return &mcp.CallToolResult{
						Content: []mcp.Content{&mcp.TextContent{Text: backend + "/" + tn + ": " + in.Query}},
					}, nil, nil
				})
		}
		serverT, clientT := mcp.NewInMemoryTransports()
		ss, err := server.Connect(context.Background(), serverT, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ss.Close() })
		clients[name] = clientT
	}

	down := make(map[string]bool, len(failing))
	for _, n := range failing {
		down[n] = true
	}
	f := transport.NewFactory(transport.Options{ConnectTimeout: 5 * time.Second, Stderr: io.Discard, Logger: discardLogger()})
	f.Register(kindMemory, func(_ context.Context, d registry.Descriptor) (mcp.Transport, error) {
		if down[d.Name] {
			return nil, errors.New("connection refused")
		}
		return clients[d.Name], nil
	})
	return f
}

func memoryDescs(names ...string) []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, registry.Descriptor{Name: n, Kind: kindMemory})
	}
	return out
}

func TestAggregate_SameToolNameOnTwoBackendsIsRenamed(t *testing.T) {
	f := memoryFactory(t, map[string][]string{"a": {"search"}, "b": {"search"}})

	cat := Aggregate(context.Background(), memoryDescs("a", "b"), f, quietOptions())
	t.Cleanup(func() { _ = cat.Close() })

	assert.Equal(t, []string{"a_search", "b_search"}, names(cat))
	_, ok := cat.Lookup("search")
	assert.False(t, ok)

	tool, ok := cat.Lookup("b_search")
	require.True(t, ok)
	res, err := tool.Invoke(context.Background(), map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, "b/search: go", ResultText(res))
}

func TestAggregate_OnlyBackendFailsToConnect(t *testing.T) {
	f := memoryFactory(t, map[string][]string{"a": {"search"}}, "a")

	cat := Aggregate(context.Background(), memoryDescs("a"), f, quietOptions())

	require.NotNil(t, cat)
	assert.Empty(t, cat.Tools())
}

func TestAggregate_UnsupportedKindIsIsolated(t *testing.T) {
	f := memoryFactory(t, map[string][]string{"a": {"search"}})
	ds := append(memoryDescs("a"), registry.Descriptor{Name: "odd", Kind: "carrier-pigeon"})

	cat := Aggregate(context.Background(), ds, f, quietOptions())
	t.Cleanup(func() { _ = cat.Close() })

	assert.Equal(t, []string{"a_search"}, names(cat))
}

type connectorFunc func(ctx context.Context, d registry.Descriptor) (transport.Session, error)

func (f connectorFunc) Connect(ctx context.Context, d registry.Descriptor) (transport.Session, error) {
	return f(ctx, d)
}
