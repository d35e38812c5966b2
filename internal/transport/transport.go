// ABOUTME: Builds connected MCP client sessions from server descriptors.
// ABOUTME: Picks the connection strategy by descriptor kind; one attempt, no retry.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doubtingben/back-channel/internal/registry"
)

var (
	// ErrUnsupportedTransport indicates a descriptor kind with no registered dialer.
	ErrUnsupportedTransport = errors.New("unsupported transport kind")
	// ErrInvalidDescriptor indicates a descriptor missing a parameter its kind requires.
	ErrInvalidDescriptor = errors.New("invalid server descriptor")
	// ErrConnectionFailed indicates the backend could not be reached or refused the handshake.
	ErrConnectionFailed = errors.New("connection failed")
)

// Session is a live connection to one tool server.
type Session interface {
	// ListTools returns every tool the server advertises, in server order.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	// CallTool invokes a tool by its server-side name.
	CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error)
	// Close ends the session and releases its transport.
	Close() error
}

// DialFunc produces an unconnected MCP transport for a descriptor.
type DialFunc func(ctx context.Context, d registry.Descriptor) (mcp.Transport, error)

// Options configures a Factory.
type Options struct {
	// ClientName and ClientVersion are sent in the initialize handshake.
	ClientName    string
	ClientVersion string
	// ConnectTimeout bounds a single connect attempt. Zero disables it.
	ConnectTimeout time.Duration
	// Stderr receives subprocess stderr. Defaults to os.Stderr.
	Stderr io.Writer
	Logger *slog.Logger
}

// Factory connects sessions, selecting a dialer by descriptor kind.
type Factory struct {
	client         *mcp.Client
	connectTimeout time.Duration
	stderr         io.Writer
	logger         *slog.Logger

	mu      sync.RWMutex
	dialers map[registry.Kind]DialFunc
}

// NewFactory creates a Factory with the sse, stdio, and http dialers registered.
func NewFactory(opts Options) *Factory {
	if opts.ClientName == "" {
		opts.ClientName = "analyzebot"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	f := &Factory{
		client: mcp.NewClient(&mcp.Implementation{
			Name:    opts.ClientName,
			Version: opts.ClientVersion,
		}, nil),
		connectTimeout: opts.ConnectTimeout,
		stderr:         opts.Stderr,
		logger:         opts.Logger,
		dialers:        make(map[registry.Kind]DialFunc),
	}
	f.Register(registry.KindSSE, dialSSE)
	f.Register(registry.KindStreamable, dialStreamable)
	f.Register(registry.KindStdio, f.dialStdio)
	return f
}

// Register installs or replaces the dialer for a kind.
func (f *Factory) Register(kind registry.Kind, dial DialFunc) {
	if kind == "" || dial == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialers[kind] = dial
}

// Connect validates the descriptor, dials it, and performs the MCP handshake.
// The returned session stays bound to ctx; cancel ctx or call Close to end it.
func (f *Factory) Connect(ctx context.Context, d registry.Descriptor) (Session, error) {
	f.mu.RLock()
	dial, ok := f.dialers[d.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (server %q)", ErrUnsupportedTransport, d.Kind, d.Name)
	}
	if err := validate(d); err != nil {
		return nil, err
	}

	f.logger.Info("connecting to mcp server", "server", d.Name, "kind", d.Kind)

	// The session outlives the connect call, so the timeout cancels only
	// while the handshake is still pending.
	sessCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if f.connectTimeout > 0 {
		timer = time.AfterFunc(f.connectTimeout, cancel)
	}

	cs, err := f.handshake(sessCtx, dial, d)
	if timer != nil && !timer.Stop() {
		if cs != nil {
			_ = cs.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w: server %q: timed out after %s", ErrConnectionFailed, d.Name, f.connectTimeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: server %q: %w", ErrConnectionFailed, d.Name, err)
	}

	f.logger.Debug("mcp session established", "server", d.Name)
	return &mcpSession{cs: cs, cancel: cancel}, nil
}

func (f *Factory) handshake(ctx context.Context, dial DialFunc, d registry.Descriptor) (*mcp.ClientSession, error) {
	t, err := dial(ctx, d)
	if err != nil {
		return nil, err
	}
	return f.client.Connect(ctx, t, nil)
}

// validate checks the parameters each kind requires.
func validate(d registry.Descriptor) error {
	switch d.Kind {
	case registry.KindSSE, registry.KindStreamable:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("%w: server %q: url is required for %s", ErrInvalidDescriptor, d.Name, d.Kind)
		}
	case registry.KindStdio:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("%w: server %q: command is required for stdio", ErrInvalidDescriptor, d.Name)
		}
	}
	return nil
}

func dialSSE(_ context.Context, d registry.Descriptor) (mcp.Transport, error) {
	return &mcp.SSEClientTransport{Endpoint: d.URL}, nil
}

func dialStreamable(_ context.Context, d registry.Descriptor) (mcp.Transport, error) {
	return &mcp.StreamableClientTransport{Endpoint: d.URL}, nil
}

func (f *Factory) dialStdio(_ context.Context, d registry.Descriptor) (mcp.Transport, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = mergeEnv(os.Environ(), d.Env)
	cmd.Stderr = f.stderr
	return &mcp.CommandTransport{Command: cmd}, nil
}

// mergeEnv returns base with overrides replacing or adding variables.
// Overrides are sorted so the child environment is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[name]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// mcpSession adapts an mcp.ClientSession to Session.
type mcpSession struct {
	cs     *mcp.ClientSession
	cancel context.CancelFunc
}

func (s *mcpSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := s.cs.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return s.cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

func (s *mcpSession) Close() error {
	err := s.cs.Close()
	s.cancel()
	return err
}
