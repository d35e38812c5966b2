// ABOUTME: The aggregated tool catalog handed to the generation engine.
// ABOUTME: Holds wrapped remote tools, their owning sessions, and backend-scoped errors.

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doubtingben/back-channel/internal/transport"
)

var (
	// ErrListTools indicates a reachable backend failed to enumerate its tools.
	ErrListTools = errors.New("listing tools failed")
	// ErrInvocation indicates a tool call to a backend failed.
	ErrInvocation = errors.New("tool invocation failed")
)

// Stage names the step of backend handling an error came from.
type Stage string

const (
	// StageConnect is the transport handshake with a backend.
	StageConnect Stage = "connect"
	// StageList is fetching a backend's tool listing.
	StageList Stage = "list"
	// StageInvoke is a tool call proxied to a backend.
	StageInvoke Stage = "invoke"
)

// BackendError ties a failure to the backend it came from.
type BackendError struct {
	Backend string
	Stage   Stage
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %q: %s: %v", e.Backend, e.Stage, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Tool is a remote tool wrapped for the generation engine.
//
// InputSchema and OutputSchema are deliberately empty (accept anything): the
// remote schema is carried in Description, not enforced.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any

	// Backend and RemoteName identify where calls are forwarded.
	Backend    string
	RemoteName string

	session transport.Session
}

// Invoke forwards input verbatim to the owning backend and returns its raw result.
func (t Tool) Invoke(ctx context.Context, input any) (*mcp.CallToolResult, error) {
	if t.session == nil {
		return nil, &BackendError{
			Backend: t.Backend,
			Stage:   StageInvoke,
			Err:     fmt.Errorf("%w: %s: no session", ErrInvocation, t.RemoteName),
		}
	}
	res, err := t.session.CallTool(ctx, t.RemoteName, input)
	if err != nil {
		return nil, &BackendError{
			Backend: t.Backend,
			Stage:   StageInvoke,
			Err:     fmt.Errorf("%w: %s: %w", ErrInvocation, t.RemoteName, err),
		}
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.Content{}}
	}
	return res, nil
}

type backendSession struct {
	name    string
	session transport.Session
}

// Catalog is the immutable, ordered set of wrapped tools.
// A nil *Catalog behaves as an empty catalog.
type Catalog struct {
	tools    []Tool
	index    map[string]int
	sessions []backendSession
}

// New builds a catalog from already-wrapped tools. Later tools whose name is
// already taken are dropped and logged.
func New(tools []Tool, logger *slog.Logger) *Catalog {
	return newCatalog(tools, nil, logger)
}

func newCatalog(tools []Tool, sessions []backendSession, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		tools:    make([]Tool, 0, len(tools)),
		index:    make(map[string]int, len(tools)),
		sessions: sessions,
	}
	for _, t := range tools {
		if prev, taken := c.index[t.Name]; taken {
			logger.Warn("dropping tool with duplicate name",
				"tool", t.Name,
				"backend", t.Backend,
				"kept_backend", c.tools[prev].Backend,
			)
			continue
		}
		c.index[t.Name] = len(c.tools)
		c.tools = append(c.tools, t)
	}
	return c
}

// Tools returns the catalog in order. The slice is a copy.
func (c *Catalog) Tools() []Tool {
	if c == nil {
		return nil
	}
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Lookup finds a tool by its exposed name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	i, ok := c.index[name]
	if !ok {
		return Tool{}, false
	}
	return c.tools[i], true
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

// Backends returns the names of backends that contributed a live session.
func (c *Catalog) Backends() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.sessions))
	for _, s := range c.sessions {
		names = append(names, s.name)
	}
	return names
}

// Close ends every backend session held by the catalog.
func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, s := range c.sessions {
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
