// ABOUTME: Serves the aggregated tool catalog as a single MCP server.
// ABOUTME: Runs over stdio or Streamable HTTP with optional bearer-token auth.

package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doubtingben/back-channel/internal/catalog"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

const shutdownTimeout = 5 * time.Second

// Options names the relay server and where it logs.
type Options struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// NewServer registers every catalog tool on a fresh MCP server. Calls are
// forwarded to the owning backend with arguments untouched.
func NewServer(cat *catalog.Catalog, opts Options) *mcp.Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "analyzebot-relay"
	}

	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: opts.Version}, nil)
	for _, tool := range cat.Tools() {
		server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: objectSchema(tool.InputSchema),
		}, forward(tool, logger))
	}
	logger.Info("relay tools registered", "tools", cat.Len())
	return server
}

// objectSchema returns schema with "type": "object" filled in when missing.
func objectSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func forward(tool catalog.Tool, logger *slog.Logger) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		} else {
			args = json.RawMessage(`{}`)
		}

		res, err := tool.Invoke(ctx, args)
		if err != nil {
			logger.Warn("relayed tool call failed",
				"tool", tool.Name,
				"backend", tool.Backend,
				"error", err,
			)
			return errorResult(err), nil
		}
		return res, nil
	}
}

// errorResult reports a failed call in-band so the client sees it as a tool error.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

// ServeStdio runs server over stdin/stdout until ctx is done or the client
// disconnects.
func ServeStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns the Streamable HTTP handler for server. A non-empty token
// is required as "Authorization: Bearer <token>" on every request.
func Handler(server *mcp.Server, token string) http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && !authorized(r, token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="analyzebot"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		mcpHandler.ServeHTTP(w, r)
	})
}

func authorized(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) == 1
}

// ServeHTTP serves handler on /mcp at addr until ctx is done, then shuts
// down gracefully.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return serve(ctx, ln, handler, logger)
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", ln.Addr().String(), "path", "/mcp")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return <-errCh
}
