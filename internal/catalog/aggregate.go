// ABOUTME: Connects every registry backend and merges their tools into one catalog.
// ABOUTME: Backends are isolated: one failing never removes another's tools.

package catalog

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/doubtingben/back-channel/internal/registry"
	"github.com/doubtingben/back-channel/internal/transport"
)

// DefaultConcurrency bounds parallel backend connects when unset.
const DefaultConcurrency = 4

// Connector opens a session for a descriptor. *transport.Factory satisfies it.
type Connector interface {
	Connect(ctx context.Context, d registry.Descriptor) (transport.Session, error)
}

// Options configures Aggregate.
type Options struct {
	// Concurrency bounds how many backends connect at once. Zero means DefaultConcurrency.
	Concurrency int
	Logger      *slog.Logger
}

type backendResult struct {
	tools   []Tool
	session transport.Session
	ok      bool
}

// Aggregate connects each backend, wraps its tools, and concatenates them in
// registry order. Failures are logged and skipped; the result is never nil.
// Sessions stay open until the returned catalog is closed.
func Aggregate(ctx context.Context, descs []registry.Descriptor, conn Connector, opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	if len(descs) == 0 {
		logger.Warn("no mcp servers configured, continuing without tools")
		return newCatalog(nil, nil, logger)
	}

	results := make([]backendResult, len(descs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, d := range descs {
		g.Go(func() error {
			tools, sess, err := loadBackend(ctx, d, conn, len(descs))
			if err != nil {
				logger.Error("mcp server unavailable, skipping",
					"server", d.Name,
					"kind", d.Kind,
					"error", err,
				)
				return nil
			}
			logger.Info("loaded tools from mcp server", "server", d.Name, "tools", len(tools))
			results[i] = backendResult{tools: tools, session: sess, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	var (
		tools    []Tool
		sessions []backendSession
		failed   int
	)
	for i, r := range results {
		if !r.ok {
			failed++
			continue
		}
		tools = append(tools, r.tools...)
		sessions = append(sessions, backendSession{name: descs[i].Name, session: r.session})
	}

	cat := newCatalog(tools, sessions, logger)
	logger.Info("mcp catalog ready",
		"tools", cat.Len(),
		"backends", len(sessions),
		"failed", failed,
	)
	return cat
}

// loadBackend connects one backend and builds its tools, closing the
// session again if listing fails.
func loadBackend(ctx context.Context, d registry.Descriptor, conn Connector, registrySize int) ([]Tool, transport.Session, error) {
	sess, err := conn.Connect(ctx, d)
	if err != nil {
		return nil, nil, &BackendError{Backend: d.Name, Stage: StageConnect, Err: err}
	}
	tools, err := Build(ctx, d.Name, sess, registrySize)
	if err != nil {
		_ = sess.Close()
		return nil, nil, err
	}
	return tools, sess, nil
}
