// ABOUTME: Wraps one backend's advertised tools as catalog tools.
// ABOUTME: Applies registry-size naming and folds the input schema into the description.

package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doubtingben/back-channel/internal/transport"
)

// NameSeparator joins backend and remote names when prefixing.
const NameSeparator = "_"

// schemaHeader precedes the rendered input schema in every description.
const schemaHeader = "\n\nInput Schema: "

// ExposedName returns the catalog name for a remote tool. Names are prefixed
// with the backend name whenever more than one backend is configured,
// whether or not they actually collide.
func ExposedName(backend, remote string, registrySize int) string {
	if registrySize > 1 {
		return backend + NameSeparator + remote
	}
	return remote
}

// Build lists a backend's tools and wraps each one. registrySize is the
// number of configured backends, not the number that connected.
func Build(ctx context.Context, backend string, sess transport.Session, registrySize int) ([]Tool, error) {
	remote, err := sess.ListTools(ctx)
	if err != nil {
		return nil, &BackendError{
			Backend: backend,
			Stage:   StageList,
			Err:     fmt.Errorf("%w: %w", ErrListTools, err),
		}
	}

	tools := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		if rt == nil {
			continue
		}
		tools = append(tools, Wrap(backend, rt, sess, registrySize))
	}
	return tools, nil
}

// Wrap turns one advertised remote tool into a catalog tool bound to sess.
func Wrap(backend string, remote *mcp.Tool, sess transport.Session, registrySize int) Tool {
	return Tool{
		Name:         ExposedName(backend, remote.Name, registrySize),
		Description:  describe(remote.Description, remote.InputSchema),
		InputSchema:  map[string]any{},
		OutputSchema: map[string]any{},
		Backend:      backend,
		RemoteName:   remote.Name,
		session:      sess,
	}
}

// describe appends the pretty-printed schema to the remote description.
func describe(description string, schema any) string {
	rendered, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		rendered = []byte(fmt.Sprintf("%v", schema))
	}
	return description + schemaHeader + string(rendered)
}
