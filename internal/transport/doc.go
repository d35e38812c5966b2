// Package transport opens MCP client sessions for registry descriptors,
// choosing SSE, streamable HTTP, or a stdio subprocess by descriptor kind.
package transport
