// Package relay re-serves an aggregated catalog as a single MCP server so
// other MCP clients can use every backend through one connection.
package relay
