// Package registry resolves which MCP tool servers analyzebot connects to.
//
// The server document is JSON (or YAML) keyed by server name:
//
//	{
//	  "servers": {
//	    "files":  {"type": "stdio", "command": "mcp-files", "args": ["--root", "/srv"]},
//	    "search": {"type": "sse", "url": "http://localhost:8080/sse"},
//	    "docs":   {"type": "http", "url": "http://localhost:9090/mcp"}
//	  }
//	}
//
// String values may reference the environment as ${VAR}.
//
// When no document is configured the legacy MCP_SERVER_URL, if set, becomes a
// single SSE server named "default". With neither, the registry is empty and
// the bot runs without tools.
package registry
