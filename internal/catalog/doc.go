// Package catalog aggregates the tools of many MCP servers into one flat,
// invocable namespace.
//
// # Naming
//
// With a single configured server, tools keep their remote names. With more
// than one, every tool is exposed as "<server>_<tool>", whether or not any
// two names actually collide. The decision uses the number of configured
// servers, so a server that fails to connect does not change the names of
// the others.
//
// # Failure isolation
//
// Aggregate connects to servers concurrently. A server that cannot be
// reached, or that fails to list its tools, is logged and left out; the
// remaining servers still contribute. Aggregate itself never fails.
//
// # Invocation
//
// Each Tool remembers its owning session and remote name. Tool.Invoke
// forwards the caller's input unchanged and returns the server's raw
// result. Transport failures are returned as *BackendError; tool-level
// failures arrive as results with IsError set.
package catalog
