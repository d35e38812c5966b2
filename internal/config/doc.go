// Package config handles configuration loading for analyzebot.
//
// # Sources
//
// Values are layered, later sources winning:
//
//  1. Built-in defaults (see Default)
//  2. An optional TOML file: ANALYZEBOT_CONFIG, else
//     $XDG_CONFIG_HOME/analyzebot/config.toml, else ~/.config/analyzebot/config.toml
//  3. Environment variables (IRC_*, MATRIX_*, MCP_*, LLM_*, CHAT_*, LOG_*),
//     optionally seeded from a .env file in the working directory
//
// # Environment Variable Expansion
//
// The TOML file can reference environment variables:
//
//	[irc]
//	password = "${IRC_PASSWORD}"
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[mcp]
//	connect_timeout = "30s"
//
//	[llm]
//	timeout = "2m"
//
// # Tool Servers
//
// The MCP server list itself lives in its own JSON (or YAML) document named
// by mcp.config_file / MCP_CONFIG_FILE and is parsed by the registry package.
package config
