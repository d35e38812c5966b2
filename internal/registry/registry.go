// ABOUTME: Resolves the set of MCP tool servers the bot should connect to.
// ABOUTME: Sources in order: server file, legacy single URL, then nothing.

package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrConfigLoad indicates the server file was present but unreadable or unparseable.
var ErrConfigLoad = errors.New("loading mcp server config")

// DefaultName is the registry key used for a server synthesized from the legacy URL.
const DefaultName = "default"

// Kind selects how a backend is reached.
type Kind string

const (
	// KindSSE is a long-lived server-sent-events endpoint addressed by URL.
	KindSSE Kind = "sse"
	// KindStdio is a local subprocess spoken to over stdin/stdout.
	KindStdio Kind = "stdio"
	// KindStreamable is the streamable HTTP endpoint style addressed by URL.
	KindStreamable Kind = "http"
)

// Descriptor identifies one tool server.
type Descriptor struct {
	Name    string
	Kind    Kind
	URL     string
	Command string
	Args    []string
	Env     map[string]string
}

// Sources holds the configuration values resolution reads from.
type Sources struct {
	// ConfigFile is the path to the server document (MCP_CONFIG_FILE).
	ConfigFile string
	// ServerURL is the legacy single server URL (MCP_SERVER_URL).
	ServerURL string
}

// serverEntry is the on-disk shape of one server.
type serverEntry struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Resolve returns the ordered server descriptors. A failing server file is
// logged and resolution falls through to the legacy URL.
func Resolve(src Sources, logger *slog.Logger) []Descriptor {
	if logger == nil {
		logger = slog.Default()
	}

	if src.ConfigFile != "" {
		descs, err := LoadFile(src.ConfigFile)
		switch {
		case err != nil:
			logger.Error("failed to load mcp config, falling back", "path", src.ConfigFile, "error", err)
		case len(descs) > 0:
			return descs
		default:
			logger.Warn("mcp config lists no servers, falling back", "path", src.ConfigFile)
		}
	}

	if src.ServerURL != "" {
		return []Descriptor{{
			Name: DefaultName,
			Kind: KindSSE,
			URL:  src.ServerURL,
		}}
	}

	return nil
}

// LoadFile reads a server document from disk.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigLoad, err)
	}
	return Parse(data)
}

// Parse decodes a server document of the form {servers: {name: {type, ...}}}.
// JSON and YAML are both accepted. Entries keep document order. ${VAR}
// references are expanded in decoded string values, never in the raw text.
func Parse(data []byte) ([]Descriptor, error) {
	// Tab-indented JSON is not valid YAML; compacting keeps key order.
	if json.Valid(data) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err == nil {
			data = compact.Bytes()
		}
	}

	var doc struct {
		Servers yaml.Node `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigLoad, err)
	}

	servers := doc.Servers
	if servers.Kind == 0 {
		return nil, nil
	}
	if servers.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: servers must be a mapping (line %d)", ErrConfigLoad, servers.Line)
	}

	descs := make([]Descriptor, 0, len(servers.Content)/2)
	seen := make(map[string]bool, len(servers.Content)/2)
	for i := 0; i+1 < len(servers.Content); i += 2 {
		name := servers.Content[i].Value
		if name == "" {
			return nil, fmt.Errorf("%w: empty server name (line %d)", ErrConfigLoad, servers.Content[i].Line)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate server %q", ErrConfigLoad, name)
		}
		seen[name] = true

		var entry serverEntry
		if err := servers.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("%w: server %q: %w", ErrConfigLoad, name, err)
		}
		descs = append(descs, entry.descriptor(name))
	}
	return descs, nil
}

func (e serverEntry) descriptor(name string) Descriptor {
	d := Descriptor{
		Name:    name,
		Kind:    Kind(e.Type),
		URL:     expandEnvVars(e.URL),
		Command: expandEnvVars(e.Command),
	}
	if e.Args != nil {
		d.Args = make([]string, len(e.Args))
		for i, arg := range e.Args {
			d.Args[i] = expandEnvVars(arg)
		}
	}
	if e.Env != nil {
		d.Env = make(map[string]string, len(e.Env))
		for k, v := range e.Env {
			d.Env[k] = expandEnvVars(v)
		}
	}
	return d
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, empty when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
