// ABOUTME: Configuration loading for analyzebot
// ABOUTME: Optional TOML file with ${VAR} expansion, then environment variable overrides

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	TransportIRC    = "irc"
	TransportMatrix = "matrix"

	DispatchQueue      = "queue"
	DispatchConcurrent = "concurrent"
)

// Config is the complete bot configuration.
type Config struct {
	IRC     IRCConfig     `toml:"irc"`
	Matrix  MatrixConfig  `toml:"matrix"`
	MCP     MCPConfig     `toml:"mcp"`
	LLM     LLMConfig     `toml:"llm"`
	Chat    ChatConfig    `toml:"chat"`
	Relay   RelayConfig   `toml:"relay"`
	History HistoryConfig `toml:"history"`
	Logging LoggingConfig `toml:"logging"`
}

// IRCConfig holds the IRC network connection settings.
type IRCConfig struct {
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Nick     string `toml:"nick"`
	Channel  string `toml:"channel"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"`
	// TLSVerify is off by default so self-signed certificates work.
	TLSVerify bool `toml:"tls_verify"`
}

// MatrixConfig holds Matrix account settings for CHAT_TRANSPORT=matrix.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	Room        string `toml:"room"`
}

// MCPConfig locates tool servers and bounds connecting to them.
type MCPConfig struct {
	ConfigFile  string `toml:"config_file"`
	ServerURL   string `toml:"server_url"`
	Concurrency int    `toml:"concurrency"`

	ConnectTimeout    time.Duration `toml:"-"`
	ConnectTimeoutRaw string        `toml:"connect_timeout"`
}

// LLMConfig configures the Ollama generation engine.
type LLMConfig struct {
	URL           string  `toml:"url"`
	Model         string  `toml:"model"`
	Temperature   float64 `toml:"temperature"`
	MaxToolRounds int     `toml:"max_tool_rounds"`
	SystemPrompt  string  `toml:"system_prompt"`

	Timeout    time.Duration `toml:"-"`
	TimeoutRaw string        `toml:"timeout"`
}

// ChatConfig selects the chat transport and how requests are scheduled.
type ChatConfig struct {
	Transport string `toml:"transport"`
	Dispatch  string `toml:"dispatch"`
	QueueSize int    `toml:"queue_size"`
}

// RelayConfig configures "analyzebot relay", which serves the aggregated
// catalog as one MCP server. An empty Listen address means stdio.
type RelayConfig struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
}

// HistoryConfig locates the SQLite log of answered requests. An empty
// path disables it.
type HistoryConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		IRC: IRCConfig{
			Server:  "chat.interestedparticipant.org",
			Port:    6697,
			Nick:    "AnalyzeBot",
			Channel: "#analyze-this",
			TLS:     true,
		},
		MCP: MCPConfig{
			Concurrency:       4,
			ConnectTimeoutRaw: "30s",
		},
		LLM: LLMConfig{
			URL:           "http://localhost:11434",
			Model:         "llama3.2",
			Temperature:   0.7,
			MaxToolRounds: 5,
			TimeoutRaw:    "2m",
		},
		Chat: ChatConfig{
			Transport: TransportIRC,
			Dispatch:  DispatchQueue,
			QueueSize: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path (if
// path is non-empty), and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		cfg.expandEnvVars()
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.IRC.Username == "" {
		cfg.IRC.Username = cfg.IRC.Nick
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ConfigPath returns the config file to load.
// Priority: ANALYZEBOT_CONFIG > XDG_CONFIG_HOME/analyzebot/config.toml > ~/.config/analyzebot/config.toml.
// The default locations are optional; "" means no file.
func ConfigPath() string {
	if path := os.Getenv("ANALYZEBOT_CONFIG"); path != "" {
		return path
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	path := filepath.Join(configDir, "analyzebot", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// LoadDotEnv loads variables from a .env file into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// expandEnvVars expands ${VAR} in decoded string settings, so values may
// hold quotes or backslashes without breaking the TOML.
func (c *Config) expandEnvVars() {
	for _, p := range []*string{
		&c.IRC.Server, &c.IRC.Nick, &c.IRC.Channel, &c.IRC.Username, &c.IRC.Password,
		&c.Matrix.Homeserver, &c.Matrix.UserID, &c.Matrix.AccessToken, &c.Matrix.Room,
		&c.MCP.ConfigFile, &c.MCP.ServerURL, &c.MCP.ConnectTimeoutRaw,
		&c.LLM.URL, &c.LLM.Model, &c.LLM.SystemPrompt, &c.LLM.TimeoutRaw,
		&c.Chat.Transport, &c.Chat.Dispatch,
		&c.Relay.Listen, &c.Relay.Token,
		&c.History.Path,
		&c.Logging.Level, &c.Logging.Format,
	} {
		*p = expandEnvVars(*p)
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	env := envReader{lookup: lookup}

	env.setString("IRC_SERVER", &cfg.IRC.Server)
	env.setInt("IRC_PORT", &cfg.IRC.Port)
	env.setString("IRC_NICK", &cfg.IRC.Nick)
	env.setString("IRC_CHANNEL", &cfg.IRC.Channel)
	env.setString("IRC_USERNAME", &cfg.IRC.Username)
	env.setString("IRC_PASSWORD", &cfg.IRC.Password)
	env.setBool("IRC_TLS", &cfg.IRC.TLS)
	env.setBool("IRC_TLS_VERIFY", &cfg.IRC.TLSVerify)

	env.setString("MATRIX_HOMESERVER", &cfg.Matrix.Homeserver)
	env.setString("MATRIX_USER_ID", &cfg.Matrix.UserID)
	env.setString("MATRIX_ACCESS_TOKEN", &cfg.Matrix.AccessToken)
	env.setString("MATRIX_ROOM", &cfg.Matrix.Room)

	env.setString("MCP_CONFIG_FILE", &cfg.MCP.ConfigFile)
	env.setString("MCP_SERVER_URL", &cfg.MCP.ServerURL)
	env.setString("MCP_CONNECT_TIMEOUT", &cfg.MCP.ConnectTimeoutRaw)
	env.setInt("MCP_CONNECT_CONCURRENCY", &cfg.MCP.Concurrency)

	env.setString("LLM_URL", &cfg.LLM.URL)
	env.setString("LLM_MODEL", &cfg.LLM.Model)
	env.setFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature)
	env.setInt("LLM_MAX_TOOL_ROUNDS", &cfg.LLM.MaxToolRounds)
	env.setString("LLM_TIMEOUT", &cfg.LLM.TimeoutRaw)
	env.setString("LLM_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)

	env.setString("CHAT_TRANSPORT", &cfg.Chat.Transport)
	env.setString("CHAT_DISPATCH", &cfg.Chat.Dispatch)
	env.setInt("CHAT_QUEUE_SIZE", &cfg.Chat.QueueSize)

	env.setString("RELAY_LISTEN", &cfg.Relay.Listen)
	env.setString("RELAY_TOKEN", &cfg.Relay.Token)

	env.setString("HISTORY_DB", &cfg.History.Path)

	env.setString("LOG_LEVEL", &cfg.Logging.Level)
	env.setString("LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(env.errs...)
}

// envReader overwrites fields from set, non-empty variables and collects
// conversion errors.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) setFloat(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) setBool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not a boolean", key, v))
		return
	}
	*dst = b
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.MCP.ConnectTimeoutRaw != "" {
		cfg.MCP.ConnectTimeout, err = time.ParseDuration(cfg.MCP.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing mcp.connect_timeout %q: %w", cfg.MCP.ConnectTimeoutRaw, err)
		}
	}

	if cfg.LLM.TimeoutRaw != "" {
		cfg.LLM.Timeout, err = time.ParseDuration(cfg.LLM.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing llm.timeout %q: %w", cfg.LLM.TimeoutRaw, err)
		}
	}

	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Chat.Transport {
	case TransportIRC:
		if err := c.IRC.validate(); err != nil {
			return err
		}
	case TransportMatrix:
		if err := c.Matrix.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("chat.transport must be %q or %q, got %q", TransportIRC, TransportMatrix, c.Chat.Transport)
	}

	switch c.Chat.Dispatch {
	case DispatchQueue, DispatchConcurrent:
	default:
		return fmt.Errorf("chat.dispatch must be %q or %q, got %q", DispatchQueue, DispatchConcurrent, c.Chat.Dispatch)
	}
	if c.Chat.QueueSize < 1 {
		return fmt.Errorf("chat.queue_size must be at least 1")
	}

	if c.MCP.Concurrency < 1 {
		return fmt.Errorf("mcp.concurrency must be at least 1")
	}
	if c.MCP.ConnectTimeout < 0 {
		return fmt.Errorf("mcp.connect_timeout must not be negative")
	}

	if err := validateHTTPURL("llm.url", c.LLM.URL); err != nil {
		return err
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxToolRounds < 1 {
		return fmt.Errorf("llm.max_tool_rounds must be at least 1")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (c IRCConfig) validate() error {
	if c.Server == "" {
		return fmt.Errorf("irc.server is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("irc.port %d is out of range", c.Port)
	}
	if c.Nick == "" {
		return fmt.Errorf("irc.nick is required")
	}
	if c.Channel == "" {
		return fmt.Errorf("irc.channel is required")
	}
	return nil
}

func (c MatrixConfig) validate() error {
	if err := validateHTTPURL("matrix.homeserver", c.Homeserver); err != nil {
		return err
	}
	if c.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if !strings.HasPrefix(c.Room, "!") {
		return fmt.Errorf("matrix.room must be a room ID starting with '!'")
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	return nil
}
