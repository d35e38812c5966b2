// ABOUTME: Entry point for analyzebot, a chat bot that answers with MCP tools
// ABOUTME: Subcommands: serve the bot, list the tool catalog, call one tool, print version

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/doubtingben/back-channel/internal/bridge"
	"github.com/doubtingben/back-channel/internal/catalog"
	"github.com/doubtingben/back-channel/internal/config"
	"github.com/doubtingben/back-channel/internal/dedupe"
	"github.com/doubtingben/back-channel/internal/generate"
	"github.com/doubtingben/back-channel/internal/history"
	"github.com/doubtingben/back-channel/internal/irc"
	"github.com/doubtingben/back-channel/internal/matrix"
	"github.com/doubtingben/back-channel/internal/registry"
	"github.com/doubtingben/back-channel/internal/relay"
	"github.com/doubtingben/back-channel/internal/transport"
)

// Version is set at build time.
var version = "dev"

const banner = `
                   _                  _           _
  __ _ _ __   __ _| |_   _ _______  | |__   ___ | |_
 / _' | '_ \ / _' | | | | |_  / _ \ | '_ \ / _ \| __|
| (_| | | | | (_| | | |_| |/ /  __/ | |_) | (_) | |_
 \__,_|_| |_|\__,_|_|\__, /___\___| |_.__/ \___/ \__|
                     |___/
`

func usage() {
	fmt.Println("Usage: analyzebot <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                   Connect to chat and answer mentions (default)")
	fmt.Println("  tools                   List the aggregated MCP tool catalog")
	fmt.Println("  call <tool> [json-args]  Invoke one catalog tool and print its result")
	fmt.Println("  history [n]             Show the n most recent answered requests")
	fmt.Println("  relay                   Serve the catalog as one MCP server (stdio or RELAY_LISTEN)")
	fmt.Println("  version                 Print version")
}

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "tools":
		err = runTools(ctx, os.Stdout)
	case "call":
		err = runCall(ctx, os.Args[2:], os.Stdout)
	case "relay":
		err = runRelay(ctx)
	case "history":
		err = runHistory(ctx, os.Args[2:], os.Stdout)
	case "version", "--version", "-v":
		fmt.Printf("analyzebot %s\n", version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads .env, the optional config file, and the environment.
func loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, "", err
	}
	path := config.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// loadCatalog resolves the MCP registry and connects every backend.
func loadCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) *catalog.Catalog {
	descs := registry.Resolve(registry.Sources{
		ConfigFile: cfg.MCP.ConfigFile,
		ServerURL:  cfg.MCP.ServerURL,
	}, logger)

	factory := transport.NewFactory(transport.Options{
		ClientName:     "analyzebot",
		ClientVersion:  version,
		ConnectTimeout: cfg.MCP.ConnectTimeout,
		Logger:         logger,
	})

	return catalog.Aggregate(ctx, descs, factory, catalog.Options{
		Concurrency: cfg.MCP.Concurrency,
		Logger:      logger,
	})
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	session, channel, err := newChatSession(cfg, logger)
	if err != nil {
		return err
	}
	printSummary(cfg, configPath, channel)

	logger.Info("starting analyzebot",
		"config", configPath,
		"transport", cfg.Chat.Transport,
		"channel", channel,
		"model", cfg.LLM.Model,
	)

	cat := loadCatalog(ctx, cfg, logger)
	defer func() {
		if err := cat.Close(); err != nil {
			logger.Warn("closing mcp sessions", "error", err)
		}
	}()

	engine := generate.NewOllama(generate.OllamaOptions{
		BaseURL:       cfg.LLM.URL,
		Model:         cfg.LLM.Model,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		Timeout:       cfg.LLM.Timeout,
		Logger:        logger,
	})

	var recorder bridge.Recorder
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	b := bridge.New(session, engine, cat, bridge.Options{
		Channel:     channel,
		Mode:        bridge.Mode(cfg.Chat.Dispatch),
		QueueSize:   cfg.Chat.QueueSize,
		Temperature: cfg.LLM.Temperature,
		Seen:        dedupe.New(dedupe.DefaultWindow, dedupe.DefaultCapacity),
		History:     recorder,
		Logger:      logger,
	})
	return b.Run(ctx)
}

// newChatSession builds the configured chat transport and the channel it serves.
func newChatSession(cfg *config.Config, logger *slog.Logger) (bridge.ChannelSession, string, error) {
	switch cfg.Chat.Transport {
	case config.TransportMatrix:
		s, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Logger:      logger,
		})
		if err != nil {
			return nil, "", err
		}
		return s, cfg.Matrix.Room, nil
	default:
		return irc.New(irc.Config{
			Server:    cfg.IRC.Server,
			Port:      cfg.IRC.Port,
			Nick:      cfg.IRC.Nick,
			Username:  cfg.IRC.Username,
			Password:  cfg.IRC.Password,
			TLS:       cfg.IRC.TLS,
			TLSVerify: cfg.IRC.TLSVerify,
			Logger:    logger,
		}), cfg.IRC.Channel, nil
	}
}

func printSummary(cfg *config.Config, configPath, channel string) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	if configPath == "" {
		configPath = "(environment only)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)

	green.Print("    ▶ ")
	if cfg.Chat.Transport == config.TransportMatrix {
		fmt.Printf("Matrix:    %s %s\n", cfg.Matrix.Homeserver, channel)
	} else {
		fmt.Printf("IRC:       %s:%d %s as %s", cfg.IRC.Server, cfg.IRC.Port, channel, cfg.IRC.Nick)
		if cfg.IRC.TLS && !cfg.IRC.TLSVerify {
			yellow.Print(" [tls, unverified]")
		} else if cfg.IRC.TLS {
			gray.Print(" [tls]")
		}
		fmt.Println()
	}

	green.Print("    ▶ ")
	switch {
	case cfg.MCP.ConfigFile != "":
		fmt.Printf("MCP:       %s\n", cfg.MCP.ConfigFile)
	case cfg.MCP.ServerURL != "":
		fmt.Printf("MCP:       %s\n", cfg.MCP.ServerURL)
	default:
		yellow.Println("MCP:       no servers configured")
	}

	green.Print("    ▶ ")
	fmt.Printf("Model:     %s @ %s", cfg.LLM.Model, cfg.LLM.URL)
	gray.Printf(" (%s dispatch)\n", cfg.Chat.Dispatch)
	fmt.Println()
}

func runTools(ctx context.Context, out io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	cat := loadCatalog(ctx, cfg, logger)
	defer cat.Close()

	return printCatalog(out, cat)
}

// printCatalog writes one row per tool: name, backend, first description line.
func printCatalog(out io.Writer, cat *catalog.Catalog) error {
	if cat.Len() == 0 {
		_, err := fmt.Fprintln(out, "no tools available")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tBACKEND\tDESCRIPTION")
	for _, t := range cat.Tools() {
		summary, _, _ := strings.Cut(t.Description, "\n")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Backend, summary)
	}
	return tw.Flush()
}

func runCall(ctx context.Context, args []string, out io.Writer) error {
	name, input, err := parseCallArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	cat := loadCatalog(ctx, cfg, logger)
	defer cat.Close()

	return callTool(ctx, out, cat, name, input)
}

// parseCallArgs reads "<tool> [json-object]".
func parseCallArgs(args []string) (string, map[string]any, error) {
	if len(args) < 1 || args[0] == "" {
		return "", nil, errors.New("usage: analyzebot call <tool> [json-args]")
	}
	input := map[string]any{}
	if len(args) > 1 && strings.TrimSpace(args[1]) != "" {
		if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
			return "", nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}
	return args[0], input, nil
}

func callTool(ctx context.Context, out io.Writer, cat *catalog.Catalog, name string, input map[string]any) error {
	tool, ok := cat.Lookup(name)
	if !ok {
		return fmt.Errorf("no tool named %q (see 'analyzebot tools')", name)
	}
	res, err := tool.Invoke(ctx, input)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, catalog.ResultText(res)); err != nil {
		return err
	}
	if res != nil && res.IsError {
		return fmt.Errorf("tool %q reported an error", name)
	}
	return nil
}

// runRelay serves the aggregated catalog as a single MCP server. stdout
// belongs to the protocol in stdio mode, so nothing else is printed there.
func runRelay(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	cat := loadCatalog(ctx, cfg, logger)
	defer cat.Close()

	server := relay.NewServer(cat, relay.Options{
		Name:    "analyzebot-relay",
		Version: version,
		Logger:  logger,
	})

	if cfg.Relay.Listen == "" {
		logger.Info("relay serving on stdio", "tools", cat.Len())
		return relay.ServeStdio(ctx, server)
	}
	if cfg.Relay.Token == "" {
		logger.Warn("relay has no token configured; HTTP endpoint is unauthenticated")
	}
	return relay.ServeHTTP(ctx, cfg.Relay.Listen, relay.Handler(server, cfg.Relay.Token), logger)
}

func runHistory(ctx context.Context, args []string, out io.Writer) error {
	limit := history.DefaultLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("history count must be a positive integer, got %q", args[0])
		}
		limit = n
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return errors.New("history is disabled; set HISTORY_DB or [history] path")
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	store, err := history.Open(cfg.History.Path, logger)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer store.Close()

	exchanges, err := store.Recent(ctx, history.Filter{Limit: limit})
	if err != nil {
		return err
	}
	return printHistory(out, exchanges)
}

// printHistory writes exchanges oldest first, the way they appeared in the channel.
func printHistory(out io.Writer, exchanges []history.Exchange) error {
	if len(exchanges) == 0 {
		_, err := fmt.Fprintln(out, "no requests recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tNICK\tTOOLS\tTOOK\tQUERY\tOUTCOME")
	for i := len(exchanges) - 1; i >= 0; i-- {
		e := exchanges[i]
		outcome := e.Reply
		if e.Failed() {
			outcome = "error: " + e.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Started.Local().Format(time.DateTime),
			e.Nick,
			e.ToolCalls,
			e.Duration.Round(time.Millisecond),
			oneLine(e.Query, 60),
			oneLine(outcome, 60),
		)
	}
	return tw.Flush()
}

// oneLine flattens s to a single line of at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
