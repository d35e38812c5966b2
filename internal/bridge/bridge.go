// ABOUTME: Dispatch loop between a chat channel and the generation engine.
// ABOUTME: Answers messages that mention the bot, using the aggregated tool catalog.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doubtingben/back-channel/internal/catalog"
	"github.com/doubtingben/back-channel/internal/dedupe"
	"github.com/doubtingben/back-channel/internal/generate"
	"github.com/doubtingben/back-channel/internal/history"
)

// Mode selects how inbound requests are scheduled.
type Mode string

const (
	// ModeQueue answers one message at a time, in arrival order.
	ModeQueue Mode = "queue"
	// ModeConcurrent answers every message immediately; replies may interleave.
	ModeConcurrent Mode = "concurrent"
)

const (
	DefaultQueueSize = 16
	sendTimeout      = 30 * time.Second
)

// Options configures a Bridge.
type Options struct {
	Channel     string
	Mode        Mode
	QueueSize   int
	Temperature float64
	// Seen skips redelivered message IDs. Nil disables deduplication.
	Seen *dedupe.Window
	// History records every finished request. Nil disables recording.
	History Recorder
	Logger  *slog.Logger
}

// Recorder stores finished exchanges.
type Recorder interface {
	Record(ctx context.Context, e history.Exchange) error
}

type request struct {
	id    string
	msg   Message
	query string
}

// Bridge relays addressed channel messages to an engine and posts replies.
type Bridge struct {
	session ChannelSession
	engine  generate.Engine
	tools   []catalog.Tool
	opts    Options
	logger  *slog.Logger

	queue chan request
	wg    sync.WaitGroup

	// mu guards stopped and orders wg.Add against the final wg.Wait.
	mu      sync.Mutex
	stopped bool
}

// New creates a Bridge. The catalog is read once and reused for every request.
func New(session ChannelSession, engine generate.Engine, cat *catalog.Catalog, opts Options) *Bridge {
	if opts.Mode == "" {
		opts.Mode = ModeQueue
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bridge{
		session: session,
		engine:  engine,
		tools:   cat.Tools(),
		opts:    opts,
		logger:  opts.Logger,
	}
	if opts.Mode == ModeQueue {
		b.queue = make(chan request, opts.QueueSize)
	}
	return b
}

// Run drives the channel session until ctx is cancelled or the session
// fails, then waits for in-flight requests to finish.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.logger.Info("starting chat bridge",
		"channel", b.opts.Channel,
		"nick", b.session.Nick(),
		"mode", b.opts.Mode,
		"tools", len(b.tools),
	)

	if b.queue != nil {
		b.wg.Add(1)
		go b.drain(ctx)
	}

	err := b.session.Run(ctx, Events{
		OnRegistered: b.onRegistered,
		OnMessage:    func(m Message) { b.onMessage(ctx, m) },
		OnError:      b.onError,
	})

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	cancel()
	b.wg.Wait()
	b.logger.Info("chat bridge stopped")
	if err != nil {
		return fmt.Errorf("chat session: %w", err)
	}
	return nil
}

func (b *Bridge) onRegistered() {
	b.logger.Info("connected to chat server", "nick", b.session.Nick())
	if err := b.session.Join(b.opts.Channel); err != nil {
		b.logger.Error("failed to join channel", "channel", b.opts.Channel, "error", err)
		return
	}
	b.logger.Info("joined channel", "channel", b.opts.Channel)
}

// Channel errors are never fatal.
func (b *Bridge) onError(err error) {
	b.logger.Warn("chat transport error", "error", err)
}

func (b *Bridge) onMessage(ctx context.Context, m Message) {
	if ctx.Err() != nil {
		return
	}
	if !strings.EqualFold(m.Target, b.opts.Channel) {
		return
	}
	self := b.session.Nick()
	if strings.EqualFold(m.Nick, self) {
		return
	}
	query, ok := Addressed(m.Text, self)
	if !ok {
		return
	}
	if b.opts.Seen != nil && m.ID != "" && b.opts.Seen.Seen(dedupe.Key(m.Target, m.ID)) {
		b.logger.Debug("skipping duplicate message", "id", m.ID)
		return
	}
	if query == "" {
		return
	}

	req := request{id: uuid.NewString(), msg: m, query: query}
	b.logger.Info("received query",
		"request_id", req.id,
		"nick", m.Nick,
		"query", truncate(query, 80),
	)

	if !b.accept(ctx, req) {
		b.logger.Warn("request queue full, turning away query", "request_id", req.id, "nick", m.Nick)
		b.say(ctx, Reply(m.Nick, BusyText))
	}
}

// accept schedules req. Requests arriving after shutdown began are dropped
// silently; false means the queue is full.
func (b *Bridge) accept(ctx context.Context, req request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		b.logger.Debug("dropping query received during shutdown", "request_id", req.id)
		return true
	}

	if b.queue == nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handle(ctx, req)
		}()
		return true
	}

	select {
	case b.queue <- req:
		return true
	default:
		return false
	}
}

// drain answers queued requests one at a time.
func (b *Bridge) drain(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.queue:
			b.handle(ctx, req)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, req request) {
	logger := b.logger.With("request_id", req.id, "nick", req.msg.Nick)
	start := time.Now()

	resp, err := b.engine.Generate(ctx, generate.Request{
		Prompt:   req.query,
		Tools:    b.tools,
		Sampling: generate.Sampling{Temperature: b.opts.Temperature},
	})
	exchange := history.Exchange{
		ID:        req.id,
		Channel:   b.opts.Channel,
		Nick:      req.msg.Nick,
		Query:     req.query,
		ToolCalls: resp.ToolCalls,
		Started:   start,
		Duration:  time.Since(start),
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("request abandoned on shutdown")
			return
		}
		logger.Error("error generating response", "error", err)
		exchange.Error = err.Error()
		b.record(ctx, exchange)
		b.say(ctx, Reply(req.msg.Nick, ApologyText))
		return
	}

	logger.Info("sending response",
		"length", len(resp.Text),
		"tool_calls", resp.ToolCalls,
		"duration", exchange.Duration,
	)
	exchange.Reply = resp.Text
	b.record(ctx, exchange)
	b.say(ctx, Reply(req.msg.Nick, resp.Text))
}

func (b *Bridge) record(ctx context.Context, e history.Exchange) {
	if b.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := b.opts.History.Record(ctx, e); err != nil {
		b.logger.Warn("failed to record exchange", "request_id", e.ID, "error", err)
	}
}

func (b *Bridge) say(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := b.session.Say(ctx, b.opts.Channel, text); err != nil {
		b.logger.Error("failed to send message", "channel", b.opts.Channel, "error", err)
	}
}

// truncate shortens s to maxLen runes for logging.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
