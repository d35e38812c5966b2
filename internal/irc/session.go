// ABOUTME: IRC channel session built on ergochat/irc-go's ircevent client.
// ABOUTME: Maps PRIVMSG and connect events onto the bridge's ChannelSession contract.

// Package irc implements the bridge chat session over IRC.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/doubtingben/back-channel/internal/bridge"
)

var (
	// ErrConnect indicates the server could not be reached or rejected registration.
	ErrConnect = errors.New("irc connect failed")
	// ErrNotConnected is returned by Join and Say before Run has connected.
	ErrNotConnected = errors.New("irc session not connected")
)

const quitTimeout = 5 * time.Second

// Config holds the connection parameters for one IRC network.
type Config struct {
	Server   string
	Port     int
	Nick     string
	Username string
	Password string
	TLS      bool
	// TLSVerify enables certificate verification; off tolerates self-signed servers.
	TLSVerify bool
	Logger    *slog.Logger
}

// Session is a bridge.ChannelSession over one IRC connection.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *ircevent.Connection
}

var _ bridge.ChannelSession = (*Session)(nil)

// New creates an unconnected session.
func New(cfg Config) *Session {
	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: cfg.Logger}
}

func (s *Session) connection() *ircevent.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Run connects, registers, and processes server traffic until ctx ends.
// ircevent reconnects on its own after drops; OnRegistered fires each time.
func (s *Session) Run(ctx context.Context, ev bridge.Events) error {
	conn := &ircevent.Connection{
		Server:      net.JoinHostPort(s.cfg.Server, strconv.Itoa(s.cfg.Port)),
		UseTLS:      s.cfg.TLS,
		Nick:        s.cfg.Nick,
		User:        s.cfg.Username,
		RealName:    s.cfg.Nick,
		Password:    s.cfg.Password,
		RequestCaps: []string{"message-tags", "server-time"},
		QuitMessage: "shutting down",
		Log:         slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	if s.cfg.TLS {
		conn.TLSConfig = &tls.Config{
			ServerName:         s.cfg.Server,
			InsecureSkipVerify: !s.cfg.TLSVerify,
		}
	}

	conn.AddConnectCallback(func(ircmsg.Message) {
		if ev.OnRegistered != nil {
			ev.OnRegistered()
		}
	})
	conn.AddCallback("PRIVMSG", func(m ircmsg.Message) {
		msg, ok := toMessage(m)
		if !ok || ev.OnMessage == nil {
			return
		}
		ev.OnMessage(msg)
	})
	conn.AddCallback("ERROR", func(m ircmsg.Message) {
		if ev.OnError != nil {
			ev.OnError(fmt.Errorf("server error: %s", strings.Join(m.Params, " ")))
		}
	})

	s.logger.Info("connecting to irc server",
		"server", conn.Server,
		"nick", s.cfg.Nick,
		"tls", s.cfg.TLS,
		"tls_verify", s.cfg.TLSVerify,
	)
	if err := conn.Connect(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnect, conn.Server, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	loopDone := make(chan struct{})
	go func() {
		conn.Loop()
		close(loopDone)
	}()

	select {
	case <-loopDone:
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("disconnecting from irc server")
	conn.Quit()
	select {
	case <-loopDone:
	case <-time.After(quitTimeout):
		s.logger.Warn("irc connection did not close in time")
	}
	return nil
}

// Join enters a channel.
func (s *Session) Join(channel string) error {
	conn := s.connection()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Join(channel)
}

// Say sends text to target, one PRIVMSG per line, splitting long lines.
// Writes are queued by the connection; ctx stops the remaining lines.
func (s *Session) Say(ctx context.Context, target, text string) error {
	conn := s.connection()
	if conn == nil {
		return ErrNotConnected
	}
	for _, line := range SplitMessage(text, MaxLineBytes) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sending to %s: %w", target, err)
		}
		if err := conn.Privmsg(target, line); err != nil {
			return fmt.Errorf("sending to %s: %w", target, err)
		}
	}
	return nil
}

// Nick returns the nick currently held on the server, falling back to the
// configured one before registration.
func (s *Session) Nick() string {
	if conn := s.connection(); conn != nil {
		if current := conn.CurrentNick(); current != "" {
			return current
		}
	}
	return s.cfg.Nick
}

// toMessage converts a PRIVMSG into a bridge message.
func toMessage(m ircmsg.Message) (bridge.Message, bool) {
	if len(m.Params) < 2 {
		return bridge.Message{}, false
	}
	_, id := m.GetTag("msgid")
	return bridge.Message{
		ID:     id,
		Target: m.Params[0],
		Nick:   m.Nick(),
		Text:   m.Params[1],
	}, true
}
