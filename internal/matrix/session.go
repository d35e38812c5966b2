// ABOUTME: Matrix room session built on mautrix, as an alternative chat transport.
// ABOUTME: Syncs room messages into bridge events and sends replies rendered from markdown.

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/doubtingben/back-channel/internal/bridge"
)

// ErrConnect indicates the homeserver rejected the client or its token.
var ErrConnect = errors.New("matrix connect failed")

// networkTimeout bounds Matrix API calls made outside a caller's context.
const networkTimeout = 10 * time.Second

// Config holds Matrix client credentials.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Logger      *slog.Logger
}

// Session is a bridge.ChannelSession backed by a Matrix account.
type Session struct {
	client *mautrix.Client
	self   id.UserID
	nick   string
	logger *slog.Logger
}

var _ bridge.ChannelSession = (*Session)(nil)

// New creates a Matrix session. No network traffic happens until Run.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	self := id.UserID(cfg.UserID)
	client, err := mautrix.NewClient(cfg.Homeserver, self, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Session{
		client: client,
		self:   self,
		nick:   localpart(self),
		logger: cfg.Logger,
	}, nil
}

// Run verifies the token, then syncs until ctx ends or sync fails.
func (s *Session) Run(ctx context.Context, ev bridge.Events) error {
	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}
	syncer.OnSync(s.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		msg, ok := s.toMessage(evt)
		if !ok || ev.OnMessage == nil {
			return
		}
		ev.OnMessage(msg)
	})

	s.logger.Info("connecting to matrix homeserver",
		"homeserver", s.client.HomeserverURL.String(),
		"user_id", s.self.String(),
	)
	whoami, err := s.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if whoami.UserID != s.self {
		s.logger.Warn("access token belongs to a different user", "token_user", whoami.UserID.String())
	}
	if ev.OnRegistered != nil {
		ev.OnRegistered()
	}

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- s.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("stopping matrix sync")
		// No event handlers may run once Run has returned.
		<-syncErr
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// Join joins a room by ID.
func (s *Session) Join(room string) error {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := s.client.JoinRoomByID(ctx, id.RoomID(room)); err != nil {
		return fmt.Errorf("joining %s: %w", room, err)
	}
	return nil
}

// Say posts text to a room, with an HTML rendering of its markdown.
func (s *Session) Say(ctx context.Context, room, text string) error {
	content := messageContent(text)
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", room, err)
	}
	return nil
}

// Nick is the account's localpart, which is how users address the bot.
func (s *Session) Nick() string {
	return s.nick
}

func (s *Session) toMessage(evt *event.Event) (bridge.Message, bool) {
	if evt.Sender == s.self {
		return bridge.Message{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return bridge.Message{}, false
	}
	return bridge.Message{
		ID:     evt.ID.String(),
		Target: evt.RoomID.String(),
		Nick:   localpart(evt.Sender),
		Text:   content.Body,
	}, true
}

// messageContent builds a text message, adding formatted HTML when the
// markdown renders to more than a single plain paragraph.
func messageContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return content
}

func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	html := strings.TrimSpace(buf.String())
	if html == "" || html == "<p>"+text+"</p>" {
		return "", false
	}
	return html, true
}

// localpart returns "alice" for "@alice:example.org".
func localpart(user id.UserID) string {
	name, _, err := user.Parse()
	if err != nil || name == "" {
		return strings.TrimPrefix(user.String(), "@")
	}
	return name
}
