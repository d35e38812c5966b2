// ABOUTME: The chat transport contract the dispatch loop drives.
// ABOUTME: IRC and Matrix adapters implement ChannelSession.

package bridge

import "context"

// Message is one inbound chat line.
type Message struct {
	// ID is the transport's message identifier, empty if it has none.
	ID     string
	Target string
	Nick   string
	Text   string
}

// Events are the callbacks a ChannelSession fires while running.
type Events struct {
	// OnRegistered fires once the session is connected and authenticated.
	OnRegistered func()
	OnMessage    func(Message)
	// OnError receives non-fatal transport errors.
	OnError func(error)
}

// ChannelSession is a connected chat transport.
type ChannelSession interface {
	// Run connects and delivers events until ctx ends or the connection fails.
	Run(ctx context.Context, ev Events) error
	Join(channel string) error
	Say(ctx context.Context, target, text string) error
	// Nick is the identity the session is registered as.
	Nick() string
}
