// ABOUTME: Detects messages addressed to the bot and formats replies.

package bridge

import (
	"fmt"
	"strings"
)

// ApologyText is sent, addressed to the sender, when generation fails.
const ApologyText = "Sorry, I encountered an error processing your request."

// BusyText is sent when the request queue is full.
const BusyText = "I'm busy with other requests right now, please try again shortly."

// Addressed reports whether text is meant for nick and returns the query.
// A leading "<nick>:" is stripped; a bare mention anywhere keeps the full text.
func Addressed(text, nick string) (string, bool) {
	if nick == "" {
		return "", false
	}
	prefix := nick + ":"
	if strings.HasPrefix(text, prefix) {
		return strings.TrimSpace(text[len(prefix):]), true
	}
	if strings.Contains(text, nick) {
		return strings.TrimSpace(text), true
	}
	return "", false
}

// Reply addresses text to nick.
func Reply(nick, text string) string {
	return fmt.Sprintf("%s: %s", nick, text)
}
