// ABOUTME: Splits outgoing text into IRC-sized lines.
// ABOUTME: Breaks on newlines first, then on spaces, never inside a UTF-8 sequence.

package irc

import (
	"strings"
	"unicode/utf8"
)

// MaxLineBytes leaves room for the PRIVMSG envelope within the 512-byte limit.
const MaxLineBytes = 400

// SplitMessage returns the non-empty lines of text, each at most limit bytes.
func SplitMessage(text string, limit int) []string {
	if limit < utf8.UTFMax {
		limit = MaxLineBytes
	}
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, splitLine(line, limit)...)
	}
	return out
}

func splitLine(line string, limit int) []string {
	var out []string
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if sp := strings.LastIndexByte(line[:cut], ' '); sp > 0 {
			cut = sp
		}
		out = append(out, line[:cut])
		line = strings.TrimLeft(line[cut:], " ")
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}
