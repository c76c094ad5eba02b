// Package chatid owns canonical chat identity: normalization of the
// raw id encodings Telegram produces and the display-name cache.
// No other package may map raw ids to canonical form.
package chatid

import (
	"fmt"
	"strconv"
	"strings"
)

// channelIDOffset is the bot-API marker added to channel and megagroup
// ids: a channel N appears on the wire as -(1e12 + N).
const channelIDOffset int64 = 1_000_000_000_000

// Normalize maps any raw chat id encoding to its canonical positive
// form. Accepted forms: plain positive ids (users), negative group ids,
// and channel-marked ids (-100XXXXXXXXXX). Deterministic and total.
func Normalize(raw int64) int64 {
	if raw >= 0 {
		return raw
	}
	abs := -raw
	if abs > channelIDOffset {
		return abs - channelIDOffset
	}
	return abs
}

// ParseRef parses a numeric chat reference string into a canonical id.
// Returns false for non-numeric references (usernames, links), which
// must be resolved through the transport instead.
func ParseRef(s string) (int64, bool) {
	raw, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return Normalize(raw), true
}

// StripRefPrefixes removes URL and mention prefixes from a chat
// reference, leaving a bare username for transport resolution.
func StripRefPrefixes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	return strings.TrimPrefix(s, "@")
}

// Permalink returns the t.me components for a message in canonical form.
func Permalink(chatID, msgID int64) string {
	return fmt.Sprintf("https://t.me/c/%d/%d", chatID, msgID)
}

// ChatNotFoundError reports a chat whose remote entity is inaccessible
// or deleted. Callers treat it as "no name available", never as fatal.
type ChatNotFoundError struct {
	Ref string
}

func (e *ChatNotFoundError) Error() string {
	return fmt.Sprintf("chat not found: %s", e.Ref)
}
