// Package telegram is the transport boundary: it maps raw MTProto
// updates into tagged domain events and exposes the history/metadata
// operations the rest of the daemon consumes.
package telegram

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport failures (dropped connection, flood
// wait exhaustion). Backfill of the affected chat is abandoned with a
// per-chat failure; other chats are unaffected.
var ErrUnavailable = errors.New("telegram transport unavailable")

// ErrUnauthorized is returned by Run when the stored session is not
// logged in. Completing the login flow is outside this daemon.
var ErrUnauthorized = errors.New("telegram session is not authorized")

// HistoryMessage is one message fetched during backfill.
type HistoryMessage struct {
	ChatID   int64 // canonical
	MsgID    int64
	Text     string
	Sender   string
	PostTime time.Time
}

// Dialog is one conversation visible to the account.
type Dialog struct {
	ChatID int64 // canonical
	Title  string
}

// Gateway is the remote-service surface the sync engine and resolver
// depend on. Implemented by *Client; tests substitute fakes.
type Gateway interface {
	// ChatName returns the current display name of a chat, or
	// *chatid.ChatNotFoundError when the entity is gone.
	ChatName(ctx context.Context, chatID int64) (string, error)

	// ResolveUsername maps a username to a canonical chat id.
	ResolveUsername(ctx context.Context, username string) (int64, error)

	// History fetches messages of a chat within the inclusive id range
	// [minID, maxID], oldest first. maxID <= 0 means no upper bound;
	// minID <= 0 means from the earliest history. The ascending order
	// is load-bearing: it keeps the resume checkpoint a valid lower
	// bound at every point of a partially applied backfill.
	History(ctx context.Context, chatID, minID, maxID int64) ([]HistoryMessage, error)

	// Dialogs lists all conversations with their display names.
	Dialogs(ctx context.Context) ([]Dialog, error)
}
