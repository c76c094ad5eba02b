package chatid

import (
	"context"
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tgidx/tgidx/internal/store"
)

// nameCacheSize bounds the in-memory front of the persistent cache.
const nameCacheSize = 4096

// NameSource fetches chat metadata from the remote service. Implemented
// by the telegram gateway.
type NameSource interface {
	// ChatName returns the current display name of a chat. Returns
	// *ChatNotFoundError when the remote entity is gone or inaccessible.
	ChatName(ctx context.Context, chatID int64) (string, error)

	// ResolveUsername resolves a username to a canonical chat id.
	ResolveUsername(ctx context.Context, username string) (int64, error)
}

// Resolver caches id→display-name mappings, backed by sqlite with an
// LRU front, and falls back to a live metadata fetch on miss.
type Resolver struct {
	src    NameSource
	db     *store.DB
	names  *lru.Cache[int64, string]
	logger *zap.Logger
}

// NewResolver creates a resolver over the given store and name source.
func NewResolver(src NameSource, db *store.DB, logger *zap.Logger) (*Resolver, error) {
	names, err := lru.New[int64, string](nameCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{src: src, db: db, names: names, logger: logger}, nil
}

// DisplayName returns the last-known display name for a canonical chat
// id, fetching from the remote service on cache miss. The cache is
// never authoritative; a *ChatNotFoundError means the entity is gone.
func (r *Resolver) DisplayName(ctx context.Context, chatID int64) (string, error) {
	if name, ok := r.names.Get(chatID); ok {
		return name, nil
	}
	if name, ok, err := r.db.GetChatName(chatID); err == nil && ok {
		r.names.Add(chatID, name)
		return name, nil
	}

	name, err := r.src.ChatName(ctx, chatID)
	if err != nil {
		return "", err
	}
	r.Observe(chatID, name)
	return name, nil
}

// Observe records a freshly observed display name for a chat. Called by
// the sync engine whenever chat metadata passes by.
func (r *Resolver) Observe(chatID int64, name string) {
	if name == "" {
		return
	}
	r.names.Add(chatID, name)
	if err := r.db.UpsertChatName(chatID, name); err != nil {
		r.logger.Warn("persist chat name", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// RefreshAll re-fetches every cached name, skipping chats that fail so
// one deleted chat cannot block the rest. Returns the refreshed count.
func (r *Resolver) RefreshAll(ctx context.Context) (int, error) {
	known, err := r.db.AllChatNames()
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, cn := range known {
		name, err := r.src.ChatName(ctx, cn.ChatID)
		if err != nil {
			var notFound *ChatNotFoundError
			if errors.As(err, &notFound) {
				r.logger.Info("skip refresh of missing chat", zap.Int64("chat_id", cn.ChatID))
				continue
			}
			if ctx.Err() != nil {
				return refreshed, ctx.Err()
			}
			r.logger.Warn("refresh chat name", zap.Int64("chat_id", cn.ChatID), zap.Error(err))
			continue
		}
		r.Observe(cn.ChatID, name)
		refreshed++
	}
	return refreshed, nil
}

// FindByName returns cached chats whose display name contains the
// keyword, case-insensitively, ordered by chat id.
func (r *Resolver) FindByName(keyword string) ([]store.ChatName, error) {
	return r.db.FindChatNames(strings.ToLower(keyword))
}

// ResolveRef turns a user-supplied chat reference (numeric id in any
// raw form, username, or t.me link) into a canonical chat id.
func (r *Resolver) ResolveRef(ctx context.Context, ref string) (int64, error) {
	if id, ok := ParseRef(ref); ok {
		return id, nil
	}
	id, err := r.src.ResolveUsername(ctx, StripRefPrefixes(ref))
	if err != nil {
		return 0, err
	}
	return id, nil
}
