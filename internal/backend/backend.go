// Package backend is the query facade presentation layers talk to. It
// composes the index, the sync engine, the resolver and the cursor
// store into user-facing operations; it owns no state of its own.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tgidx/tgidx/internal/chatid"
	"github.com/tgidx/tgidx/internal/cursor"
	"github.com/tgidx/tgidx/internal/index"
	"github.com/tgidx/tgidx/internal/store"
	"github.com/tgidx/tgidx/internal/sync"
)

// ErrCursorExpired tells a frontend its page token is gone; the
// expected reaction is re-running Search from the first page.
var ErrCursorExpired = errors.New("cursor expired")

// Backend is the facade over one index instance.
type Backend struct {
	idx      *index.Engine
	engine   *sync.Engine
	resolver *chatid.Resolver
	cursors  *cursor.Manager
	logger   *zap.Logger
	pageLen  int
}

// New creates a backend facade.
func New(idx *index.Engine, engine *sync.Engine, resolver *chatid.Resolver, cursors *cursor.Manager, logger *zap.Logger, pageLen int) *Backend {
	return &Backend{
		idx:      idx,
		engine:   engine,
		resolver: resolver,
		cursors:  cursors,
		logger:   logger,
		pageLen:  pageLen,
	}
}

// Hit is one search result decorated for presentation: the indexed
// message plus the chat's display name and a message permalink.
type Hit struct {
	index.Hit
	ChatName  string
	Permalink string
}

// SearchPage is one page of results plus the token to turn pages with.
type SearchPage struct {
	Hits     []Hit
	Total    uint64
	Token    string
	Offset   int
	PageSize int
}

// HasMore reports whether a later page exists.
func (p *SearchPage) HasMore() bool {
	return uint64(p.Offset+len(p.Hits)) < p.Total
}

// Search runs a fresh query and opens a cursor at the first page.
// chats restricts results to the given canonical ids; empty means all.
func (b *Backend) Search(ctx context.Context, frontendID, query string, chats []int64) (*SearchPage, error) {
	res, err := b.idx.Search(ctx, query, chats, b.pageLen, 0)
	if err != nil {
		return nil, err
	}
	token, err := b.cursors.Open(frontendID, cursor.Definition{
		Query:    query,
		Chats:    chats,
		PageSize: b.pageLen,
	})
	if err != nil {
		return nil, err
	}
	return &SearchPage{
		Hits:     b.decorate(ctx, res.Hits),
		Total:    res.Total,
		Token:    token,
		PageSize: b.pageLen,
	}, nil
}

// TurnPage re-runs a cursor's query at the requested page (0-based).
// Results are recomputed, so a page always reflects the live index. An
// unknown or expired token yields ErrCursorExpired; the frontend falls
// back to a fresh Search.
func (b *Backend) TurnPage(ctx context.Context, frontendID, token string, page int) (*SearchPage, error) {
	st, err := b.cursors.Resume(frontendID, token)
	if err != nil {
		if errors.Is(err, cursor.ErrNotFound) {
			return nil, ErrCursorExpired
		}
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	offset := page * st.Def.PageSize

	res, err := b.idx.Search(ctx, st.Def.Query, st.Def.Chats, st.Def.PageSize, offset)
	if err != nil {
		return nil, err
	}
	if err := b.cursors.Advance(frontendID, token, offset); err != nil && !errors.Is(err, cursor.ErrNotFound) {
		return nil, err
	}
	return &SearchPage{
		Hits:     b.decorate(ctx, res.Hits),
		Total:    res.Total,
		Token:    token,
		Offset:   offset,
		PageSize: st.Def.PageSize,
	}, nil
}

// decorate attaches chat display names and permalinks to raw hits.
// Name lookups are best effort; an unresolvable chat leaves the name
// empty rather than failing the page.
func (b *Backend) decorate(ctx context.Context, hits []index.Hit) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		hit := Hit{Hit: h, Permalink: chatid.Permalink(h.ChatID, h.MsgID)}
		if name, err := b.resolver.DisplayName(ctx, h.ChatID); err == nil {
			hit.ChatName = name
		}
		out = append(out, hit)
	}
	return out
}

// ResolveRefs maps user-supplied chat references (ids in any raw form,
// usernames, t.me links) to canonical ids, preserving order.
func (b *Backend) ResolveRefs(ctx context.Context, refs []string) ([]int64, error) {
	out := make([]int64, 0, len(refs))
	for _, ref := range refs {
		id, err := b.resolver.ResolveRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", ref, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Backfill resolves each reference and backfills the resolved chats
// over the given message-id range (zero means unbounded on that side).
// Unresolvable references become per-chat failures instead of aborting
// the run.
func (b *Backend) Backfill(ctx context.Context, refs []string, minID, maxID int64) []sync.BackfillReport {
	var reports []sync.BackfillReport
	var chats []int64
	for _, ref := range refs {
		id, err := b.resolver.ResolveRef(ctx, ref)
		if err != nil {
			reports = append(reports, sync.BackfillReport{Err: fmt.Errorf("resolve %q: %w", ref, err)})
			continue
		}
		chats = append(chats, id)
	}
	return append(reports, b.engine.Backfill(ctx, chats, minID, maxID)...)
}

// Track resolves a reference and marks the chat tracked without
// backfilling.
func (b *Backend) Track(ctx context.Context, ref string) (int64, error) {
	id, err := b.resolver.ResolveRef(ctx, ref)
	if err != nil {
		return 0, err
	}
	return id, b.engine.Track(id)
}

// Clear drops the given chats, or everything when none are given.
func (b *Backend) Clear(chats ...int64) error {
	return b.engine.Clear(chats...)
}

// FindChats searches cached chat names for a keyword.
func (b *Backend) FindChats(keyword string) ([]store.ChatName, error) {
	return b.resolver.FindByName(keyword)
}

// RandomMessage returns a uniformly random indexed message.
func (b *Backend) RandomMessage() (*index.Message, error) {
	return b.idx.Random()
}

// Stats is the instance-wide status summary.
type Stats struct {
	Documents uint64
	Monitored []int64
	Oldest    time.Time
	Newest    time.Time
	HasBounds bool
}

// Stats summarizes the index and the monitor set.
func (b *Backend) Stats() (*Stats, error) {
	docs, err := b.idx.Count()
	if err != nil {
		return nil, err
	}
	oldest, newest, ok, err := b.idx.TimeBounds()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Documents: docs,
		Monitored: b.engine.Monitored(),
		Oldest:    oldest,
		Newest:    newest,
		HasBounds: ok,
	}, nil
}

// ChatEntry is one row of the per-chat status report.
type ChatEntry struct {
	ChatID      int64
	Name        string
	State       sync.ChatState
	Documents   uint64
	NewestMsgID int64
	NewestTime  time.Time
	Permalink   string
}

// ChatReport lists every monitored chat with its document count and
// newest seen message. Name lookups are best effort; a gone chat shows
// an empty name rather than failing the report.
func (b *Backend) ChatReport(ctx context.Context) ([]ChatEntry, error) {
	var entries []ChatEntry
	for _, chatID := range b.engine.Monitored() {
		docs, err := b.idx.Count(chatID)
		if err != nil {
			return nil, err
		}
		entry := ChatEntry{
			ChatID:    chatID,
			State:     b.engine.State(chatID),
			Documents: docs,
		}
		if name, err := b.resolver.DisplayName(ctx, chatID); err == nil {
			entry.Name = name
		}
		if msgID, ts, ok := b.engine.NewestMessage(chatID); ok {
			entry.NewestMsgID = msgID
			entry.NewestTime = ts
			entry.Permalink = chatid.Permalink(chatID, msgID)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
