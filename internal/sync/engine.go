// Package sync keeps the search index consistent with Telegram: it
// applies live message events from the bus and backfills chat history
// on demand, tracking a per-chat lifecycle.
package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgidx/tgidx/internal/bus"
	"github.com/tgidx/tgidx/internal/chatid"
	"github.com/tgidx/tgidx/internal/index"
	"github.com/tgidx/tgidx/internal/store"
	"github.com/tgidx/tgidx/internal/telegram"
)

// ChatState is the lifecycle position of one chat.
type ChatState int

const (
	// StateUntracked chats have their events dropped.
	StateUntracked ChatState = iota
	// StateBackfilling chats buffer live events until the bulk load lands.
	StateBackfilling
	// StateTracked chats have events applied immediately.
	StateTracked
)

func (s ChatState) String() string {
	switch s {
	case StateBackfilling:
		return "backfilling"
	case StateTracked:
		return "tracked"
	default:
		return "untracked"
	}
}

// Options configure engine behavior.
type Options struct {
	// MonitorAll auto-tracks any non-excluded chat that produces a live
	// message, instead of requiring an explicit backfill or track.
	MonitorAll bool
	// Excluded chats are never tracked, in any raw id form.
	Excluded []int64
	// RestoreFromIndex re-tracks chats found in the index at startup in
	// addition to the persisted tracked set.
	RestoreFromIndex bool
}

type chatStatus struct {
	state  ChatState
	gen    uint64
	buffer []*telegram.MessageEvent

	newestMsgID int64
	newestTime  time.Time
}

// Engine owns index writes. It subscribes to "tg." events on the bus
// and drives each chat through untracked → backfilling → tracked.
type Engine struct {
	idx      *index.Engine
	db       *store.DB
	gateway  telegram.Gateway
	resolver *chatid.Resolver
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	mu       stdsync.Mutex
	chats    map[int64]*chatStatus
	excluded map[int64]struct{}
	gen      uint64

	cancel context.CancelFunc
}

// NewEngine creates a sync engine. Excluded ids are normalized, so any
// raw encoding in the config works.
func NewEngine(idx *index.Engine, db *store.DB, gw telegram.Gateway, resolver *chatid.Resolver, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	excluded := make(map[int64]struct{}, len(opts.Excluded))
	for _, raw := range opts.Excluded {
		excluded[chatid.Normalize(raw)] = struct{}{}
	}
	return &Engine{
		idx:      idx,
		db:       db,
		gateway:  gw,
		resolver: resolver,
		bus:      b,
		logger:   logger,
		opts:     opts,
		chats:    make(map[int64]*chatStatus),
		excluded: excluded,
	}
}

// Restore rebuilds the tracked set after a restart: the persisted set
// always, plus chats present in the index when RestoreFromIndex is on.
// Chats with zero indexed documents survive only through the persisted
// set; the index cannot name them.
func (e *Engine) Restore(ctx context.Context) error {
	tracked, err := e.db.ListTracked()
	if err != nil {
		return fmt.Errorf("list tracked chats: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, chatID := range tracked {
		if _, excluded := e.excluded[chatID]; excluded {
			continue
		}
		e.statusLocked(chatID).state = StateTracked
	}

	if !e.opts.RestoreFromIndex {
		return nil
	}
	counts, err := e.idx.Chats()
	if err != nil {
		return fmt.Errorf("list indexed chats: %w", err)
	}
	for chatID := range counts {
		if _, excluded := e.excluded[chatID]; excluded {
			continue
		}
		st := e.statusLocked(chatID)
		if st.state == StateTracked {
			continue
		}
		st.state = StateTracked
		if err := e.db.AddTracked(chatID); err != nil {
			e.logger.Warn("persist restored chat", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
	return nil
}

// Start subscribes to inbound Telegram events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("tg.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case telegram.KindMessage:
		msg, ok := evt.Payload.(*telegram.MessageEvent)
		if !ok {
			return
		}
		if err := e.Apply(msg); err != nil {
			e.logger.Error("apply message event", zap.Error(err),
				zap.Int64("chat_id", msg.ChatID), zap.Int64("msg_id", msg.MsgID))
		}
	case telegram.KindConnected:
		e.logger.Info("transport connected, live updates flowing")
	case telegram.KindDisconnected:
		e.logger.Warn("transport disconnected")
	}
}

// Apply routes one live event by the chat's current state: applied
// immediately when tracked, buffered while backfilling, dropped when
// untracked (unless MonitorAll adopts the chat).
func (e *Engine) Apply(m *telegram.MessageEvent) error {
	e.mu.Lock()
	if _, excluded := e.excluded[m.ChatID]; excluded {
		e.mu.Unlock()
		return nil
	}
	st := e.statusLocked(m.ChatID)

	switch st.state {
	case StateBackfilling:
		st.buffer = append(st.buffer, m)
		e.mu.Unlock()
		return nil
	case StateUntracked:
		if !e.opts.MonitorAll || m.Kind == telegram.EventDeleted {
			e.mu.Unlock()
			return nil
		}
		st.state = StateTracked
		if err := e.db.AddTracked(m.ChatID); err != nil {
			e.logger.Warn("persist auto-tracked chat", zap.Int64("chat_id", m.ChatID), zap.Error(err))
		}
		e.logger.Info("auto-tracking chat", zap.Int64("chat_id", m.ChatID))
	}

	err := e.applyLocked(st, m)
	e.mu.Unlock()
	return err
}

// applyLocked writes one event through to the index. An empty text on a
// create or edit removes the document: a message edited down to pure
// media must stop matching its old content.
func (e *Engine) applyLocked(st *chatStatus, m *telegram.MessageEvent) error {
	switch m.Kind {
	case telegram.EventCreated, telegram.EventEdited:
		if m.MsgID > st.newestMsgID {
			st.newestMsgID = m.MsgID
			st.newestTime = m.PostTime
		}
		if err := e.db.SetCheckpoint(m.ChatID, m.MsgID); err != nil {
			e.logger.Warn("advance checkpoint", zap.Int64("chat_id", m.ChatID), zap.Error(err))
		}
		if m.Text == "" {
			return e.idx.Delete(index.DocKey(m.ChatID, m.MsgID))
		}
		return e.idx.Upsert(&index.Message{
			ChatID:   m.ChatID,
			MsgID:    m.MsgID,
			Content:  m.Text,
			Sender:   m.Sender,
			PostTime: m.PostTime,
		})
	case telegram.EventDeleted:
		return e.idx.Delete(index.DocKey(m.ChatID, m.MsgID))
	default:
		return nil
	}
}

// BackfillReport is the per-chat outcome of a backfill run.
type BackfillReport struct {
	ChatID  int64
	Indexed int
	Err     error
}

// Backfill loads the history of each chat into the index, oldest first,
// and leaves successful chats tracked. minID <= 0 means "resume from
// the chat's checkpoint, or earliest history"; maxID <= 0 means no
// upper bound. Failures are isolated per chat; one missing chat never
// aborts the rest.
func (e *Engine) Backfill(ctx context.Context, chatIDs []int64, minID, maxID int64) []BackfillReport {
	reports := make([]BackfillReport, 0, len(chatIDs))
	for _, chatID := range chatIDs {
		// Cancellation still yields one report per requested chat.
		if err := ctx.Err(); err != nil {
			reports = append(reports, BackfillReport{ChatID: chatID, Err: err})
			continue
		}
		indexed, err := e.backfillChat(ctx, chatID, minID, maxID)
		reports = append(reports, BackfillReport{ChatID: chatID, Indexed: indexed, Err: err})
	}
	return reports
}

func (e *Engine) backfillChat(ctx context.Context, chatID, minID, maxID int64) (int, error) {
	e.mu.Lock()
	if _, excluded := e.excluded[chatID]; excluded {
		e.mu.Unlock()
		return 0, fmt.Errorf("chat %d is excluded", chatID)
	}
	st := e.statusLocked(chatID)
	prev := st.state
	st.state = StateBackfilling
	st.buffer = nil
	e.gen++
	gen := e.gen
	st.gen = gen
	e.mu.Unlock()

	if minID <= 0 {
		if cp, ok, err := e.db.GetCheckpoint(chatID); err == nil && ok {
			minID = cp + 1
			e.logger.Info("resuming backfill from checkpoint",
				zap.Int64("chat_id", chatID), zap.Int64("after_msg_id", cp))
		}
	}

	batch, tailID, tailTime, err := e.fetchHistory(ctx, chatID, minID, maxID)
	if err != nil {
		e.mu.Lock()
		if st.gen == gen {
			e.revertLocked(st, prev)
		}
		e.mu.Unlock()
		return 0, err
	}

	e.observeChatName(ctx, chatID)

	e.mu.Lock()
	if st.gen != gen {
		// A newer backfill or a clear owns this chat now; drop the
		// fetched history without writing any of it.
		e.mu.Unlock()
		return 0, nil
	}
	// Single commit under the lock: a concurrent Clear either bumped
	// the generation before this point or waits until the write and
	// the tracking transition are both done.
	indexed := 0
	if len(batch) > 0 {
		if err := e.idx.UpsertBatch(batch); err != nil {
			e.revertLocked(st, prev)
			e.mu.Unlock()
			return 0, fmt.Errorf("commit history for chat %d: %w", chatID, err)
		}
		indexed = len(batch)
	}
	if tailID > 0 {
		// Ascending order makes the fetched tail the resume point,
		// whether or not its text was indexable.
		if err := e.db.SetCheckpoint(chatID, tailID); err != nil {
			e.logger.Warn("advance checkpoint", zap.Int64("chat_id", chatID), zap.Error(err))
		}
		if tailID > st.newestMsgID {
			st.newestMsgID = tailID
			st.newestTime = tailTime
		}
	}
	st.state = StateTracked
	if err := e.db.AddTracked(chatID); err != nil {
		e.logger.Warn("persist tracked chat", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	buffered := st.buffer
	st.buffer = nil
	for _, m := range buffered {
		if err := e.applyLocked(st, m); err != nil {
			e.logger.Error("apply buffered event", zap.Error(err),
				zap.Int64("chat_id", m.ChatID), zap.Int64("msg_id", m.MsgID))
		}
	}
	e.mu.Unlock()

	e.logger.Info("backfill complete",
		zap.Int64("chat_id", chatID),
		zap.Int("indexed", indexed),
		zap.Int("replayed", len(buffered)))
	e.bus.Publish(bus.Event{
		Kind:      "sync.backfill_done",
		Timestamp: time.Now(),
		Payload:   BackfillReport{ChatID: chatID, Indexed: indexed},
	})
	return indexed, nil
}

// fetchHistory downloads the requested range and converts it for the
// index. No writes happen here; the caller commits the result in one
// batch after re-checking that it still owns the chat.
func (e *Engine) fetchHistory(ctx context.Context, chatID, minID, maxID int64) ([]*index.Message, int64, time.Time, error) {
	msgs, err := e.gateway.History(ctx, chatID, minID, maxID)
	if err != nil {
		return nil, 0, time.Time{}, err
	}

	batch := make([]*index.Message, 0, len(msgs))
	for _, hm := range msgs {
		if hm.Text == "" {
			continue
		}
		batch = append(batch, &index.Message{
			ChatID:   hm.ChatID,
			MsgID:    hm.MsgID,
			Content:  hm.Text,
			Sender:   hm.Sender,
			PostTime: hm.PostTime,
		})
	}
	var tailID int64
	var tailTime time.Time
	if len(msgs) > 0 {
		tail := msgs[len(msgs)-1]
		tailID, tailTime = tail.MsgID, tail.PostTime
	}
	return batch, tailID, tailTime, nil
}

// revertLocked puts a chat back in its pre-backfill state after a
// failed run. A chat that was already tracked stays live, so events
// buffered during the failed fetch are applied rather than dropped.
func (e *Engine) revertLocked(st *chatStatus, prev ChatState) {
	st.state = prev
	buffered := st.buffer
	st.buffer = nil
	if prev != StateTracked {
		return
	}
	for _, m := range buffered {
		if err := e.applyLocked(st, m); err != nil {
			e.logger.Error("apply buffered event", zap.Error(err),
				zap.Int64("chat_id", m.ChatID), zap.Int64("msg_id", m.MsgID))
		}
	}
}

func (e *Engine) observeChatName(ctx context.Context, chatID int64) {
	name, err := e.gateway.ChatName(ctx, chatID)
	if err != nil {
		e.logger.Debug("chat name unavailable", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	e.resolver.Observe(chatID, name)
}

// Track marks a chat tracked without backfilling its history. Live
// events start applying immediately.
func (e *Engine) Track(chatID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, excluded := e.excluded[chatID]; excluded {
		return fmt.Errorf("chat %d is excluded", chatID)
	}
	st := e.statusLocked(chatID)
	if st.state == StateBackfilling {
		return fmt.Errorf("chat %d is backfilling", chatID)
	}
	st.state = StateTracked
	return e.db.AddTracked(chatID)
}

// Clear removes the given chats from the index and the tracked set, or
// everything when called without arguments. A superseded backfill
// generation guards against a concurrent backfill resurrecting state.
func (e *Engine) Clear(chatIDs ...int64) error {
	all := len(chatIDs) == 0
	e.mu.Lock()
	if all {
		for chatID := range e.chats {
			chatIDs = append(chatIDs, chatID)
		}
	}
	e.gen++
	gen := e.gen
	for _, chatID := range chatIDs {
		st := e.statusLocked(chatID)
		st.state = StateUntracked
		st.buffer = nil
		st.gen = gen
		st.newestMsgID = 0
		st.newestTime = time.Time{}
	}
	e.mu.Unlock()

	if all {
		// The in-memory map only knows chats seen this run; a full
		// clear must also drop leftovers from earlier runs.
		if err := e.db.ClearTracked(); err != nil {
			return err
		}
		if err := e.db.ClearCheckpoints(); err != nil {
			return err
		}
		return e.idx.Clear()
	}

	for _, chatID := range chatIDs {
		if err := e.db.RemoveTracked(chatID); err != nil {
			return err
		}
		if err := e.db.ClearCheckpoint(chatID); err != nil {
			return err
		}
	}
	return e.idx.Clear(chatIDs...)
}

// Monitored returns the tracked chat ids in ascending order.
func (e *Engine) Monitored() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int64
	for chatID, st := range e.chats {
		if st.state == StateTracked || st.state == StateBackfilling {
			out = append(out, chatID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State reports the lifecycle state of a chat.
func (e *Engine) State(chatID int64) ChatState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.chats[chatID]
	if !ok {
		return StateUntracked
	}
	return st.state
}

// NewestMessage returns the id and post time of the newest message seen
// for a chat, live or backfilled.
func (e *Engine) NewestMessage(chatID int64) (int64, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.chats[chatID]
	if !ok || st.newestMsgID == 0 {
		return 0, time.Time{}, false
	}
	return st.newestMsgID, st.newestTime, true
}

func (e *Engine) statusLocked(chatID int64) *chatStatus {
	st, ok := e.chats[chatID]
	if !ok {
		st = &chatStatus{}
		e.chats[chatID] = st
	}
	return st
}
