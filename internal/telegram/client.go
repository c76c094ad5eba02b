package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tgidx/tgidx/internal/bus"
	"github.com/tgidx/tgidx/internal/chatid"
)

const (
	historyPageSize = 100
	dialogBatchSize = 100

	// knownMessageCap bounds the message→chat attribution cache used to
	// route bare delete updates, which omit the chat id.
	knownMessageCap = 1 << 16
)

// Client is the gotd-backed Gateway. It publishes live message events
// on the bus and serves history, dialog, and name lookups while the
// update loop is running.
type Client struct {
	apiID       int
	apiHash     string
	sessionPath string
	bus         *bus.Bus
	logger      *zap.Logger

	// knownMsgChats maps a message id to the canonical chats it was seen
	// in, because UpdateDeleteMessages carries no peer.
	knownMsgChats *lru.Cache[int64, []int64]

	mu     sync.RWMutex
	api    *tg.Client
	peers  map[int64]tg.InputPeerClass
	titles map[int64]string
}

// NewClient creates a disconnected client. Run must be started before
// any Gateway method succeeds.
func NewClient(apiID int, apiHash, sessionPath string, b *bus.Bus, logger *zap.Logger) (*Client, error) {
	known, err := lru.New[int64, []int64](knownMessageCap)
	if err != nil {
		return nil, err
	}
	return &Client{
		apiID:         apiID,
		apiHash:       apiHash,
		sessionPath:   sessionPath,
		bus:           b,
		logger:        logger,
		knownMsgChats: known,
		peers:         make(map[int64]tg.InputPeerClass),
		titles:        make(map[int64]string),
	}, nil
}

// Run connects, subscribes to updates, and blocks until ctx is
// cancelled or the connection fails. Events are published on the bus;
// Gateway methods work for the duration of the run.
func (c *Client) Run(ctx context.Context) error {
	dispatcher := tg.NewUpdateDispatcher()

	dispatcher.OnNewMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.handleMessage(EventCreated, u.Message, e)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.handleMessage(EventCreated, u.Message, e)
		return nil
	})
	dispatcher.OnEditMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		c.handleMessage(EventEdited, u.Message, e)
		return nil
	})
	dispatcher.OnEditChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		c.handleMessage(EventEdited, u.Message, e)
		return nil
	})
	dispatcher.OnDeleteChannelMessages(func(_ context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		for _, msgID := range u.Messages {
			c.publishDelete(u.ChannelID, int64(msgID))
		}
		return nil
	})
	dispatcher.OnDeleteMessages(func(_ context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
		for _, msgID := range u.Messages {
			chats, ok := c.knownMsgChats.Get(int64(msgID))
			if !ok {
				// Never seen this message; nothing to remove.
				continue
			}
			for _, chatID := range chats {
				c.publishDelete(chatID, int64(msgID))
			}
		}
		return nil
	})

	manager := updates.New(updates.Config{
		Handler: dispatcher,
	})

	client := tdtelegram.NewClient(c.apiID, c.apiHash, tdtelegram.Options{
		SessionStorage: &fileSessionStorage{path: c.sessionPath},
		UpdateHandler:  manager,
	})

	return client.Run(ctx, func(runCtx context.Context) error {
		status, err := client.Auth().Status(runCtx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			return ErrUnauthorized
		}
		self, err := client.Self(runCtx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.api = client.API()
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.api = nil
			c.mu.Unlock()
			c.bus.Publish(bus.Event{Kind: KindDisconnected, Timestamp: time.Now()})
		}()

		c.logger.Info("telegram connected",
			zap.Int64("self_id", self.ID),
			zap.Bool("bot", self.Bot))
		c.bus.Publish(bus.Event{Kind: KindConnected, Timestamp: time.Now()})

		return manager.Run(runCtx, client.API(), self.ID, updates.AuthOptions{
			IsBot: self.Bot,
		})
	})
}

func (c *Client) handleMessage(kind EventKind, msgClass tg.MessageClass, entities tg.Entities) {
	msg, ok := msgClass.(*tg.Message)
	if !ok || msg == nil {
		return
	}
	evt, ok := parseMessage(kind, msg, lookupFromUpdate(entities))
	if !ok {
		return
	}
	c.rememberMessage(evt.MsgID, evt.ChatID)
	c.bus.Publish(bus.Event{
		Kind:      KindMessage,
		Timestamp: time.Now(),
		Payload:   evt,
	})
}

func (c *Client) publishDelete(chatID, msgID int64) {
	c.bus.Publish(bus.Event{
		Kind:      KindMessage,
		Timestamp: time.Now(),
		Payload: &MessageEvent{
			Kind:   EventDeleted,
			ChatID: chatID,
			MsgID:  msgID,
		},
	})
}

func (c *Client) rememberMessage(msgID, chatID int64) {
	chats, _ := c.knownMsgChats.Get(msgID)
	for _, id := range chats {
		if id == chatID {
			return
		}
	}
	c.knownMsgChats.Add(msgID, append(chats, chatID))
}

func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil {
		return nil, ErrUnavailable
	}
	return c.api, nil
}

// ChatName implements Gateway. Names come from the dialog list; a miss
// triggers one refresh before reporting the chat as gone.
func (c *Client) ChatName(ctx context.Context, chatID int64) (string, error) {
	c.mu.RLock()
	title, ok := c.titles[chatID]
	c.mu.RUnlock()
	if ok {
		return title, nil
	}

	if _, err := c.refreshDialogs(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	title, ok = c.titles[chatID]
	c.mu.RUnlock()
	if !ok {
		return "", &chatid.ChatNotFoundError{Ref: strconv.FormatInt(chatID, 10)}
	}
	return title, nil
}

// ResolveUsername implements Gateway.
func (c *Client) ResolveUsername(ctx context.Context, username string) (int64, error) {
	api, err := c.apiClient()
	if err != nil {
		return 0, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return 0, &chatid.ChatNotFoundError{Ref: username}
		}
		return 0, fmt.Errorf("resolve username %q: %w", username, err)
	}
	chatID, ok := peerToChatID(resolved.Peer)
	if !ok {
		return 0, &chatid.ChatNotFoundError{Ref: username}
	}
	return chatID, nil
}

// History implements Gateway. Pages ascend: each request asks for the
// messages immediately newer than the cursor and the page is reversed,
// so the slice is oldest first and a partial read never leaves holes
// below the highest returned id.
func (c *Client) History(ctx context.Context, chatID, minID, maxID int64) ([]HistoryMessage, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	peer, err := c.inputPeer(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var out []HistoryMessage
	cursor := 0
	if minID > 0 {
		cursor = int(minID) - 1 // range is inclusive of minID
	}
	for {
		page, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      peer,
			OffsetID:  cursor,
			AddOffset: -historyPageSize,
			Limit:     historyPageSize,
		})
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				c.logger.Warn("flood wait during history fetch",
					zap.Int64("chat_id", chatID),
					zap.Duration("wait", wait))
				if err := sleepCtx(ctx, wait+time.Second); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("%w: history of chat %d: %v", ErrUnavailable, chatID, err)
		}

		modified, ok := page.AsModified()
		if !ok {
			break
		}
		msgs := modified.GetMessages()
		if len(msgs) == 0 {
			break
		}
		entities := lookupFromHistory(modified.GetUsers(), modified.GetChats())

		// Responses are newest first within the page.
		pageMax := cursor
		reachedTop := false
		for i := len(msgs) - 1; i >= 0; i-- {
			msg, ok := msgs[i].(*tg.Message)
			if !ok || msg.ID <= cursor {
				continue
			}
			if msg.ID > pageMax {
				pageMax = msg.ID
			}
			if maxID > 0 && int64(msg.ID) > maxID {
				reachedTop = true
				continue
			}
			out = append(out, HistoryMessage{
				ChatID:   chatID,
				MsgID:    int64(msg.ID),
				Text:     msg.Message,
				Sender:   senderName(msg, entities),
				PostTime: time.Unix(int64(msg.Date), 0).UTC(),
			})
		}
		if pageMax <= cursor || reachedTop {
			break
		}
		cursor = pageMax
	}
	return out, nil
}

// Dialogs implements Gateway and refreshes the peer/title caches as a
// side effect.
func (c *Client) Dialogs(ctx context.Context) ([]Dialog, error) {
	return c.refreshDialogs(ctx)
}

func (c *Client) inputPeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	peer, ok := c.peers[chatID]
	c.mu.RUnlock()
	if ok {
		return peer, nil
	}

	if _, err := c.refreshDialogs(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	peer, ok = c.peers[chatID]
	c.mu.RUnlock()
	if !ok {
		return nil, &chatid.ChatNotFoundError{Ref: strconv.FormatInt(chatID, 10)}
	}
	return peer, nil
}

func (c *Client) refreshDialogs(ctx context.Context) ([]Dialog, error) {
	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}

	var list []Dialog
	peers := make(map[int64]tg.InputPeerClass)
	titles := make(map[int64]string)
	err = query.GetDialogs(api).BatchSize(dialogBatchSize).ForEach(ctx, func(_ context.Context, elem dialogs.Elem) error {
		dialog, ok := dialogFromElem(elem)
		if !ok || strings.TrimSpace(dialog.Title) == "" {
			return nil
		}
		list = append(list, dialog)
		peers[dialog.ChatID] = elem.Peer
		titles[dialog.ChatID] = dialog.Title
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list dialogs: %v", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.peers = peers
	c.titles = titles
	c.mu.Unlock()
	return list, nil
}

func dialogFromElem(elem dialogs.Elem) (Dialog, bool) {
	switch peer := elem.Dialog.GetPeer().(type) {
	case *tg.PeerUser:
		user, ok := elem.Entities.User(peer.UserID)
		if !ok || user == nil {
			return Dialog{}, false
		}
		title := userDisplay(user)
		if user.Self {
			title = "Saved Messages"
		}
		return Dialog{ChatID: peer.UserID, Title: title}, true
	case *tg.PeerChat:
		chat, ok := elem.Entities.Chat(peer.ChatID)
		if !ok || chat == nil {
			return Dialog{}, false
		}
		return Dialog{ChatID: peer.ChatID, Title: chat.Title}, true
	case *tg.PeerChannel:
		channel, ok := elem.Entities.Channel(peer.ChannelID)
		if !ok || channel == nil {
			return Dialog{}, false
		}
		return Dialog{ChatID: peer.ChannelID, Title: channel.Title}, true
	}
	return Dialog{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
