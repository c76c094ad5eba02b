package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// peerToChatID maps an MTProto peer to its canonical chat id. Users,
// basic groups and channels all collapse into one positive id space.
func peerToChatID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return p.ChatID, true
	case *tg.PeerChannel:
		return p.ChannelID, true
	default:
		return 0, false
	}
}

// entityLookup resolves sender and chat display names for one update or
// one history page. Entities are only valid for the response they came
// with, so a lookup is rebuilt per page.
type entityLookup struct {
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func lookupFromUpdate(entities tg.Entities) entityLookup {
	return entityLookup{
		users:    entities.Users,
		chats:    entities.Chats,
		channels: entities.Channels,
	}
}

func lookupFromHistory(users []tg.UserClass, chats []tg.ChatClass) entityLookup {
	lookup := entityLookup{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    make(map[int64]*tg.Chat, len(chats)),
		channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok && user != nil {
			lookup.users[user.ID] = user
		}
	}
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			lookup.chats[chat.ID] = chat
		case *tg.Channel:
			lookup.channels[chat.ID] = chat
		}
	}
	return lookup
}

// parseMessage normalizes one tg.Message. Returns false for messages
// without an addressable peer (service messages keep their ids, so
// edits and deletes of real messages always parse).
func parseMessage(kind EventKind, msg *tg.Message, entities entityLookup) (*MessageEvent, bool) {
	if msg == nil {
		return nil, false
	}
	chatID, ok := peerToChatID(msg.GetPeerID())
	if !ok {
		return nil, false
	}
	return &MessageEvent{
		Kind:     kind,
		ChatID:   chatID,
		MsgID:    int64(msg.ID),
		Text:     msg.Message,
		Sender:   senderName(msg, entities),
		PostTime: time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}

func senderName(msg *tg.Message, entities entityLookup) string {
	if peer, ok := msg.GetFromID(); ok {
		switch from := peer.(type) {
		case *tg.PeerUser:
			if user, ok := entities.users[from.UserID]; ok {
				return userDisplay(user)
			}
			return fmt.Sprintf("User %d", from.UserID)
		case *tg.PeerChat:
			if chat, ok := entities.chats[from.ChatID]; ok && strings.TrimSpace(chat.Title) != "" {
				return chat.Title
			}
			return fmt.Sprintf("Chat %d", from.ChatID)
		case *tg.PeerChannel:
			if channel, ok := entities.channels[from.ChannelID]; ok && strings.TrimSpace(channel.Title) != "" {
				return channel.Title
			}
			return fmt.Sprintf("Channel %d", from.ChannelID)
		}
	}
	// Channel posts have no from id; the author signature is the next
	// best attribution.
	if author, ok := msg.GetPostAuthor(); ok && strings.TrimSpace(author) != "" {
		return author
	}
	return ""
}

func userDisplay(user *tg.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(strings.Join([]string{user.FirstName, user.LastName}, " "))
	if name != "" {
		return name
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	return fmt.Sprintf("User %d", user.ID)
}
