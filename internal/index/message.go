package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is one indexed chat message. Exactly one live document exists
// per (ChatID, MsgID) key; a later write for the same key supersedes
// the earlier one atomically from the reader's point of view.
type Message struct {
	ChatID   int64
	MsgID    int64
	Content  string
	Sender   string
	PostTime time.Time
}

// Key returns the document key, a stable string derived from the
// canonical chat id and the per-chat message id.
func (m *Message) Key() string {
	return DocKey(m.ChatID, m.MsgID)
}

// DocKey formats the document key for a message.
func DocKey(chatID, msgID int64) string {
	return fmt.Sprintf("%d/%d", chatID, msgID)
}

// ParseKey splits a document key back into chat and message ids.
func ParseKey(key string) (chatID, msgID int64, err error) {
	slash := strings.IndexByte(key, '/')
	if slash < 0 {
		return 0, 0, fmt.Errorf("malformed document key %q", key)
	}
	chatID, err = strconv.ParseInt(key[:slash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed document key %q", key)
	}
	msgID, err = strconv.ParseInt(key[slash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed document key %q", key)
	}
	return chatID, msgID, nil
}

// indexDoc is the shape handed to bleve. chat_id is indexed as a
// keyword string because term filters and facets need exact terms.
type indexDoc struct {
	Content  string    `json:"content"`
	ChatID   string    `json:"chat_id"`
	PostTime time.Time `json:"post_time"`
	Sender   string    `json:"sender"`
}

func (m *Message) doc() *indexDoc {
	return &indexDoc{
		Content:  m.Content,
		ChatID:   strconv.FormatInt(m.ChatID, 10),
		PostTime: m.PostTime,
		Sender:   m.Sender,
	}
}
