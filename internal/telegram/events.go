package telegram

import "time"

// Bus event kinds published by the transport.
const (
	// KindMessage carries a *MessageEvent payload.
	KindMessage = "tg.message"
	// KindConnected / KindDisconnected carry no payload.
	KindConnected    = "tg.connected"
	KindDisconnected = "tg.disconnected"
)

// EventKind classifies a message event.
type EventKind int

const (
	// EventCreated is a newly posted message.
	EventCreated EventKind = iota
	// EventEdited is a content edit of an existing message.
	EventEdited
	// EventDeleted is a removal. Only ChatID and MsgID are set.
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventEdited:
		return "edited"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MessageEvent is a normalized message change. ChatID is always
// canonical; raw MTProto peer ids never leave this package.
type MessageEvent struct {
	Kind     EventKind
	ChatID   int64
	MsgID    int64
	Text     string
	Sender   string
	PostTime time.Time
}
