package bus

import (
	"fmt"
	"strings"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageNotice MessageType = "notice"
	MessageMedia  MessageType = "media"
)

type Relation string

const (
	RelationNone    Relation = ""
	RelationReplace Relation = "replace"
)

// InboundEvent is a room message as delivered by a platform channel,
// normalized at the channel boundary.
type InboundEvent struct {
	Channel    string
	RoomID     string
	MessageID  string
	SenderID   string
	SenderName string
	Body       string
	Type       MessageType
	Relation   Relation
	ReplyTo    string
}

// RoomKey is the channel-qualified room identifier used as the session key.
func (e InboundEvent) RoomKey() string {
	return RoomKey(e.Channel, e.RoomID)
}

func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("missing channel")
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return fmt.Errorf("missing room id")
	}
	if strings.TrimSpace(e.SenderID) == "" {
		return fmt.Errorf("missing sender id")
	}
	switch e.Type {
	case MessageText, MessageNotice, MessageMedia:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

func RoomKey(channel, roomID string) string {
	return fmt.Sprintf("%s:%s", channel, roomID)
}
