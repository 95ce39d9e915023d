package relay

import (
	"context"

	"github.com/dotsetgreg/cairelay/pkg/gateway"
	"github.com/dotsetgreg/cairelay/pkg/transcript"
	"github.com/dotsetgreg/cairelay/pkg/trigger"
)

// OutgoingMessage is a message the relay asks a platform to post. ReplyTo
// links it to an earlier message when non-empty; File attaches an export.
type OutgoingMessage struct {
	RoomID  string
	Text    string
	ReplyTo string
	Notice  bool
	File    *transcript.ExportFile
}

// Profile is the bot's per-room presentation. Empty fields are left as is.
type Profile struct {
	DisplayName string
	Avatar      *gateway.Avatar
}

// Platform is the chat network the relay is attached to.
type Platform interface {
	Name() string
	Self() trigger.Identity
	Send(ctx context.Context, msg OutgoingMessage) (string, error)
	SetTyping(ctx context.Context, roomID string, typing bool) error
	MemberCount(ctx context.Context, roomID string) (int, error)
	MessageSender(ctx context.Context, roomID, messageID string) (string, error)
	SetProfile(ctx context.Context, roomID string, profile Profile) error
	React(ctx context.Context, roomID, messageID, emoji string) error
}

// AI is the serialized AI service surface.
type AI interface {
	CreateSession(ctx context.Context, characterID string) (string, string, error)
	Send(ctx context.Context, characterID, chatID, text string) (string, error)
	FetchHistory(ctx context.Context, chatID string) ([]transcript.Message, error)
	FetchCharacterInfo(ctx context.Context, characterID string) (gateway.CharacterInfo, error)
	FetchAvatar(ctx context.Context, ref string) (gateway.Avatar, error)
}

// Archiver keeps a copy of every export outside the room.
type Archiver interface {
	Put(ctx context.Context, roomID string, file *transcript.ExportFile) (string, error)
}
