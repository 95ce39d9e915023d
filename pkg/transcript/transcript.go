// Package transcript renders AI chat histories to export files.
package transcript

import (
	"errors"
	"sort"
	"time"
)

// ErrEmptyHistory is returned when exporting a chat with no messages.
var ErrEmptyHistory = errors.New("chat history is empty")

// Message is one turn of an AI conversation.
type Message struct {
	Timestamp     time.Time
	AuthorName    string
	AuthorIsHuman bool
	Content       string
}

type Meta struct {
	CharacterName string
	CharacterID   string
	ChatID        string
}

// Transcript is a chat history plus the metadata printed in export headers.
type Transcript struct {
	Meta     Meta
	Messages []Message
}

// ExportFile is a rendered export ready for upload.
type ExportFile struct {
	Name      string
	Extension string
	MimeType  string
	Data      []byte
}

// SortMessages orders messages by timestamp, oldest first. Equal
// timestamps keep their relative order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// PrettyUTC formats t in UTC without sub-second precision, e.g.
// 2024-05-01T10:00:00Z.
func PrettyUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func (t Transcript) start() time.Time { return t.Messages[0].Timestamp }
func (t Transcript) end() time.Time   { return t.Messages[len(t.Messages)-1].Timestamp }
