package cai

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ID accepts both JSON strings and numbers; the service is inconsistent
// about which one it sends for account ids.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type Author struct {
	AuthorID ID     `json:"author_id"`
	Name     string `json:"name,omitempty"`
	IsHuman  bool   `json:"is_human,omitempty"`
}

type Candidate struct {
	CandidateID string `json:"candidate_id"`
	RawContent  string `json:"raw_content"`
	IsFinal     bool   `json:"is_final,omitempty"`
}

type TurnKey struct {
	ChatID string `json:"chat_id"`
	TurnID string `json:"turn_id"`
}

// Turn is one message of a chat, possibly with several candidate replies.
type Turn struct {
	TurnKey            TurnKey     `json:"turn_key"`
	CreateTime         time.Time   `json:"create_time"`
	Author             Author      `json:"author"`
	Candidates         []Candidate `json:"candidates"`
	PrimaryCandidateID string      `json:"primary_candidate_id,omitempty"`
}

// Primary returns the primary candidate, falling back to the first one.
func (t Turn) Primary() (Candidate, bool) {
	if len(t.Candidates) == 0 {
		return Candidate{}, false
	}
	if t.PrimaryCandidateID != "" {
		for _, c := range t.Candidates {
			if c.CandidateID == t.PrimaryCandidateID {
				return c, true
			}
		}
	}
	return t.Candidates[0], true
}

// Text is the primary candidate's content, or "" when the turn has none.
func (t Turn) Text() string {
	c, _ := t.Primary()
	return c.RawContent
}

// Final reports whether the turn is a completed character reply.
func (t Turn) Final() bool {
	if t.Author.IsHuman {
		return false
	}
	c, ok := t.Primary()
	return ok && c.IsFinal
}

// ChatInfo describes one upstream chat with a character.
type ChatInfo struct {
	ChatID             string    `json:"chat_id"`
	CharacterID        string    `json:"character_id"`
	CharacterName      string    `json:"character_name"`
	CharacterAvatarURI string    `json:"character_avatar_uri"`
	CreatorID          ID        `json:"creator_id"`
	CreateTime         time.Time `json:"create_time,omitempty"`
}

func (c ChatInfo) HasAvatar() bool {
	return strings.TrimSpace(c.CharacterAvatarURI) != ""
}
