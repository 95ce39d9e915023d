// Package trigger decides whether an inbound room message should be relayed
// to the AI character.
package trigger

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/config"
	"golang.org/x/text/cases"
)

// CommandPrefix starts every bot command; such messages are never relayed.
const CommandPrefix = "!"

// Identity is the bot's own platform account.
type Identity struct {
	UserID    string
	LocalName string
}

type Settings struct {
	Trigger         string
	AllowedUsers    []string
	AlwaysReplyInDM bool
	ReplyIsTrigger  bool
}

func SettingsFrom(cfg *config.Config) Settings {
	if cfg == nil {
		return Settings{}
	}
	return Settings{
		Trigger:         cfg.Trigger,
		AllowedUsers:    append([]string(nil), cfg.AllowedUsers...),
		AlwaysReplyInDM: cfg.AlwaysReplyInDM,
		ReplyIsTrigger:  cfg.ReplyIsTrigger,
	}
}

// Input holds everything the decision depends on. RoomIsDM and
// ReplyTargetSender are resolved by the caller.
type Input struct {
	Event             bus.InboundEvent
	Bot               Identity
	Settings          Settings
	RoomIsDM          bool
	ReplyTargetSender string
}

type Decision struct {
	Respond bool
	Reason  string
}

// Fold returns the Unicode case-folded form of s.
func Fold(s string) string {
	return cases.Fold().String(s)
}

func isPlaceholder(raw string) bool {
	return Fold(strings.TrimSpace(raw)) == config.NamePlaceholder
}

// Resolve returns the effective, casefolded trigger. An unset trigger
// resolves to the empty string.
func Resolve(raw string, bot Identity) string {
	if isPlaceholder(raw) {
		return Fold(strings.TrimSpace(bot.LocalName))
	}
	return Fold(strings.TrimSpace(raw))
}

// IsUserAllowed reports whether senderID passes the allow list. An empty
// list allows everyone.
func IsUserAllowed(senderID string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range allowList {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == idPart {
			return true
		}
		candidate := strings.TrimPrefix(allowed, "@")
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// Excluded reports the first "never respond" condition that applies, or "".
func Excluded(ev bus.InboundEvent, bot Identity, s Settings) string {
	switch {
	case ev.SenderID == bot.UserID:
		return "own message"
	case ev.Relation == bus.RelationReplace:
		return "edit"
	case ev.Type != bus.MessageText:
		return "not text"
	case !IsUserAllowed(ev.SenderID, s.AllowedUsers):
		return "sender not allowed"
	case strings.HasPrefix(ev.Body, CommandPrefix):
		return "command"
	}
	return ""
}

// Evaluate applies the exclusion rules, then the respond rules in order.
func Evaluate(in Input) Decision {
	if reason := Excluded(in.Event, in.Bot, in.Settings); reason != "" {
		return Decision{Respond: false, Reason: reason}
	}

	if in.Settings.AlwaysReplyInDM && in.RoomIsDM {
		return Decision{Respond: true, Reason: "direct room"}
	}

	body := Fold(in.Event.Body)

	if isPlaceholder(in.Settings.Trigger) {
		name := Fold(strings.TrimSpace(in.Bot.LocalName))
		if name != "" && strings.Contains(body, name) {
			return Decision{Respond: true, Reason: "mentioned by name"}
		}
	}

	// An empty trigger matches every message.
	if strings.Contains(body, Resolve(in.Settings.Trigger, in.Bot)) {
		return Decision{Respond: true, Reason: "trigger matched"}
	}

	if in.Settings.ReplyIsTrigger && in.Event.ReplyTo != "" &&
		in.ReplyTargetSender != "" && in.ReplyTargetSender == in.Bot.UserID {
		return Decision{Respond: true, Reason: "reply to bot"}
	}

	return Decision{Respond: false, Reason: "not addressed"}
}

func ShouldRespond(in Input) bool {
	return Evaluate(in).Respond
}

// StripPrefix removes leading whitespace and, when present, the resolved
// trigger at the start of text.
func StripPrefix(text, resolved string) string {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if resolved == "" {
		return text
	}
	if !strings.HasPrefix(Fold(text), resolved) {
		return text
	}
	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if Fold(text[:i]) == resolved {
			return text[i:]
		}
	}
	return text
}
