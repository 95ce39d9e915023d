package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/metrics"
	"github.com/dotsetgreg/cairelay/pkg/session"
	"github.com/dotsetgreg/cairelay/pkg/transcript"
	"github.com/dotsetgreg/cairelay/pkg/trigger"
)

const (
	CommandName = "cai"

	UsageText        = "**Usage:** `!cai new_chat [character_id]` or `!cai sync_info`"
	NoCharacterText  = "No character id was provided and no default character is set."
	NothingToDoText  = "Both `use_char_name` and `use_char_avatar` are disabled, nothing to do."
	SyncedReaction   = "✅"
	exportFailedText = "Could not export the previous chat: "
)

func isCommand(body string) bool {
	return strings.HasPrefix(body, trigger.CommandPrefix)
}

// parseCommand splits "!cai sub args..." into sub and args. ok is false for
// commands addressed to other bots.
func parseCommand(body string) (sub string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimPrefix(body, trigger.CommandPrefix))
	if len(fields) == 0 || !strings.EqualFold(fields[0], CommandName) {
		return "", nil, false
	}
	if len(fields) == 1 {
		return "", nil, true
	}
	return strings.ToLower(fields[1]), fields[2:], true
}

func (s *Service) handleCommand(ctx context.Context, ev bus.InboundEvent, cfg *config.Config) error {
	sub, args, ok := parseCommand(ev.Body)
	if !ok {
		return nil
	}
	bot := s.platform.Self()
	if ev.SenderID == bot.UserID || ev.Relation == bus.RelationReplace || ev.Type != bus.MessageText {
		return nil
	}
	if !trigger.IsUserAllowed(ev.SenderID, cfg.AllowedUsers) {
		metrics.CommandsTotal.WithLabelValues(sub, "denied").Inc()
		logger.DebugCF("relay", "Command from user not in allow list", map[string]interface{}{
			"room_id":   ev.RoomID,
			"sender_id": ev.SenderID,
		})
		return nil
	}

	logger.InfoCF("relay", "Command received", map[string]interface{}{
		"room_id":    ev.RoomID,
		"sender_id":  ev.SenderID,
		"subcommand": sub,
	})

	var err error
	switch sub {
	case "new", "new_chat":
		characterID := ""
		if len(args) > 0 {
			characterID = args[0]
		}
		err = s.newChat(ctx, ev, cfg, characterID)
	case "sync_info":
		err = s.syncInfo(ctx, ev, cfg)
	default:
		_, err = s.reply(ctx, ev, cfg, UsageText)
		sub = "usage"
	}

	if err != nil {
		metrics.CommandsTotal.WithLabelValues(sub, "error").Inc()
		return s.fail(ctx, ev, err)
	}
	metrics.CommandsTotal.WithLabelValues(sub, "ok").Inc()
	return nil
}

// newChat creates a chat for the room, replacing and exporting any previous
// one, then posts the character's greeting.
func (s *Service) newChat(ctx context.Context, ev bus.InboundEvent, cfg *config.Config, characterID string) error {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		characterID = strings.TrimSpace(cfg.DefaultCharacterID)
	}
	if characterID == "" {
		_, err := s.respond(ctx, ev.RoomID, NoCharacterText)
		return err
	}

	greeting, err := func() (string, error) {
		stopTyping := s.startTyping(ctx, ev.RoomID)
		defer stopTyping()

		prev, exists, err := s.store.Get(ctx, ev.RoomKey())
		if err != nil {
			return "", err
		}
		if exists {
			s.exportReplaced(ctx, ev, cfg, prev)
		}

		chatID, greeting, err := s.ai.CreateSession(ctx, characterID)
		if err != nil {
			return "", err
		}
		if err := s.store.Put(ctx, ev.RoomKey(), characterID, chatID); err != nil {
			return "", err
		}
		logger.InfoCF("relay", "Room bound to new chat", map[string]interface{}{
			"room_id":      ev.RoomKey(),
			"character_id": characterID,
			"chat_id":      chatID,
			"replaced":     exists,
		})

		if err := s.syncProfile(ctx, ev.RoomID, cfg, characterID); err != nil {
			logger.WarnCF("relay", "Profile sync after new chat failed", map[string]interface{}{
				"room_id": ev.RoomID,
				"error":   err.Error(),
			})
			if _, sendErr := s.respond(ctx, ev.RoomID, ErrorReplyPrefix+err.Error()); sendErr != nil {
				return "", sendErr
			}
		}
		return greeting, nil
	}()
	if err != nil {
		return err
	}

	_, err = s.reply(ctx, ev, cfg, greeting)
	return err
}

// exportReplaced uploads the transcript of the session about to be
// replaced. Failures are reported in the room but do not block the new chat.
func (s *Service) exportReplaced(ctx context.Context, ev bus.InboundEvent, cfg *config.Config, prev session.Session) {
	file, err := ExportSession(ctx, s.ai, cfg, prev, s.now())
	if err != nil {
		if errors.Is(err, transcript.ErrEmptyHistory) {
			return
		}
		logger.WarnCF("relay", "Export of replaced chat failed", map[string]interface{}{
			"room_id": ev.RoomID,
			"chat_id": prev.ChatID,
			"error":   err.Error(),
		})
		_, _ = s.respond(ctx, ev.RoomID, exportFailedText+err.Error())
		return
	}
	if file == nil {
		return
	}

	metrics.ExportsTotal.WithLabelValues(file.Extension).Inc()
	if _, err := s.platform.Send(ctx, OutgoingMessage{RoomID: ev.RoomID, File: file}); err != nil {
		logger.WarnCF("relay", "Upload of export failed", map[string]interface{}{
			"room_id": ev.RoomID,
			"file":    file.Name,
			"error":   err.Error(),
		})
		_, _ = s.respond(ctx, ev.RoomID, exportFailedText+err.Error())
	}

	if s.archive != nil {
		if _, err := s.archive.Put(ctx, ev.RoomKey(), file); err != nil {
			logger.WarnCF("relay", "Archiving export failed", map[string]interface{}{
				"room_id": ev.RoomKey(),
				"file":    file.Name,
				"error":   err.Error(),
			})
		}
	}
}

// ExportSession renders sess's history in the formats enabled by cfg. It
// returns nil when no format is enabled.
func ExportSession(ctx context.Context, ai AI, cfg *config.Config, sess session.Session, exportTime time.Time) (*transcript.ExportFile, error) {
	formats := transcript.FormatsFrom(cfg)
	if len(formats) == 0 {
		return nil, nil
	}

	history, err := ai.FetchHistory(ctx, sess.ChatID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, transcript.ErrEmptyHistory
	}
	info, err := ai.FetchCharacterInfo(ctx, sess.CharacterID)
	if err != nil {
		return nil, err
	}

	return transcript.Export(transcript.Transcript{
		Meta: transcript.Meta{
			CharacterName: info.Name,
			CharacterID:   sess.CharacterID,
			ChatID:        sess.ChatID,
		},
		Messages: history,
	}, formats, exportTime)
}

func (s *Service) syncInfo(ctx context.Context, ev bus.InboundEvent, cfg *config.Config) error {
	if !cfg.UseCharName && !cfg.UseCharAvatar {
		_, err := s.reply(ctx, ev, cfg, NothingToDoText)
		return err
	}

	sess, ok, err := s.store.Get(ctx, ev.RoomKey())
	if err != nil {
		return err
	}
	if !ok {
		_, err := s.respond(ctx, ev.RoomID, NoSessionText)
		return err
	}

	if err := s.syncProfile(ctx, ev.RoomID, cfg, sess.CharacterID); err != nil {
		return err
	}
	if err := s.platform.React(ctx, ev.RoomID, ev.MessageID, SyncedReaction); err != nil {
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// syncProfile copies the character's name and avatar onto the bot's
// profile in the room, as enabled by use_char_name and use_char_avatar.
// It must only run once a chat with the character exists.
func (s *Service) syncProfile(ctx context.Context, roomID string, cfg *config.Config, characterID string) error {
	if !cfg.UseCharName && !cfg.UseCharAvatar {
		return nil
	}

	info, err := s.ai.FetchCharacterInfo(ctx, characterID)
	if err != nil {
		return err
	}

	var profile Profile
	if cfg.UseCharName {
		profile.DisplayName = info.Name
	}
	if cfg.UseCharAvatar && strings.TrimSpace(info.AvatarRef) != "" {
		avatar, err := s.ai.FetchAvatar(ctx, info.AvatarRef)
		if err != nil {
			return err
		}
		profile.Avatar = &avatar
	}
	if profile.DisplayName == "" && profile.Avatar == nil {
		return nil
	}

	if err := s.platform.SetProfile(ctx, roomID, profile); err != nil {
		return fmt.Errorf("set profile: %w", err)
	}
	logger.InfoCF("relay", "Profile synced to character", map[string]interface{}{
		"room_id":      roomID,
		"character_id": characterID,
		"name":         profile.DisplayName,
		"avatar":       profile.Avatar != nil,
	})
	return nil
}
