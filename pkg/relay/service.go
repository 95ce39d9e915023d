// Package relay wires room events to AI chat sessions: it decides whether to
// answer, resolves the room's session, forwards the prompt and posts the
// reply, and runs the bot commands.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/dotsetgreg/cairelay/pkg/groupmode"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/metrics"
	"github.com/dotsetgreg/cairelay/pkg/session"
	"github.com/dotsetgreg/cairelay/pkg/trigger"
)

const (
	NoSessionText    = "This room doesn't have an AI chat yet. Create one with `!cai new_chat`"
	ErrorReplyPrefix = "Error while handling message... "
)

type Options struct {
	Platform Platform
	AI       AI
	Store    session.Store
	Config   config.Source
	Archive  Archiver
	Bus      *bus.MessageBus
	Now      func() time.Time
}

type Service struct {
	platform Platform
	ai       AI
	store    session.Store
	config   config.Source
	archive  Archiver
	bus      *bus.MessageBus
	now      func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		platform: opts.Platform,
		ai:       opts.AI,
		store:    opts.Store,
		config:   opts.Config,
		archive:  opts.Archive,
		bus:      opts.Bus,
		now:      now,
	}
}

// Run consumes the bus until ctx is done or the bus is closed. Each event is
// handled on its own goroutine; Run returns after in-flight events finish.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil {
		return fmt.Errorf("relay: no message bus configured")
	}
	s.running.Store(true)
	defer s.running.Store(false)

	for {
		ev, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			s.wg.Wait()
			return nil
		}
		s.wg.Add(1)
		go func(ev bus.InboundEvent) {
			defer s.wg.Done()
			_ = s.HandleEvent(ctx, ev)
		}(ev)
	}
}

func (s *Service) IsRunning() bool { return s.running.Load() }

// Wait blocks until every event handed out by Run has been handled.
func (s *Service) Wait() { s.wg.Wait() }

// HandleEvent processes one inbound event. Failures are reported in the
// room before being returned.
func (s *Service) HandleEvent(ctx context.Context, ev bus.InboundEvent) error {
	if err := ev.Validate(); err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		logger.WarnCF("relay", "Dropping invalid event", map[string]interface{}{
			"channel": ev.Channel,
			"room_id": ev.RoomID,
			"error":   err.Error(),
		})
		return err
	}

	cfg, err := s.config.Load()
	if err != nil {
		return s.fail(ctx, ev, fmt.Errorf("load config: %w", err))
	}

	if isCommand(ev.Body) {
		return s.handleCommand(ctx, ev, cfg)
	}
	return s.handleMessage(ctx, ev, cfg)
}

func (s *Service) handleMessage(ctx context.Context, ev bus.InboundEvent, cfg *config.Config) error {
	bot := s.platform.Self()
	settings := trigger.SettingsFrom(cfg)

	if reason := trigger.Excluded(ev, bot, settings); reason != "" {
		metrics.EventsTotal.WithLabelValues("ignored").Inc()
		logger.DebugCF("relay", "Event ignored", map[string]interface{}{
			"room_id": ev.RoomID,
			"reason":  reason,
		})
		return nil
	}

	roomIsDM, err := s.isDM(ctx, ev.RoomID)
	if err != nil {
		return s.fail(ctx, ev, err)
	}

	in := trigger.Input{Event: ev, Bot: bot, Settings: settings, RoomIsDM: roomIsDM}
	if settings.ReplyIsTrigger && ev.ReplyTo != "" {
		sender, err := s.platform.MessageSender(ctx, ev.RoomID, ev.ReplyTo)
		if err != nil {
			logger.WarnCF("relay", "Could not resolve replied-to message", map[string]interface{}{
				"room_id":    ev.RoomID,
				"message_id": ev.ReplyTo,
				"error":      err.Error(),
			})
		}
		in.ReplyTargetSender = sender
	}

	decision := trigger.Evaluate(in)
	if !decision.Respond {
		metrics.EventsTotal.WithLabelValues("ignored").Inc()
		logger.DebugCF("relay", "Not triggered", map[string]interface{}{
			"room_id": ev.RoomID,
			"reason":  decision.Reason,
		})
		return nil
	}

	logger.InfoCF("relay", "Relaying message", map[string]interface{}{
		"room_id":   ev.RoomID,
		"sender_id": ev.SenderID,
		"reason":    decision.Reason,
	})

	reply, handled, err := s.converse(ctx, ev, cfg, bot, roomIsDM)
	if err != nil {
		return s.fail(ctx, ev, err)
	}
	if handled {
		metrics.EventsTotal.WithLabelValues("guidance").Inc()
		return nil
	}

	if _, err := s.reply(ctx, ev, cfg, reply); err != nil {
		return s.fail(ctx, ev, err)
	}
	metrics.EventsTotal.WithLabelValues("replied").Inc()
	return nil
}

// converse runs the typing-scoped part of the event path. handled is true
// when the room had no session and guidance was posted instead.
func (s *Service) converse(ctx context.Context, ev bus.InboundEvent, cfg *config.Config, bot trigger.Identity, roomIsDM bool) (string, bool, error) {
	stopTyping := s.startTyping(ctx, ev.RoomID)
	defer stopTyping()

	sess, ok, err := s.store.Get(ctx, ev.RoomKey())
	if err != nil {
		return "", false, err
	}
	if !ok {
		if _, err := s.respond(ctx, ev.RoomID, NoSessionText); err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	text := ev.Body
	if cfg.StripTriggerPrefix {
		text = trigger.StripPrefix(text, trigger.Resolve(cfg.Trigger, bot))
	}

	text, err = groupmode.Format(text, senderName(ev), roomIsDM, cfg.GroupMode, cfg.GroupModeTemplate)
	if err != nil {
		return "", false, err
	}

	reply, err := s.ai.Send(ctx, sess.CharacterID, sess.ChatID, text)
	if err != nil {
		return "", false, err
	}

	if cfg.ShowPromptInReply.Resolve(roomIsDM) {
		reply = QuotePrompt(text) + "\n\n" + reply
	}
	return reply, false, nil
}

// QuotePrompt prefixes every line of text, blank ones included, with "> ".
func QuotePrompt(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.WriteString("> ")
		b.WriteString(line)
	}
	return b.String()
}

func senderName(ev bus.InboundEvent) string {
	if name := strings.TrimSpace(ev.SenderName); name != "" {
		return name
	}
	id := ev.SenderID
	if idx := strings.Index(id, "|"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// isDM treats a room with exactly two members as a direct conversation.
func (s *Service) isDM(ctx context.Context, roomID string) (bool, error) {
	n, err := s.platform.MemberCount(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("count room members: %w", err)
	}
	return n == 2, nil
}

// startTyping sets the typing indicator and returns the function that
// clears it. Indicator failures are logged only.
func (s *Service) startTyping(ctx context.Context, roomID string) func() {
	if err := s.platform.SetTyping(ctx, roomID, true); err != nil {
		logger.DebugCF("relay", "Failed to set typing", map[string]interface{}{
			"room_id": roomID,
			"error":   err.Error(),
		})
	}
	return func() {
		if err := s.platform.SetTyping(context.WithoutCancel(ctx), roomID, false); err != nil {
			logger.DebugCF("relay", "Failed to clear typing", map[string]interface{}{
				"room_id": roomID,
				"error":   err.Error(),
			})
		}
	}
}

// reply posts a notice, linked to the triggering message when
// reply_to_message is on.
func (s *Service) reply(ctx context.Context, ev bus.InboundEvent, cfg *config.Config, text string) (string, error) {
	msg := OutgoingMessage{RoomID: ev.RoomID, Text: text, Notice: true}
	if cfg != nil && cfg.ReplyToMessage {
		msg.ReplyTo = ev.MessageID
	}
	id, err := s.platform.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send reply: %w", err)
	}
	return id, nil
}

// respond posts plain text without a reply link.
func (s *Service) respond(ctx context.Context, roomID, text string) (string, error) {
	id, err := s.platform.Send(ctx, OutgoingMessage{RoomID: roomID, Text: text})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

// fail is the error funnel: log with full detail, tell the room, return err.
func (s *Service) fail(ctx context.Context, ev bus.InboundEvent, err error) error {
	metrics.EventsTotal.WithLabelValues("error").Inc()
	logger.ErrorCF("relay", "Error while handling message", map[string]interface{}{
		"channel":    ev.Channel,
		"room_id":    ev.RoomID,
		"message_id": ev.MessageID,
		"error":      err.Error(),
	})

	if _, sendErr := s.respond(context.WithoutCancel(ctx), ev.RoomID, ErrorReplyPrefix+err.Error()); sendErr != nil {
		logger.ErrorCF("relay", "Failed to report error to room", map[string]interface{}{
			"room_id": ev.RoomID,
			"error":   sendErr.Error(),
		})
		return errors.Join(err, sendErr)
	}
	return err
}
