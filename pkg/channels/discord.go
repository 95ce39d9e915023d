package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/relay"
	"github.com/dotsetgreg/cairelay/pkg/trigger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	// Discord allows 2000 characters; leave room for natural splits.
	discordChunkLimit = 1500
)

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	config   config.DiscordConfig
	typing   map[string]*typingSession
	typingMu sync.Mutex

	selfMu sync.RWMutex
	self   trigger.Identity
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

var _ Channel = (*DiscordChannel)(nil)

func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus) (*DiscordChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord token is required (set discord.token or CAIRELAY_DISCORD_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", bus),
		session:     session,
		config:      cfg,
		typing:      make(map[string]*typingSession),
	}, nil
}

// senderKey is the compound "id|username" form matched by allow lists.
func senderKey(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if u.Username == "" {
		return u.ID
	}
	return u.ID + "|" + u.Username
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessageCreate)
	c.session.AddHandler(c.handleMessageUpdate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.selfMu.Lock()
	c.self = trigger.Identity{UserID: senderKey(botUser), LocalName: botUser.Username}
	c.selfMu.Unlock()

	c.setRunning(true)
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) Self() trigger.Identity {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	return c.self
}

// Send posts msg and returns the id of the last message created. Long text
// is split; only the first chunk carries the reply reference and the file.
func (c *DiscordChannel) Send(ctx context.Context, msg relay.OutgoingMessage) (string, error) {
	if !c.IsRunning() {
		return "", fmt.Errorf("discord bot not running")
	}

	channelID := msg.RoomID
	if channelID == "" {
		return "", fmt.Errorf("channel ID is empty")
	}

	chunks := []string{""}
	if msg.Text != "" {
		chunks = splitMessage(msg.Text, discordChunkLimit)
	}
	if msg.Text == "" && msg.File == nil {
		return "", nil
	}

	lastID := ""
	for i, chunk := range chunks {
		data := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if i == 0 {
			if msg.ReplyTo != "" {
				data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
			}
			if msg.File != nil {
				data.Files = []*discordgo.File{{
					Name:        msg.File.Name,
					ContentType: msg.File.MimeType,
					Reader:      bytes.NewReader(msg.File.Data),
				}}
			}
		}
		id, err := c.sendComplex(ctx, channelID, data)
		if err != nil {
			return lastID, err
		}
		lastID = id
	}

	return lastID, nil
}

func (c *DiscordChannel) sendComplex(ctx context.Context, channelID string, data *discordgo.MessageSend) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	m, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(sendCtx))
	if err != nil {
		if sendCtx.Err() != nil {
			return "", fmt.Errorf("send message timeout: %w", sendCtx.Err())
		}
		return "", fmt.Errorf("failed to send discord message: %w", err)
	}
	return m.ID, nil
}

func (c *DiscordChannel) SetTyping(ctx context.Context, roomID string, typing bool) error {
	if typing {
		c.beginTyping(roomID)
	} else {
		c.endTyping(roomID)
	}
	return nil
}

func (c *DiscordChannel) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(channelID); err == nil && ch != nil {
		return ch, nil
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discord channel %s: %w", channelID, err)
	}
	return ch, nil
}

// MemberCount is 2 for a DM, recipients plus the bot for a group DM, and the
// guild's member count for guild channels.
func (c *DiscordChannel) MemberCount(ctx context.Context, roomID string) (int, error) {
	ch, err := c.channel(ctx, roomID)
	if err != nil {
		return 0, err
	}
	switch ch.Type {
	case discordgo.ChannelTypeDM:
		return 2, nil
	case discordgo.ChannelTypeGroupDM:
		return len(ch.Recipients) + 1, nil
	}

	if g, err := c.session.State.Guild(ch.GuildID); err == nil && g != nil && g.MemberCount > 0 {
		return g.MemberCount, nil
	}
	g, err := c.session.GuildWithCounts(ch.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve guild %s: %w", ch.GuildID, err)
	}
	return g.ApproximateMemberCount, nil
}

func (c *DiscordChannel) MessageSender(ctx context.Context, roomID, messageID string) (string, error) {
	if m, err := c.session.State.Message(roomID, messageID); err == nil && m != nil {
		return senderKey(m.Author), nil
	}
	m, err := c.session.ChannelMessage(roomID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to fetch discord message %s: %w", messageID, err)
	}
	return senderKey(m.Author), nil
}

// SetProfile changes the bot's nickname and avatar in the channel's guild.
// DMs have no per-room profile and are skipped.
func (c *DiscordChannel) SetProfile(ctx context.Context, roomID string, profile relay.Profile) error {
	ch, err := c.channel(ctx, roomID)
	if err != nil {
		return err
	}
	if ch.GuildID == "" {
		logger.DebugCF("discord", "Skipping profile update outside a guild", map[string]interface{}{
			"channel_id": roomID,
		})
		return nil
	}

	body := map[string]interface{}{}
	if profile.DisplayName != "" {
		body["nick"] = truncateRunes(profile.DisplayName, 32)
	}
	if profile.Avatar != nil && len(profile.Avatar.Data) > 0 {
		mime := profile.Avatar.MimeType
		if mime == "" {
			mime = http.DetectContentType(profile.Avatar.Data)
		}
		body["avatar"] = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(profile.Avatar.Data)
	}
	if len(body) == 0 {
		return nil
	}

	_, err = c.session.RequestWithBucketID(
		http.MethodPatch,
		discordgo.EndpointGuildMember(ch.GuildID, "@me"),
		body,
		discordgo.EndpointGuildMember(ch.GuildID, ""),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to update discord member profile: %w", err)
	}
	return nil
}

func (c *DiscordChannel) React(ctx context.Context, roomID, messageID, emoji string) error {
	if err := c.session.MessageReactionAdd(roomID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add discord reaction: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{
		pending: 1,
		cancel:  cancel,
	}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

// eventFromMessage normalizes a Discord message. System messages (joins,
// pins, boosts) become notices and attachment-only messages become media.
func eventFromMessage(m *discordgo.Message) bus.InboundEvent {
	ev := bus.InboundEvent{
		RoomID:     m.ChannelID,
		MessageID:  m.ID,
		SenderID:   senderKey(m.Author),
		SenderName: m.Author.Username,
		Body:       mentionsToNames(m),
		Type:       bus.MessageText,
	}

	switch {
	case m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply:
		ev.Type = bus.MessageNotice
	case strings.TrimSpace(m.Content) == "" && len(m.Attachments) > 0:
		ev.Type = bus.MessageMedia
	}

	if m.Type == discordgo.MessageTypeReply && m.MessageReference != nil {
		ev.ReplyTo = m.MessageReference.MessageID
	}
	return ev
}

// mentionsToNames replaces user mentions with the plain username so name
// triggers match an @-mention of the bot.
func mentionsToNames(m *discordgo.Message) string {
	if len(m.Mentions) == 0 {
		return m.Content
	}
	pairs := make([]string, 0, len(m.Mentions)*4)
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		pairs = append(pairs, "<@"+u.ID+">", u.Username, "<@!"+u.ID+">", u.Username)
	}
	return strings.NewReplacer(pairs...).Replace(m.Content)
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	ev := eventFromMessage(m.Message)
	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_id":  ev.SenderID,
		"channel_id": ev.RoomID,
		"type":       string(ev.Type),
		"reply_to":   ev.ReplyTo,
	})
	c.PublishEvent(ev)
}

func (c *DiscordChannel) handleMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	ev := eventFromMessage(m.Message)
	ev.Relation = bus.RelationReplace
	c.PublishEvent(ev)
}
