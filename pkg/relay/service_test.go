package relay

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/dotsetgreg/cairelay/pkg/gateway"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/session"
	"github.com/dotsetgreg/cairelay/pkg/transcript"
	"github.com/dotsetgreg/cairelay/pkg/trigger"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakePlatform struct {
	mu         sync.Mutex
	members    int
	senders    map[string]string
	sent       []OutgoingMessage
	typing     []bool
	profiles   []Profile
	reactions  []string
	sendErr    error
	profileErr error
}

func newFakePlatform(members int) *fakePlatform {
	return &fakePlatform{members: members, senders: map[string]string{}}
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) Self() trigger.Identity {
	return trigger.Identity{UserID: "bot", LocalName: "Cai"}
}

func (p *fakePlatform) Send(ctx context.Context, msg OutgoingMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return "", p.sendErr
	}
	p.sent = append(p.sent, msg)
	return "sent-id", nil
}

func (p *fakePlatform) SetTyping(ctx context.Context, roomID string, typing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing = append(p.typing, typing)
	return nil
}

func (p *fakePlatform) MemberCount(ctx context.Context, roomID string) (int, error) {
	return p.members, nil
}

func (p *fakePlatform) MessageSender(ctx context.Context, roomID, messageID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sender, ok := p.senders[messageID]
	if !ok {
		return "", errors.New("unknown message")
	}
	return sender, nil
}

func (p *fakePlatform) SetProfile(ctx context.Context, roomID string, profile Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profileErr != nil {
		return p.profileErr
	}
	p.profiles = append(p.profiles, profile)
	return nil
}

func (p *fakePlatform) React(ctx context.Context, roomID, messageID, emoji string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, messageID+":"+emoji)
	return nil
}

func (p *fakePlatform) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Text)
	}
	return out
}

type fakeAI struct {
	mu       sync.Mutex
	prompts  []string
	reply    string
	sendErr  error
	chatSeq  int
	history  []transcript.Message
	info     gateway.CharacterInfo
	infoErr  error
	created  []string
}

func (a *fakeAI) CreateSession(ctx context.Context, characterID string) (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chatSeq++
	a.created = append(a.created, characterID)
	return "chat-" + string(rune('0'+a.chatSeq)), "Hello, I am " + characterID, nil
}

func (a *fakeAI) Send(ctx context.Context, characterID, chatID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.prompts = append(a.prompts, text)
	return a.reply, nil
}

func (a *fakeAI) FetchHistory(ctx context.Context, chatID string) ([]transcript.Message, error) {
	return a.history, nil
}

func (a *fakeAI) FetchCharacterInfo(ctx context.Context, characterID string) (gateway.CharacterInfo, error) {
	if a.infoErr != nil {
		return gateway.CharacterInfo{}, a.infoErr
	}
	return a.info, nil
}

func (a *fakeAI) FetchAvatar(ctx context.Context, ref string) (gateway.Avatar, error) {
	return gateway.Avatar{Data: []byte("img"), MimeType: "image/png"}, nil
}

type fakeArchive struct {
	keys []string
}

func (f *fakeArchive) Put(ctx context.Context, roomID string, file *transcript.ExportFile) (string, error) {
	key := roomID + "/" + file.Name
	f.keys = append(f.keys, key)
	return key, nil
}

type harness struct {
	svc      *Service
	platform *fakePlatform
	ai       *fakeAI
	store    *session.SQLiteStore
	archive  *fakeArchive
}

func newHarness(t *testing.T, members int, mutate func(*config.Config)) *harness {
	t.Helper()
	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Trigger = ""
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		platform: newFakePlatform(members),
		ai:       &fakeAI{reply: "pong", info: gateway.CharacterInfo{Name: "Ada Bot", AvatarRef: "ada.png"}},
		store:    store,
		archive:  &fakeArchive{},
	}
	h.svc = NewService(Options{
		Platform: h.platform,
		AI:       h.ai,
		Store:    store,
		Config:   config.NewStaticSource(cfg),
		Archive:  h.archive,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	return h
}

func event(body string) bus.InboundEvent {
	return bus.InboundEvent{
		Channel:    "fake",
		RoomID:     "room-1",
		MessageID:  "msg-1",
		SenderID:   "u1",
		SenderName: "alice",
		Body:       body,
		Type:       bus.MessageText,
	}
}

func (h *harness) bind(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.Put(context.Background(), bus.RoomKey("fake", "room-1"), "char-a", "chat-0"))
}

func TestHandleEvent_RelaysReply(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.bind(t)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("ping")))

	assert.Equal(t, []string{"ping"}, h.ai.prompts)
	require.Len(t, h.platform.sent, 1)
	assert.Equal(t, "pong", h.platform.sent[0].Text)
	assert.Equal(t, "msg-1", h.platform.sent[0].ReplyTo)
	assert.True(t, h.platform.sent[0].Notice)
	assert.Equal(t, []bool{true, false}, h.platform.typing)
}

func TestHandleEvent_NoReplyLinkWhenDisabled(t *testing.T) {
	h := newHarness(t, 2, func(c *config.Config) { c.ReplyToMessage = false })
	h.bind(t)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("ping")))
	require.Len(t, h.platform.sent, 1)
	assert.Equal(t, "", h.platform.sent[0].ReplyTo)
}

func TestHandleEvent_NoSessionGuides(t *testing.T) {
	h := newHarness(t, 2, nil)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("ping")))

	assert.Equal(t, []string{NoSessionText}, h.platform.texts())
	assert.Empty(t, h.ai.prompts)
	assert.Equal(t, []bool{true, false}, h.platform.typing)
}

func TestHandleEvent_IgnoresOwnAndCommandMessages(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.bind(t)

	own := event("ping")
	own.SenderID = "bot"
	require.NoError(t, h.svc.HandleEvent(context.Background(), own))

	edit := event("ping")
	edit.Relation = bus.RelationReplace
	require.NoError(t, h.svc.HandleEvent(context.Background(), edit))

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!other thing")))

	assert.Empty(t, h.platform.sent)
	assert.Empty(t, h.platform.typing)
}

func TestHandleEvent_TriggerAndStripPrefix(t *testing.T) {
	h := newHarness(t, 5, func(c *config.Config) {
		c.Trigger = "{name}"
		c.ShowPromptInReply = config.Off
	})
	h.bind(t)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("hello there")))
	assert.Empty(t, h.ai.prompts)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("  CAI, how are you?")))
	assert.Equal(t, []string{", how are you?"}, h.ai.prompts)
}

func TestHandleEvent_ReplyToBotTriggers(t *testing.T) {
	h := newHarness(t, 5, func(c *config.Config) {
		c.Trigger = "zzz"
		c.ShowPromptInReply = config.Off
	})
	h.bind(t)
	h.platform.senders["bot-msg"] = "bot"
	h.platform.senders["user-msg"] = "u2"

	ev := event("go on")
	ev.ReplyTo = "user-msg"
	require.NoError(t, h.svc.HandleEvent(context.Background(), ev))
	assert.Empty(t, h.ai.prompts)

	ev.ReplyTo = "bot-msg"
	require.NoError(t, h.svc.HandleEvent(context.Background(), ev))
	assert.Equal(t, []string{"go on"}, h.ai.prompts)
}

func TestHandleEvent_GroupModeAndShowPromptInGroupRoom(t *testing.T) {
	h := newHarness(t, 3, func(c *config.Config) { c.GroupMode = config.Auto })
	h.bind(t)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("line one\nline two")))

	assert.Equal(t, []string{"alice: line one\nline two"}, h.ai.prompts)
	assert.Equal(t, []string{"> alice: line one\n> line two\n\npong"}, h.platform.texts())
}

func TestHandleEvent_AutoSettingsInDM(t *testing.T) {
	h := newHarness(t, 2, func(c *config.Config) { c.GroupMode = config.Auto })
	h.bind(t)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("hi")))

	assert.Equal(t, []string{"hi"}, h.ai.prompts)
	assert.Equal(t, []string{"pong"}, h.platform.texts())
}

func TestHandleEvent_UpstreamErrorIsReportedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	restore := logger.Use(zap.New(core))
	defer restore()

	h := newHarness(t, 2, nil)
	h.bind(t)
	h.ai.sendErr = errors.New("upstream down")

	err := h.svc.HandleEvent(context.Background(), event("ping"))
	require.Error(t, err)

	texts := h.platform.texts()
	require.Len(t, texts, 1)
	assert.True(t, strings.HasPrefix(texts[0], ErrorReplyPrefix))
	assert.Contains(t, texts[0], "upstream down")
	assert.Equal(t, []bool{true, false}, h.platform.typing)
	assert.GreaterOrEqual(t, logs.FilterMessage("Error while handling message").Len(), 1)
}

func TestHandleEvent_InvalidEvent(t *testing.T) {
	h := newHarness(t, 2, nil)
	ev := event("ping")
	ev.RoomID = ""
	assert.Error(t, h.svc.HandleEvent(context.Background(), ev))
	assert.Empty(t, h.platform.sent)
}

func TestQuotePrompt(t *testing.T) {
	assert.Equal(t, "> a", QuotePrompt("a"))
	assert.Equal(t, "> a\n> \n> b", QuotePrompt("a\n\nb"))
	assert.Equal(t, "> a\n", QuotePrompt("a\n"))
	assert.Equal(t, "", QuotePrompt(""))
}

func TestRun_ConsumesBus(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.bind(t)
	mb := bus.NewMessageBus()
	h.svc.bus = mb

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	mb.PublishInbound(event("one"))
	mb.PublishInbound(event("two"))

	require.Eventually(t, func() bool { return len(h.platform.texts()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewChat_BindsRoomAndSyncsProfile(t *testing.T) {
	h := newHarness(t, 2, nil)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai new_chat char-b")))

	sess, ok, err := h.store.Get(context.Background(), "fake:room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "char-b", sess.CharacterID)
	assert.Equal(t, "chat-1", sess.ChatID)

	require.Len(t, h.platform.profiles, 1)
	assert.Equal(t, "Ada Bot", h.platform.profiles[0].DisplayName)
	require.NotNil(t, h.platform.profiles[0].Avatar)
	assert.Equal(t, []string{"Hello, I am char-b"}, h.platform.texts())
	assert.Equal(t, []bool{true, false}, h.platform.typing)
}

func TestNewChat_DefaultCharacter(t *testing.T) {
	h := newHarness(t, 2, func(c *config.Config) { c.DefaultCharacterID = "char-default" })

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai new")))
	assert.Equal(t, []string{"char-default"}, h.ai.created)
}

func TestNewChat_NoCharacterConfigured(t *testing.T) {
	h := newHarness(t, 2, nil)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai new")))
	assert.Equal(t, []string{NoCharacterText}, h.platform.texts())
	assert.Empty(t, h.ai.created)
}

func TestNewChat_ReplacesAndExportsPreviousChat(t *testing.T) {
	h := newHarness(t, 2, func(c *config.Config) {
		c.ExportJSON = true
		c.UseCharName = false
		c.UseCharAvatar = false
	})
	h.bind(t)
	h.ai.history = []transcript.Message{
		{Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), AuthorName: "Ada", Content: "hi"},
	}

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai new_chat char-b")))

	sess, _, err := h.store.Get(context.Background(), "fake:room-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", sess.ChatID)

	require.Len(t, h.platform.sent, 2)
	file := h.platform.sent[0].File
	require.NotNil(t, file)
	assert.Equal(t, "cai-Ada_Bot-20240501T120000Z.zip", file.Name)

	zr, err := zip.NewReader(bytes.NewReader(file.Data), int64(len(file.Data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 2)

	assert.Equal(t, []string{"fake:room-1/cai-Ada_Bot-20240501T120000Z.zip"}, h.archive.keys)
	assert.Empty(t, h.platform.profiles)
}

func TestNewChat_EmptyPreviousHistorySkipsExport(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.bind(t)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai new_chat char-b")))
	assert.Equal(t, []string{"Hello, I am char-b"}, h.platform.texts())
	assert.Empty(t, h.archive.keys)
}

func TestCommands_RespectAllowList(t *testing.T) {
	h := newHarness(t, 2, func(c *config.Config) { c.AllowedUsers = config.FlexibleStringSlice{"someone-else"} })

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai new_chat char-b")))
	assert.Empty(t, h.platform.sent)
	assert.Empty(t, h.ai.created)
}

func TestCommands_Usage(t *testing.T) {
	h := newHarness(t, 2, nil)

	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai")))
	require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai dance")))
	assert.Equal(t, []string{UsageText, UsageText}, h.platform.texts())
}

func TestSyncInfo(t *testing.T) {
	t.Run("nothing-to-do", func(t *testing.T) {
		h := newHarness(t, 2, func(c *config.Config) {
			c.UseCharName = false
			c.UseCharAvatar = false
		})
		require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai sync_info")))
		assert.Equal(t, []string{NothingToDoText}, h.platform.texts())
	})

	t.Run("no-session", func(t *testing.T) {
		h := newHarness(t, 2, nil)
		require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai sync_info")))
		assert.Equal(t, []string{NoSessionText}, h.platform.texts())
	})

	t.Run("applies-and-reacts", func(t *testing.T) {
		h := newHarness(t, 2, func(c *config.Config) { c.UseCharAvatar = false })
		h.bind(t)
		require.NoError(t, h.svc.HandleEvent(context.Background(), event("!cai sync_info")))
		require.Len(t, h.platform.profiles, 1)
		assert.Equal(t, "Ada Bot", h.platform.profiles[0].DisplayName)
		assert.Nil(t, h.platform.profiles[0].Avatar)
		assert.Equal(t, []string{"msg-1:" + SyncedReaction}, h.platform.reactions)
	})

	t.Run("character-without-chat", func(t *testing.T) {
		h := newHarness(t, 2, nil)
		h.bind(t)
		h.ai.infoErr = gateway.ErrNoCharacterChat
		err := h.svc.HandleEvent(context.Background(), event("!cai sync_info"))
		assert.True(t, errors.Is(err, gateway.ErrNoCharacterChat))
		assert.Empty(t, h.platform.reactions)
	})
}

func TestExportSession_NoFormats(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ExportTXT = false
	file, err := ExportSession(context.Background(), &fakeAI{}, cfg, session.Session{ChatID: "c"}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, file)
}
