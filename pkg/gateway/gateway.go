// Package gateway serializes all AI service traffic through one
// process-wide gate and converts service payloads to relay types.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/cai"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/metrics"
	"github.com/dotsetgreg/cairelay/pkg/transcript"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrNoCharacterChat means character metadata was requested before the
// account had any chat with that character.
var ErrNoCharacterChat = errors.New("no chat exists for character yet")

type CharacterInfo struct {
	Name      string
	AvatarRef string
}

type Avatar struct {
	Data     []byte
	MimeType string
}

type Gateway struct {
	client *cai.Client
	gate   *semaphore.Weighted

	mu      sync.Mutex
	account *cai.User
}

func New(client *cai.Client) *Gateway {
	return &Gateway{
		client: client,
		gate:   semaphore.NewWeighted(1),
	}
}

// guarded runs fn while holding the gate. The gate is never re-acquired
// from inside fn.
func (g *Gateway) guarded(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: wait for gate: %w", op, err)
	}
	metrics.GateInFlight.Inc()
	defer func() {
		metrics.GateInFlight.Dec()
		g.gate.Release(1)
	}()

	err := fn(ctx)
	metrics.ObserveUpstream(op, start, err)
	if err != nil {
		logger.DebugCF("gateway", "Upstream operation failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
	return err
}

// Account returns the AI service account, fetched once and cached.
func (g *Gateway) Account(ctx context.Context) (cai.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.account != nil {
		return *g.account, nil
	}
	user, err := g.client.UserInfo(ctx)
	if err != nil {
		return cai.User{}, fmt.Errorf("fetch account: %w", err)
	}
	g.account = &user
	logger.InfoCF("gateway", "Character.AI account resolved", map[string]interface{}{
		"user_id":  user.ID.String(),
		"username": user.Username,
	})
	return user, nil
}

// CreateSession opens a new chat with characterID under a freshly generated
// chat id and returns that id with the character's greeting.
func (g *Gateway) CreateSession(ctx context.Context, characterID string) (string, string, error) {
	characterID = strings.TrimSpace(characterID)
	if characterID == "" {
		return "", "", fmt.Errorf("create session: character id is required")
	}
	account, err := g.Account(ctx)
	if err != nil {
		return "", "", err
	}

	chatID := uuid.NewString()
	var first string
	err = g.guarded(ctx, "create", func(ctx context.Context) error {
		conn, err := g.client.Connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		_, greeting, err := conn.CreateChat(ctx, characterID, chatID, account.ID, true)
		if err != nil {
			return err
		}
		if greeting != nil {
			first = greeting.Text()
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("create session: %w", err)
	}

	logger.InfoCF("gateway", "Chat created", map[string]interface{}{
		"character_id": characterID,
		"chat_id":      chatID,
	})
	return chatID, first, nil
}

// Send relays text to the chat and returns the primary reply candidate.
func (g *Gateway) Send(ctx context.Context, characterID, chatID, text string) (string, error) {
	account, err := g.Account(ctx)
	if err != nil {
		return "", err
	}

	var reply string
	err = g.guarded(ctx, "send", func(ctx context.Context) error {
		conn, err := g.client.Connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		turn, err := conn.SendMessage(ctx, characterID, chatID, text, cai.Author{
			AuthorID: account.ID,
			Name:     account.Username,
		})
		if err != nil {
			return err
		}
		reply = turn.Text()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return reply, nil
}

// FetchHistory returns every message of the chat, oldest first.
func (g *Gateway) FetchHistory(ctx context.Context, chatID string) ([]transcript.Message, error) {
	var turns []cai.Turn
	err := g.guarded(ctx, "history", func(ctx context.Context) error {
		var err error
		turns, err = g.client.History(ctx, chatID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	msgs := make([]transcript.Message, 0, len(turns))
	for _, turn := range turns {
		msgs = append(msgs, transcript.Message{
			Timestamp:     turn.CreateTime,
			AuthorName:    turn.Author.Name,
			AuthorIsHuman: turn.Author.IsHuman,
			Content:       turn.Text(),
		})
	}
	transcript.SortMessages(msgs)
	return msgs, nil
}

// FetchCharacterInfo reads name and avatar from the most recent chat with
// the character. It fails with ErrNoCharacterChat when there is none.
func (g *Gateway) FetchCharacterInfo(ctx context.Context, characterID string) (CharacterInfo, error) {
	var chats []cai.ChatInfo
	err := g.guarded(ctx, "character_info", func(ctx context.Context) error {
		var err error
		chats, err = g.client.RecentChats(ctx, characterID)
		return err
	})
	if err != nil {
		return CharacterInfo{}, fmt.Errorf("fetch character info: %w", err)
	}
	if len(chats) == 0 {
		return CharacterInfo{}, fmt.Errorf("character %s: %w", characterID, ErrNoCharacterChat)
	}
	info := CharacterInfo{Name: chats[0].CharacterName}
	if chats[0].HasAvatar() {
		info.AvatarRef = strings.TrimSpace(chats[0].CharacterAvatarURI)
	}
	return info, nil
}

// FetchAvatar downloads a character avatar. It does not take the gate.
func (g *Gateway) FetchAvatar(ctx context.Context, ref string) (Avatar, error) {
	start := time.Now()
	data, mime, err := g.client.FetchAvatar(ctx, ref)
	metrics.ObserveUpstream("avatar", start, err)
	if err != nil {
		return Avatar{}, fmt.Errorf("fetch avatar: %w", err)
	}
	return Avatar{Data: data, MimeType: mime}, nil
}
