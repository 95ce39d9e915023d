package cai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const originID = "web-next"

// Conn is one websocket session with the chat service. It is not safe for
// concurrent use; callers run one operation at a time.
type Conn struct {
	ws *websocket.Conn
}

type outboundFrame struct {
	Command   string      `json:"command"`
	RequestID string      `json:"request_id"`
	Payload   interface{} `json:"payload"`
	OriginID  string      `json:"origin_id"`
}

type inboundFrame struct {
	Command   string    `json:"command"`
	RequestID string    `json:"request_id"`
	Chat      *ChatInfo `json:"chat"`
	Turn      *Turn     `json:"turn"`
	Comment   string    `json:"comment"`
	Error     string    `json:"error_message"`
}

// Connect opens a chat connection authenticated with the client's token.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("HTTP_AUTHORIZATION=\"Token %s\"", c.token))

	ws, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Op: "chat connect", Status: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("chat connect: %w", err)
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Close() error {
	if c == nil || c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// CreateChat opens chatID with a character. The greeting turn is returned
// when withGreeting is set and the character has one.
func (c *Conn) CreateChat(ctx context.Context, characterID, chatID string, creatorID ID, withGreeting bool) (ChatInfo, *Turn, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	requestID := uuid.NewString()
	err := c.send(outboundFrame{
		Command:   "create_chat",
		RequestID: requestID,
		OriginID:  originID,
		Payload: map[string]interface{}{
			"chat": map[string]interface{}{
				"chat_id":      chatID,
				"creator_id":   creatorID.String(),
				"visibility":   "VISIBILITY_PRIVATE",
				"character_id": characterID,
				"type":         "TYPE_ONE_ON_ONE",
			},
			"with_greeting": withGreeting,
		},
	})
	if err != nil {
		return ChatInfo{}, nil, err
	}

	var info ChatInfo
	created := false
	for {
		frame, err := c.read(ctx, "create_chat")
		if err != nil {
			return ChatInfo{}, nil, err
		}
		if frame.RequestID != "" && frame.RequestID != requestID {
			continue
		}
		switch frame.Command {
		case "create_chat_response":
			if frame.Chat != nil {
				info = *frame.Chat
			}
			if info.ChatID == "" {
				info.ChatID = chatID
			}
			created = true
			if !withGreeting {
				return info, nil, nil
			}
		case "add_turn", "update_turn":
			if !created || frame.Turn == nil || !frame.Turn.Final() {
				continue
			}
			turn := *frame.Turn
			return info, &turn, nil
		}
	}
}

// SendMessage sends text as author and waits for the character's final reply.
func (c *Conn) SendMessage(ctx context.Context, characterID, chatID, text string, author Author) (Turn, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	requestID := uuid.NewString()
	candidateID := uuid.NewString()
	author.IsHuman = true
	err := c.send(outboundFrame{
		Command:   "create_and_generate_turn",
		RequestID: requestID,
		OriginID:  originID,
		Payload: map[string]interface{}{
			"num_candidates":    1,
			"tts_enabled":       false,
			"selected_language": "",
			"character_id":      characterID,
			"user_name":         author.Name,
			"turn": map[string]interface{}{
				"turn_key": TurnKey{ChatID: chatID, TurnID: uuid.NewString()},
				"author":   author,
				"candidates": []Candidate{
					{CandidateID: candidateID, RawContent: text},
				},
				"primary_candidate_id": candidateID,
			},
			"previous_annotations": map[string]int{},
		},
	})
	if err != nil {
		return Turn{}, err
	}

	for {
		frame, err := c.read(ctx, "create_and_generate_turn")
		if err != nil {
			return Turn{}, err
		}
		if frame.RequestID != "" && frame.RequestID != requestID {
			continue
		}
		if frame.Command != "add_turn" && frame.Command != "update_turn" {
			continue
		}
		if frame.Turn != nil && frame.Turn.Final() {
			return *frame.Turn, nil
		}
	}
}

func (c *Conn) send(frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", frame.Command, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", frame.Command, err)
	}
	return nil
}

func (c *Conn) read(ctx context.Context, op string) (inboundFrame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return inboundFrame{}, ctxErr
		}
		return inboundFrame{}, fmt.Errorf("%s: read frame: %w", op, err)
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return inboundFrame{}, fmt.Errorf("%s: decode frame: %w", op, err)
	}
	logger.DebugCF("cai", "Frame received", map[string]interface{}{
		"op":      op,
		"command": frame.Command,
	})
	if frame.Command == "neo_error" {
		msg := frame.Comment
		if msg == "" {
			msg = frame.Error
		}
		return inboundFrame{}, &APIError{Op: op, Body: msg}
	}
	return frame, nil
}
