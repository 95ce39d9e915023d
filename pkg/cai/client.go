// Package cai is a client for the Character.AI chat service: a websocket
// connection for chat turns and HTTP endpoints for history, chats, the
// account and avatars.
package cai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/gorilla/websocket"
)

const (
	defaultAPIBase    = "https://neo.character.ai"
	defaultUserBase   = "https://plus.character.ai"
	defaultWSURL      = "wss://neo.character.ai/ws/"
	defaultAvatarBase = "https://characterai.io/i/400/static/avatars/"

	// Hard stop for history pagination on a misbehaving server.
	maxHistoryPages = 1000
	maxAvatarBytes  = 10 << 20
)

type Options struct {
	Token      string
	APIBase    string
	UserBase   string
	WSURL      string
	AvatarBase string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

type Client struct {
	token      string
	apiBase    string
	userBase   string
	wsURL      string
	avatarBase string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	return &Client{
		token:      strings.TrimSpace(opts.Token),
		apiBase:    strings.TrimRight(orDefault(opts.APIBase, defaultAPIBase), "/"),
		userBase:   strings.TrimRight(orDefault(opts.UserBase, defaultUserBase), "/"),
		wsURL:      orDefault(opts.WSURL, defaultWSURL),
		avatarBase: orDefault(opts.AvatarBase, defaultAvatarBase),
		httpClient: client,
		dialer:     dialer,
	}
}

// NewClientFromConfig builds a client from the characterai section and token.
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(Options{
		Token:      cfg.Token,
		APIBase:    cfg.CharacterAI.APIBase,
		UserBase:   cfg.CharacterAI.UserBase,
		WSURL:      cfg.CharacterAI.WSURL,
		AvatarBase: cfg.CharacterAI.AvatarBase,
	})
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// AvatarURL resolves a character avatar reference to a downloadable URL.
func (c *Client) AvatarURL(uri string) string {
	uri = strings.TrimSpace(uri)
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	return c.avatarBase + strings.TrimLeft(uri, "/")
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return nil
}

// UserInfo returns the account the token belongs to.
func (c *Client) UserInfo(ctx context.Context) (User, error) {
	var resp struct {
		User struct {
			User User `json:"user"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, "user info", c.userBase+"/chat/user/", &resp); err != nil {
		return User{}, err
	}
	if resp.User.User.ID == "" {
		return User{}, &APIError{Op: "user info", Body: "response carries no user id"}
	}
	return resp.User.User, nil
}

// History returns every turn of a chat in server order.
func (c *Client) History(ctx context.Context, chatID string) ([]Turn, error) {
	base := fmt.Sprintf("%s/turns/%s/", c.apiBase, url.PathEscape(chatID))
	var all []Turn
	next := ""
	for page := 0; page < maxHistoryPages; page++ {
		endpoint := base
		if next != "" {
			endpoint += "?next_token=" + url.QueryEscape(next)
		}
		var resp struct {
			Turns []Turn `json:"turns"`
			Meta  struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := c.getJSON(ctx, "chat history", endpoint, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Turns...)
		if resp.Meta.NextToken == "" || len(resp.Turns) == 0 || resp.Meta.NextToken == next {
			return all, nil
		}
		next = resp.Meta.NextToken
	}
	return all, nil
}

// RecentChats lists the account's chats with a character, newest first.
func (c *Client) RecentChats(ctx context.Context, characterID string) ([]ChatInfo, error) {
	var resp struct {
		Chats []ChatInfo `json:"chats"`
	}
	endpoint := fmt.Sprintf("%s/chats/recent/%s", c.apiBase, url.PathEscape(characterID))
	if err := c.getJSON(ctx, "recent chats", endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// FetchAvatar downloads an avatar image and returns its bytes and MIME type.
func (c *Client) FetchAvatar(ctx context.Context, uri string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AvatarURL(uri), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download avatar: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read avatar: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", &APIError{Op: "avatar download", Status: resp.StatusCode, Body: string(data)}
	}

	mime := resp.Header.Get("Content-Type")
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, strings.TrimSpace(mime), nil
}
