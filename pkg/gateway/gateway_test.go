package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/cai"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	reply       string
	chats       string
	userStatus  int
	userCalls   atomic.Int32
}

func (f *fakeUpstream) enter() func() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeUpstream) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/user/", func(w http.ResponseWriter, r *http.Request) {
		f.userCalls.Add(1)
		if f.userStatus != 0 {
			w.WriteHeader(f.userStatus)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"user":{"id":7,"username":"relay"}}}`))
	})
	mux.HandleFunc("/turns/chat-1/", func(w http.ResponseWriter, r *http.Request) {
		done := f.enter()
		time.Sleep(10 * time.Millisecond)
		done()
		_, _ = w.Write([]byte(`{"turns":[
			{"create_time":"2024-01-01T00:00:03Z","author":{"author_id":"c","name":"Bot"},"candidates":[{"candidate_id":"a","raw_content":"third"}]},
			{"create_time":"2024-01-01T00:00:01Z","author":{"author_id":"c","name":"Bot"},"candidates":[{"candidate_id":"b","raw_content":"first"}]},
			{"create_time":"2024-01-01T00:00:02Z","author":{"author_id":"7","name":"relay","is_human":true},"candidates":[{"candidate_id":"c"}]}
		],"meta":{}}`))
	})
	mux.HandleFunc("/chats/recent/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(f.chats))
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame struct {
				Command   string          `json:"command"`
				RequestID string          `json:"request_id"`
				Payload   json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			// Leave the in-flight window before replying; the client may
			// release the gate as soon as the reply arrives.
			done := f.enter()
			time.Sleep(10 * time.Millisecond)
			done()
			switch frame.Command {
			case "create_chat":
				var p struct {
					Chat struct {
						ChatID string `json:"chat_id"`
					} `json:"chat"`
				}
				_ = json.Unmarshal(frame.Payload, &p)
				_ = conn.WriteJSON(map[string]interface{}{
					"command": "create_chat_response", "request_id": frame.RequestID,
					"chat": map[string]string{"chat_id": p.Chat.ChatID},
				})
				_ = conn.WriteJSON(map[string]interface{}{
					"command": "add_turn",
					"turn": map[string]interface{}{
						"author":     map[string]interface{}{"author_id": "c", "name": "Bot"},
						"candidates": []map[string]interface{}{{"candidate_id": "g", "raw_content": "Greetings", "is_final": true}},
					},
				})
			case "create_and_generate_turn":
				candidate := map[string]interface{}{"candidate_id": "r", "is_final": true}
				if f.reply != "" {
					candidate["raw_content"] = f.reply
				}
				_ = conn.WriteJSON(map[string]interface{}{
					"command": "update_turn", "request_id": frame.RequestID,
					"turn": map[string]interface{}{
						"author":     map[string]interface{}{"author_id": "c", "name": "Bot"},
						"candidates": []map[string]interface{}{candidate},
					},
				})
			}
		}
	})
	return mux
}

func newTestGateway(t *testing.T, up *fakeUpstream) *Gateway {
	t.Helper()
	srv := httptest.NewServer(up.handler(t))
	t.Cleanup(srv.Close)
	return New(cai.NewClient(cai.Options{
		Token:    "tok",
		APIBase:  srv.URL,
		UserBase: srv.URL,
		WSURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/",
	}))
}

func TestGateway_CreateSessionGeneratesChatID(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{})

	chatID, first, err := g.CreateSession(context.Background(), "char")
	require.NoError(t, err)
	assert.Len(t, chatID, 36)
	assert.Equal(t, "Greetings", first)

	other, _, err := g.CreateSession(context.Background(), "char")
	require.NoError(t, err)
	assert.NotEqual(t, chatID, other)
}

func TestGateway_CreateSessionRequiresCharacter(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{})
	_, _, err := g.CreateSession(context.Background(), " ")
	assert.Error(t, err)
}

func TestGateway_SendReturnsPrimaryText(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{reply: "hi back"})

	reply, err := g.Send(context.Background(), "char", "chat-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi back", reply)
}

func TestGateway_SendEmptyCandidateYieldsEmptyString(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{})

	reply, err := g.Send(context.Background(), "char", "chat-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "", reply)
}

func TestGateway_SerializesUpstreamCalls(t *testing.T) {
	up := &fakeUpstream{reply: "ok"}
	g := newTestGateway(t, up)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = g.Send(ctx, "char", "chat-1", "hi")
			} else {
				_, err = g.FetchHistory(ctx, "chat-1")
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), up.maxInFlight.Load())
}

func TestGateway_FetchHistorySortsByTime(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{})

	msgs, err := g.FetchHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "", msgs[1].Content)
	assert.True(t, msgs[1].AuthorIsHuman)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestGateway_FetchCharacterInfo(t *testing.T) {
	up := &fakeUpstream{chats: `{"chats":[{"chat_id":"c1","character_name":"Ada","character_avatar_uri":"uploaded/ada.webp"}]}`}
	g := newTestGateway(t, up)

	info, err := g.FetchCharacterInfo(context.Background(), "char")
	require.NoError(t, err)
	assert.Equal(t, "Ada", info.Name)
	assert.Equal(t, "uploaded/ada.webp", info.AvatarRef)
}

func TestGateway_FetchCharacterInfoIgnoresBlankAvatar(t *testing.T) {
	up := &fakeUpstream{chats: `{"chats":[{"chat_id":"c1","character_name":"Ada","character_avatar_uri":"  "}]}`}
	g := newTestGateway(t, up)

	info, err := g.FetchCharacterInfo(context.Background(), "char")
	require.NoError(t, err)
	assert.Equal(t, "Ada", info.Name)
	assert.Empty(t, info.AvatarRef)
}

func TestGateway_AccountIsFetchedOnce(t *testing.T) {
	up := &fakeUpstream{}
	g := newTestGateway(t, up)

	for i := 0; i < 2; i++ {
		user, err := g.Account(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "relay", user.Username)
	}
	assert.Equal(t, int32(1), up.userCalls.Load())
}

func TestGateway_AccountRejectedTokenIsUpstreamError(t *testing.T) {
	up := &fakeUpstream{userStatus: http.StatusUnauthorized}
	g := newTestGateway(t, up)

	_, err := g.Account(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cai.ErrUpstream))

	_, err = g.Account(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), up.userCalls.Load())
}

func TestGateway_FetchCharacterInfoWithoutChat(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{chats: `{"chats":[]}`})

	_, err := g.FetchCharacterInfo(context.Background(), "char")
	assert.True(t, errors.Is(err, ErrNoCharacterChat))
}

func TestGateway_GateHonorsContext(t *testing.T) {
	g := newTestGateway(t, &fakeUpstream{})
	require.NoError(t, g.gate.Acquire(context.Background(), 1))
	defer g.gate.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.FetchHistory(ctx, "chat-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
