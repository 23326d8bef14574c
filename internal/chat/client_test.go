package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
	"github.com/npezzotti/recovery-chat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})

	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{} // Pre-fill the send channel to simulate a full channel
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected stopping twice to be safe")

	select {
	case <-c.stop:
		// Channel is closed as expected
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_handleFrame(t *testing.T) {
	t.Run("invalid frame", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, ServerConfig{})
		c := &Client{id: "conn-1", chatServer: cs, log: testutil.TestLogger(t), send: make(chan *ServerMessage, 1)}

		c.handleFrame([]byte(`{"event":"joinRoom"`))

		select {
		case msg := <-c.send:
			assert.Equal(t, EventError, msg.Event)
			assert.Equal(t, ErrorData{Message: "invalid message format"}, msg.Data)
		default:
			t.Error("expected an error to be sent to the client")
		}
		assert.Empty(t, cs.eventChan, "expected nothing dispatched")
	})

	t.Run("join resolves identity from verified claims", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, ServerConfig{
			Resolver: identity.NewResolver([]byte("test-signing-key")),
		})
		claims := &identity.Claims{
			Name:             "Sam",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		}
		c := &Client{id: "conn-1", chatServer: cs, claims: claims, log: testutil.TestLogger(t), send: make(chan *ServerMessage, 1)}

		c.handleFrame([]byte(`{"event":"joinRoom","data":{"room":"general","user":{"id":"user-1","username":"Sammy"}}}`))

		select {
		case msg := <-cs.eventChan:
			assert.Equal(t, "conn-1", msg.connID)
			assert.Equal(t, identity.Authenticated{UserID: "user-1", Name: "Sammy"}, msg.identity)
		default:
			t.Fatal("expected join to be dispatched")
		}
	})

	t.Run("full event queue", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, ServerConfig{})
		cs.eventChan = make(chan *ClientMessage)
		c := &Client{id: "conn-1", chatServer: cs, log: testutil.TestLogger(t), send: make(chan *ServerMessage, 1)}

		c.handleFrame([]byte(`{"event":"typing","data":{"room":"general","isTyping":true}}`))

		select {
		case msg := <-c.send:
			assert.Equal(t, ErrorData{Message: "service unavailable"}, msg.Data)
		default:
			t.Error("expected service unavailable to be sent to the client")
		}
	})
}

func TestClient_WebSocket(t *testing.T) {
	cs := startTestChatServer(t, database.NewMemoryChatRepository(), ServerConfig{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, cs, nil, testutil.TestLogger(t))
		if err := cs.Register(c); err != nil {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))
	defer srv.Close()

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		require.NoError(t, err)
		return conn
	}

	readEvent := func(conn *websocket.Conn, event string) map[string]any {
		conn.SetReadDeadline(time.Now().Add(eventTimeout))
		for {
			_, raw, err := conn.ReadMessage()
			require.NoError(t, err)

			var frame struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			if err := json.Unmarshal(raw, &frame); err != nil {
				// onlineUsers carries a list
				continue
			}
			if frame.Event == event {
				return frame.Data
			}
		}
	}

	a := dial()
	defer a.Close()
	require.NoError(t, a.WriteJSON(map[string]any{
		"event": EventJoinRoom,
		"data":  map[string]any{"room": "general", "user": map[string]any{"username": "A"}},
	}))
	joined := readEvent(a, EventRoomJoined)
	assert.Equal(t, "general", joined["room"])

	b := dial()
	require.NoError(t, b.WriteJSON(map[string]any{
		"event": EventJoinRoom,
		"data":  map[string]any{"room": "general", "user": map[string]any{"username": "B"}},
	}))
	readEvent(b, EventRoomJoined)
	assert.Equal(t, "B", readEvent(a, EventUserJoined)["username"])

	require.NoError(t, b.WriteJSON(map[string]any{
		"event": EventChatMessage,
		"data":  map[string]any{"room": "general", "content": "Hello", "messageType": "text"},
	}))
	msg := readEvent(a, EventNewMessage)
	assert.Equal(t, "Hello", msg["content"])
	assert.Nil(t, msg["userId"], "expected anonymous author to have a null user id")

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid message format", readEvent(b, EventError)["message"])

	b.Close()
	assert.Equal(t, "B", readEvent(a, EventUserLeft)["username"])
}
