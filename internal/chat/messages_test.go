package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_decodeClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		check   func(t *testing.T, msg *ClientMessage)
		wantErr bool
	}{
		{
			name: "join room with user",
			raw:  `{"event":"joinRoom","data":{"room":"general","user":{"id":"u1","username":"Sam","avatarUrl":"https://img.example/sam.png"}}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.JoinRoom)
				assert.Equal(t, "general", msg.JoinRoom.Room)
				require.NotNil(t, msg.JoinRoom.User)
				assert.Equal(t, "u1", msg.JoinRoom.User.ID)
				assert.Equal(t, "Sam", msg.JoinRoom.User.Username)
			},
		},
		{
			name: "chat message",
			raw:  `{"event":"chatMessage","data":{"content":"hi","room":"general","messageType":"text"}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.ChatMessage)
				assert.Equal(t, ChatMessage{Content: "hi", Room: "general", MessageType: "text"}, *msg.ChatMessage)
				assert.Nil(t, msg.JoinRoom)
			},
		},
		{
			name: "typing",
			raw:  `{"event":"typing","data":{"room":"general","isTyping":true}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.Typing)
				assert.True(t, msg.Typing.IsTyping)
			},
		},
		{
			name: "leave room",
			raw:  `{"event":"leaveRoom","data":{"room":"general"}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.LeaveRoom)
				assert.Equal(t, "general", msg.LeaveRoom.Room)
			},
		},
		{
			name: "get online users",
			raw:  `{"event":"getOnlineUsers","data":{"room":"crisis"}}`,
			check: func(t *testing.T, msg *ClientMessage) {
				require.NotNil(t, msg.GetOnlineUsers)
				assert.Equal(t, "crisis", msg.GetOnlineUsers.Room)
			},
		},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "unknown event", raw: `{"event":"deleteRoom","data":{"room":"general"}}`, wantErr: true},
		{name: "missing data", raw: `{"event":"joinRoom"}`, wantErr: true},
		{name: "payload of wrong shape", raw: `{"event":"typing","data":{"isTyping":"yes"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeClientMessage([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func Test_serializeMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("anonymous author has null user id", func(t *testing.T) {
		msg := NoErrNewMessage(database.Message{
			Id:          "0193",
			Room:        "general",
			Content:     "Hello",
			Username:    "Guest",
			IsAnonymous: true,
			MessageType: MessageTypeText,
			CreatedAt:   ts,
		})

		bytes, err := serializeMessage(msg)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"event":"newMessage","data":{"id":"0193","room":"general","content":"Hello",
			"username":"Guest","userId":null,"isAnonymous":true,"messageType":"text",
			"timestamp":"2026-03-01T12:00:00Z"}}`, string(bytes))
	})

	t.Run("error", func(t *testing.T) {
		bytes, err := serializeMessage(ErrSendFailed())
		assert.NoError(t, err)
		assert.JSONEq(t, `{"event":"chatError","data":{"message":"Failed to send message"}}`, string(bytes))
	})

	t.Run("empty online list is an array", func(t *testing.T) {
		bytes, err := serializeMessage(NoErrOnlineUsers(nil))
		assert.NoError(t, err)
		assert.JSONEq(t, `{"event":"onlineUsers","data":[]}`, string(bytes))
	})
}

func Test_userInfoOf(t *testing.T) {
	info := userInfoOf(identity.Authenticated{UserID: "u1", Name: "Sam", AvatarURL: "https://img.example/sam.png"})
	require.NotNil(t, info.Id)
	assert.Equal(t, "u1", *info.Id)
	assert.Equal(t, "Sam", info.Username)
	assert.False(t, info.IsAnonymous)

	info = userInfoOf(identity.Anonymous{})
	assert.Nil(t, info.Id)
	assert.Equal(t, identity.AnonymousName, info.Username)
	assert.True(t, info.IsAnonymous)

	bytes, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":null,"username":"Anonymous","isAnonymous":true}`, string(bytes))
}

func TestPresenceChangePayload(t *testing.T) {
	msg := NoErrUserLeft(identity.Authenticated{UserID: "u2", Name: "Alex"})
	assert.Equal(t, EventUserLeft, msg.Event)

	data, ok := msg.Data.(UserPresence)
	require.True(t, ok)
	assert.Equal(t, "Alex", data.Username)
	require.NotNil(t, data.UserId)
	assert.Equal(t, "u2", *data.UserId)
	assert.WithinDuration(t, time.Now(), data.Timestamp, time.Second)
}
