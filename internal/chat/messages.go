package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
)

// client -> server
const (
	EventJoinRoom       = "joinRoom"
	EventChatMessage    = "chatMessage"
	EventTyping         = "typing"
	EventLeaveRoom      = "leaveRoom"
	EventGetOnlineUsers = "getOnlineUsers"
)

// server -> client
const (
	EventRoomJoined  = "roomJoined"
	EventNewMessage  = "newMessage"
	EventUserJoined  = "userJoined"
	EventUserLeft    = "userLeft"
	EventUserTyping  = "userTyping"
	EventOnlineUsers = "onlineUsers"
	EventError       = "error"
	EventChatError   = "chatError"
)

type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	JoinRoom       *JoinRoom       `json:"-"`
	ChatMessage    *ChatMessage    `json:"-"`
	Typing         *Typing         `json:"-"`
	LeaveRoom      *LeaveRoom      `json:"-"`
	GetOnlineUsers *GetOnlineUsers `json:"-"`

	connID   string
	identity identity.Identity
}

type JoinRoom struct {
	Room string            `json:"room"`
	User *identity.Claimed `json:"user,omitempty"`
}

type ChatMessage struct {
	Content     string `json:"content"`
	Room        string `json:"room"`
	MessageType string `json:"messageType"`
}

type Typing struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type GetOnlineUsers struct {
	Room string `json:"room"`
}

// decodeClientMessage parses a frame and its payload for the named event.
func decodeClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}

	var payload any
	switch msg.Event {
	case EventJoinRoom:
		msg.JoinRoom = &JoinRoom{}
		payload = msg.JoinRoom
	case EventChatMessage:
		msg.ChatMessage = &ChatMessage{}
		payload = msg.ChatMessage
	case EventTyping:
		msg.Typing = &Typing{}
		payload = msg.Typing
	case EventLeaveRoom:
		msg.LeaveRoom = &LeaveRoom{}
		payload = msg.LeaveRoom
	case EventGetOnlineUsers:
		msg.GetOnlineUsers = &GetOnlineUsers{}
		payload = msg.GetOnlineUsers
	default:
		return nil, fmt.Errorf("unknown event %q", msg.Event)
	}

	if len(msg.Data) == 0 {
		return nil, fmt.Errorf("missing data for event %q", msg.Event)
	}
	if err := json.Unmarshal(msg.Data, payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Event, err)
	}

	return &msg, nil
}

type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type RoomJoined struct {
	Room     string   `json:"room"`
	RoomInfo RoomInfo `json:"roomInfo"`
	User     UserInfo `json:"user"`
}

type RoomInfo struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Description string       `json:"description"`
	Users       []OnlineUser `json:"users"`
	Messages    []NewMessage `json:"messages"`
}

type UserInfo struct {
	Id          *string `json:"id"`
	Username    string  `json:"username"`
	AvatarURL   string  `json:"avatarUrl,omitempty"`
	IsAnonymous bool    `json:"isAnonymous"`
}

type NewMessage struct {
	Id          string    `json:"id"`
	Room        string    `json:"room"`
	Content     string    `json:"content"`
	Username    string    `json:"username"`
	UserId      *string   `json:"userId"`
	IsAnonymous bool      `json:"isAnonymous"`
	MessageType string    `json:"messageType"`
	Timestamp   time.Time `json:"timestamp"`
}

type UserPresence struct {
	Username  string    `json:"username"`
	UserId    *string   `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTyping struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type OnlineUser struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	IsAnonymous bool   `json:"isAnonymous"`
}

type ErrorData struct {
	Message string `json:"message"`
}

func nullableId(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func userInfoOf(ident identity.Identity) UserInfo {
	info := UserInfo{
		Username:    ident.Username(),
		IsAnonymous: identity.IsAnonymous(ident),
	}
	if auth, ok := ident.(identity.Authenticated); ok {
		info.Id = nullableId(auth.UserID)
		info.AvatarURL = auth.AvatarURL
	}
	return info
}

// FormatMessage converts a stored message into its newMessage payload.
func FormatMessage(m database.Message) NewMessage {
	return NewMessage{
		Id:          m.Id,
		Room:        m.Room,
		Content:     m.Content,
		Username:    m.Username,
		UserId:      nullableId(m.UserId),
		IsAnonymous: m.IsAnonymous,
		MessageType: m.MessageType,
		Timestamp:   m.CreatedAt,
	}
}

func NoErrRoomJoined(room RoomJoined) *ServerMessage {
	return &ServerMessage{Event: EventRoomJoined, Data: room}
}

func NoErrNewMessage(m database.Message) *ServerMessage {
	return &ServerMessage{Event: EventNewMessage, Data: FormatMessage(m)}
}

func NoErrUserJoined(ident identity.Identity) *ServerMessage {
	return &ServerMessage{Event: EventUserJoined, Data: presenceChange(ident)}
}

func NoErrUserLeft(ident identity.Identity) *ServerMessage {
	return &ServerMessage{Event: EventUserLeft, Data: presenceChange(ident)}
}

func NoErrUserTyping(ident identity.Identity, isTyping bool) *ServerMessage {
	return &ServerMessage{
		Event: EventUserTyping,
		Data:  UserTyping{Username: ident.Username(), IsTyping: isTyping},
	}
}

func NoErrOnlineUsers(users []OnlineUser) *ServerMessage {
	if users == nil {
		users = []OnlineUser{}
	}
	return &ServerMessage{Event: EventOnlineUsers, Data: users}
}

func presenceChange(ident identity.Identity) UserPresence {
	id, _ := identity.UserID(ident)
	return UserPresence{
		Username:  ident.Username(),
		UserId:    nullableId(id),
		Timestamp: Now(),
	}
}

func ErrInvalidMessage() *ServerMessage {
	return newError(EventError, "invalid message format")
}

func ErrServiceUnavailable() *ServerMessage {
	return newError(EventError, "service unavailable")
}

func ErrRoomNotJoined() *ServerMessage {
	return newError(EventError, userMessage(ErrNotInRoom))
}

func ErrRoomInvalid() *ServerMessage {
	return newError(EventError, userMessage(ErrInvalidRoom))
}

// ErrMessageRejected reports a validation failure of a chat message.
func ErrMessageRejected(err error) *ServerMessage {
	return newError(EventChatError, userMessage(err))
}

func ErrSendFailed() *ServerMessage {
	return newError(EventChatError, "Failed to send message")
}

func ErrRateLimited() *ServerMessage {
	return newError(EventChatError, "You are sending messages too quickly")
}

func newError(event, message string) *ServerMessage {
	return &ServerMessage{Event: event, Data: ErrorData{Message: message}}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func ErrInternalError() *ServerMessage {
	return newError(EventError, "internal server error")
}
