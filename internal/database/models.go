package database

import "time"

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type Message struct {
	Id string
	// UserId is empty for messages written by anonymous users.
	UserId      string
	Room        string
	Username    string
	IsAnonymous bool
	Content     string
	MessageType string
	CreatedAt   time.Time
}

// Presence records whether a connection is online in a room. There is at most
// one row per (SocketId, Room).
type Presence struct {
	SocketId    string
	Room        string
	UserId      string
	Username    string
	IsAnonymous bool
	Status      string
	LastSeen    time.Time
}
