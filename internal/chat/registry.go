package chat

import (
	"time"

	"github.com/npezzotti/recovery-chat/internal/identity"
)

// Connection is a live transport session. Identity is nil until the first
// join and Room is empty while the connection is not in a room.
type Connection struct {
	Id          string
	Identity    identity.Identity
	Room        string
	ConnectedAt time.Time

	client *Client
}

// Registry tracks live connections. It is owned by the ChatServer loop and is
// not safe for concurrent use.
type Registry struct {
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

func (r *Registry) Register(id string, c *Client) *Connection {
	conn := &Connection{
		Id:          id,
		ConnectedAt: Now(),
		client:      c,
	}
	r.conns[id] = conn
	return conn
}

// SetIdentity is a no-op for unknown connections, which may have disconnected
// while the update was in flight.
func (r *Registry) SetIdentity(id string, ident identity.Identity) {
	if conn, ok := r.conns[id]; ok {
		conn.Identity = ident
	}
}

func (r *Registry) SetRoom(id, room string) {
	if conn, ok := r.conns[id]; ok {
		conn.Room = room
	}
}

// Remove deletes the connection and returns it, or nil if it was already
// removed.
func (r *Registry) Remove(id string) *Connection {
	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	return conn
}

func (r *Registry) Get(id string) *Connection {
	return r.conns[id]
}

func (r *Registry) Len() int {
	return len(r.conns)
}

func (r *Registry) All() []*Connection {
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
