package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memoryHistorySize = 500

type presenceKey struct {
	socketId string
	room     string
}

// MemoryChatRepository keeps recent history and presence in process memory.
// Nothing survives a restart.
type MemoryChatRepository struct {
	mu       sync.Mutex
	messages map[string][]Message
	counts   map[string]int
	presence map[presenceKey]Presence
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		messages: make(map[string][]Message),
		counts:   make(map[string]int),
		presence: make(map[presenceKey]Presence),
	}
}

func (m *MemoryChatRepository) Ping(context.Context) error { return nil }

func (m *MemoryChatRepository) Close() error { return nil }

func (m *MemoryChatRepository) CreateMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.messages[msg.Room], msg)
	if len(history) > memoryHistorySize {
		history = history[len(history)-memoryHistorySize:]
	}
	m.messages[msg.Room] = history
	m.counts[msg.Room]++
	return nil
}

func (m *MemoryChatRepository) GetRecentMessages(_ context.Context, room string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.messages[room]
	limit = clampLimit(limit)
	start := max(len(history)-limit, 0)

	result := make([]Message, len(history)-start)
	copy(result, history[start:])
	return result, nil
}

func (m *MemoryChatRepository) CountMessagesByRoom(context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, len(m.counts))
	for room, n := range m.counts {
		counts[room] = n
	}
	return counts, nil
}

func (m *MemoryChatRepository) UpsertPresence(_ context.Context, p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.presence[presenceKey{socketId: p.SocketId, room: p.Room}] = p
	return nil
}

func (m *MemoryChatRepository) TouchPresence(_ context.Context, room string, socketIds []string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range socketIds {
		key := presenceKey{socketId: id, room: room}
		if p, ok := m.presence[key]; ok && p.Status == PresenceOnline {
			p.LastSeen = lastSeen
			m.presence[key] = p
		}
	}
	return nil
}

func (m *MemoryChatRepository) GetOnlinePresence(_ context.Context, room string) ([]Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	presence := make([]Presence, 0)
	for _, p := range m.presence {
		if p.Room == room && p.Status == PresenceOnline {
			presence = append(presence, p)
		}
	}

	sort.Slice(presence, func(i, j int) bool {
		if presence[i].LastSeen.Equal(presence[j].LastSeen) {
			return presence[i].SocketId < presence[j].SocketId
		}
		return presence[i].LastSeen.Before(presence[j].LastSeen)
	})
	return presence, nil
}

func (m *MemoryChatRepository) MarkStalePresenceOffline(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, p := range m.presence {
		if p.Status == PresenceOnline && p.LastSeen.Before(cutoff) {
			p.Status = PresenceOffline
			m.presence[key] = p
			n++
		}
	}
	return n, nil
}

func (m *MemoryChatRepository) DeleteOfflinePresence(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, p := range m.presence {
		if p.Status == PresenceOffline && p.LastSeen.Before(cutoff) {
			delete(m.presence, key)
			n++
		}
	}
	return n, nil
}
