package database

import (
	"context"
	"time"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

type ChatRepository interface {
	Ping(ctx context.Context) error
	Close() error
	CreateMessage(ctx context.Context, msg Message) error
	// GetRecentMessages returns the newest limit messages of room, oldest first.
	GetRecentMessages(ctx context.Context, room string, limit int) ([]Message, error)
	CountMessagesByRoom(ctx context.Context) (map[string]int, error)
	UpsertPresence(ctx context.Context, p Presence) error
	TouchPresence(ctx context.Context, room string, socketIds []string, lastSeen time.Time) error
	GetOnlinePresence(ctx context.Context, room string) ([]Presence, error)
	MarkStalePresenceOffline(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOfflinePresence(ctx context.Context, cutoff time.Time) (int64, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func reverse(messages []Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
