package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockChatRepository) GetRecentMessages(ctx context.Context, room string, limit int) ([]Message, error) {
	args := m.Called(ctx, room, limit)
	if messages, ok := args.Get(0).([]Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CountMessagesByRoom(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if counts, ok := args.Get(0).(map[string]int); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UpsertPresence(ctx context.Context, p Presence) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}
func (m *MockChatRepository) TouchPresence(ctx context.Context, room string, socketIds []string, lastSeen time.Time) error {
	args := m.Called(ctx, room, socketIds, lastSeen)
	return args.Error(0)
}
func (m *MockChatRepository) GetOnlinePresence(ctx context.Context, room string) ([]Presence, error) {
	args := m.Called(ctx, room)
	if presence, ok := args.Get(0).([]Presence); ok {
		return presence, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) MarkStalePresenceOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) DeleteOfflinePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// IgnorePresenceSweep accepts the stale presence cleanup a running ChatServer
// performs on start and on every sweep tick.
func (m *MockChatRepository) IgnorePresenceSweep() *MockChatRepository {
	m.On("MarkStalePresenceOffline", mock.Anything, mock.Anything).Return(int64(0), nil).Maybe()
	m.On("DeleteOfflinePresence", mock.Anything, mock.Anything).Return(int64(0), nil).Maybe()
	return m
}
