package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSqliteRepo(t *testing.T) ChatRepository {
	t.Helper()
	repo, err := NewSqliteChatRepository(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err, "failed to open sqlite repository")
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newMemoryRepo(t *testing.T) ChatRepository {
	return NewMemoryChatRepository()
}

// requires Postgres reachable through DATABASE_URL or on localhost:5432
const testPostgresDSN = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable connect_timeout=2"

func newPostgresRepo(t *testing.T) ChatRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = testPostgresDSN
	}

	repo, err := NewPgChatRepository(dsn)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.Migrate(), "failed to apply migrations")
	_, err = repo.conn.Exec("TRUNCATE chat_messages, chat_presence")
	require.NoError(t, err, "failed to reset tables")
	return repo
}

var repoFactories = map[string]func(t *testing.T) ChatRepository{
	"memory":   newMemoryRepo,
	"sqlite":   newSqliteRepo,
	"postgres": newPostgresRepo,
}

func testMessage(room string, n int, at time.Time) Message {
	id, _ := uuid.NewV7()
	return Message{
		Id:          id.String(),
		Room:        room,
		UserId:      "user-1",
		Username:    "sam",
		Content:     fmt.Sprintf("message %d", n),
		MessageType: "text",
		CreatedAt:   at,
	}
}

func TestRepository_Messages(t *testing.T) {
	for name, newRepo := range repoFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			base := time.Now().UTC().Truncate(time.Millisecond)

			for i := 0; i < 5; i++ {
				require.NoError(t, repo.CreateMessage(ctx, testMessage("general", i, base.Add(time.Duration(i)*time.Second))))
			}

			anon := testMessage("recovery", 0, base)
			anon.UserId = ""
			anon.IsAnonymous = true
			anon.Username = "Anonymous"
			require.NoError(t, repo.CreateMessage(ctx, anon))

			messages, err := repo.GetRecentMessages(ctx, "general", 3)
			require.NoError(t, err)
			require.Len(t, messages, 3, "expected limit to be applied")
			assert.Equal(t, "message 2", messages[0].Content, "expected oldest of the newest three first")
			assert.Equal(t, "message 4", messages[2].Content, "expected newest message last")

			messages, err = repo.GetRecentMessages(ctx, "recovery", 0)
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Empty(t, messages[0].UserId, "expected anonymous message to have no user id")
			assert.True(t, messages[0].IsAnonymous)

			messages, err = repo.GetRecentMessages(ctx, "crisis", 10)
			require.NoError(t, err)
			assert.Empty(t, messages)

			counts, err := repo.CountMessagesByRoom(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"general": 5, "recovery": 1}, counts)
		})
	}
}

func TestRepository_Presence(t *testing.T) {
	for name, newRepo := range repoFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			now := time.Now().UTC().Truncate(time.Millisecond)

			p := Presence{
				SocketId: "sock-1",
				Room:     "general",
				UserId:   "user-1",
				Username: "sam",
				Status:   PresenceOnline,
				LastSeen: now,
			}

			for i := 0; i < 3; i++ {
				p.LastSeen = now.Add(time.Duration(i) * time.Second)
				require.NoError(t, repo.UpsertPresence(ctx, p))
			}

			online, err := repo.GetOnlinePresence(ctx, "general")
			require.NoError(t, err)
			require.Len(t, online, 1, "expected repeated upserts to keep one row per socket and room")
			assert.Equal(t, "sock-1", online[0].SocketId)

			require.NoError(t, repo.UpsertPresence(ctx, Presence{
				SocketId:    "sock-2",
				Room:        "general",
				Username:    "Anonymous",
				IsAnonymous: true,
				Status:      PresenceOnline,
				LastSeen:    now.Add(-3 * time.Hour),
			}))

			online, err = repo.GetOnlinePresence(ctx, "general")
			require.NoError(t, err)
			assert.Len(t, online, 2)

			require.NoError(t, repo.TouchPresence(ctx, "general", []string{"sock-1"}, now.Add(time.Minute)))

			n, err := repo.MarkStalePresenceOffline(ctx, now.Add(-2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "expected only the stale anonymous row to be marked offline")

			online, err = repo.GetOnlinePresence(ctx, "general")
			require.NoError(t, err)
			require.Len(t, online, 1)
			assert.Equal(t, "sock-1", online[0].SocketId)

			p.Status = PresenceOffline
			require.NoError(t, repo.UpsertPresence(ctx, p))

			online, err = repo.GetOnlinePresence(ctx, "general")
			require.NoError(t, err)
			assert.Empty(t, online)

			n, err = repo.DeleteOfflinePresence(ctx, now.Add(-2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "expected only the old offline row to be deleted")
		})
	}
}

func TestPgChatRepository_Migrate(t *testing.T) {
	repo := newPostgresRepo(t).(*PgChatRepository)

	assert.NoError(t, repo.Migrate(), "expected migrating an up to date schema to be a no-op")

	var tables int
	require.NoError(t, repo.conn.QueryRow(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name IN ('chat_messages', 'chat_presence')",
	).Scan(&tables))
	assert.Equal(t, 2, tables)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, clampLimit(0))
	assert.Equal(t, DefaultHistoryLimit, clampLimit(-5))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, MaxHistoryLimit, clampLimit(MaxHistoryLimit+1))
}
