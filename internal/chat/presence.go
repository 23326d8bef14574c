package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/recovery-chat/internal/database"
	"github.com/npezzotti/recovery-chat/internal/identity"
)

// Presence writes connection presence through to the repository and sweeps
// rows left behind by connections that never went offline cleanly.
type Presence struct {
	db        database.ChatRepository
	retention time.Duration
}

func NewPresence(db database.ChatRepository, retention time.Duration) *Presence {
	return &Presence{db: db, retention: retention}
}

// UpsertPresence records the status of a connection in room. Rows are keyed
// by connection so anonymous users are tracked as well.
func (p *Presence) UpsertPresence(ctx context.Context, connID, room string, ident identity.Identity, status string, now time.Time) error {
	userId, _ := identity.UserID(ident)
	err := p.db.UpsertPresence(ctx, database.Presence{
		SocketId:    connID,
		Room:        room,
		UserId:      userId,
		Username:    ident.Username(),
		IsAnonymous: identity.IsAnonymous(ident),
		Status:      status,
		LastSeen:    now,
	})
	if err != nil {
		return fmt.Errorf("upsert %s presence for %q in %q: %w", status, connID, room, err)
	}
	return nil
}

func (p *Presence) OnlineRows(ctx context.Context, room string) ([]database.Presence, error) {
	rows, err := p.db.GetOnlinePresence(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("get online presence for %q: %w", room, err)
	}
	return rows, nil
}

// Heartbeat refreshes last seen for connections that are still in room.
func (p *Presence) Heartbeat(ctx context.Context, room string, connIDs []string, now time.Time) error {
	if len(connIDs) == 0 {
		return nil
	}
	if err := p.db.TouchPresence(ctx, room, connIDs, now); err != nil {
		return fmt.Errorf("touch presence in %q: %w", room, err)
	}
	return nil
}

// CleanupStalePresence marks online rows unseen for longer than the retention
// window offline, then deletes offline rows older than the window.
func (p *Presence) CleanupStalePresence(ctx context.Context, now time.Time) (int64, int64, error) {
	cutoff := now.Add(-p.retention)

	marked, err := p.db.MarkStalePresenceOffline(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("mark stale presence offline: %w", err)
	}

	deleted, err := p.db.DeleteOfflinePresence(ctx, cutoff)
	if err != nil {
		return marked, 0, fmt.Errorf("delete offline presence: %w", err)
	}

	return marked, deleted, nil
}

// onlineUsersOf turns presence rows into the distinct users of room.
// Authenticated users are distinct by user id and anonymous users by
// connection. Identities of live connections in room take precedence over the
// stored snapshot.
func onlineUsersOf(rows []database.Presence, room string, registry *Registry) []OnlineUser {
	users := make([]OnlineUser, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		username := row.Username
		userId := row.UserId
		anonymous := row.IsAnonymous

		if conn := registry.Get(row.SocketId); conn != nil && conn.Room == room && conn.Identity != nil {
			username = conn.Identity.Username()
			userId, _ = identity.UserID(conn.Identity)
			anonymous = identity.IsAnonymous(conn.Identity)
		}

		id, key := row.SocketId, "conn:"+row.SocketId
		if !anonymous && userId != "" {
			id, key = userId, "user:"+userId
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		users = append(users, OnlineUser{
			Id:          id,
			Username:    username,
			IsAnonymous: anonymous,
		})
	}

	return users
}

// RecentMessages returns the newest limit messages of room in chronological
// order.
func RecentMessages(ctx context.Context, db database.ChatRepository, room string, limit int) ([]NewMessage, error) {
	msgs, err := db.GetRecentMessages(ctx, room, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages for %q: %w", room, err)
	}

	formatted := make([]NewMessage, 0, len(msgs))
	for _, m := range msgs {
		formatted = append(formatted, FormatMessage(m))
	}
	return formatted, nil
}
