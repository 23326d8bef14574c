package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

// Migrate applies the embedded schema migrations.
func (db *PgChatRepository) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db.conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_messages (id, room, user_id, username, is_anonymous, content, message_type, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		msg.Id,
		msg.Room,
		nullString(msg.UserId),
		msg.Username,
		msg.IsAnonymous,
		msg.Content,
		msg.MessageType,
		msg.CreatedAt,
	)

	return err
}

func (db *PgChatRepository) GetRecentMessages(ctx context.Context, room string, limit int) ([]Message, error) {
	limit = clampLimit(limit)

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, room, user_id, username, is_anonymous, content, message_type, created_at FROM chat_messages "+
			"WHERE room = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		room,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg    Message
			userId sql.NullString
		)
		if err := rows.Scan(&msg.Id, &msg.Room, &userId, &msg.Username, &msg.IsAnonymous, &msg.Content, &msg.MessageType, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.UserId = userId.String
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	reverse(messages)
	return messages, nil
}

func (db *PgChatRepository) CountMessagesByRoom(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT room, COUNT(*) FROM chat_messages GROUP BY room")
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			room  string
			count int
		)
		if err := rows.Scan(&room, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[room] = count
	}

	return counts, rows.Err()
}

func (db *PgChatRepository) UpsertPresence(ctx context.Context, p Presence) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO chat_presence (socket_id, room, user_id, username, is_anonymous, status, last_seen) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"ON CONFLICT (socket_id, room) DO UPDATE SET "+
			"user_id = EXCLUDED.user_id, username = EXCLUDED.username, is_anonymous = EXCLUDED.is_anonymous, "+
			"status = EXCLUDED.status, last_seen = EXCLUDED.last_seen",
		p.SocketId,
		p.Room,
		nullString(p.UserId),
		p.Username,
		p.IsAnonymous,
		p.Status,
		p.LastSeen,
	)

	return err
}

func (db *PgChatRepository) TouchPresence(ctx context.Context, room string, socketIds []string, lastSeen time.Time) error {
	if len(socketIds) == 0 {
		return nil
	}

	_, err := db.conn.ExecContext(ctx,
		"UPDATE chat_presence SET last_seen = $3 WHERE room = $1 AND socket_id = ANY($2) AND status = 'online'",
		room,
		pq.Array(socketIds),
		lastSeen,
	)

	return err
}

func (db *PgChatRepository) GetOnlinePresence(ctx context.Context, room string) ([]Presence, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT socket_id, room, user_id, username, is_anonymous, status, last_seen FROM chat_presence "+
			"WHERE room = $1 AND status = 'online' ORDER BY last_seen ASC",
		room,
	)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	presence := make([]Presence, 0)
	for rows.Next() {
		var (
			p      Presence
			userId sql.NullString
		)
		if err := rows.Scan(&p.SocketId, &p.Room, &userId, &p.Username, &p.IsAnonymous, &p.Status, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}

		p.UserId = userId.String
		presence = append(presence, p)
	}

	return presence, rows.Err()
}

func (db *PgChatRepository) MarkStalePresenceOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE chat_presence SET status = 'offline' WHERE status = 'online' AND last_seen < $1",
		cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgChatRepository) DeleteOfflinePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM chat_presence WHERE status = 'offline' AND last_seen < $1",
		cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
