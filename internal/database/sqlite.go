package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type messageRecord struct {
	Id          string    `gorm:"primaryKey;size:36"`
	Room        string    `gorm:"size:50;not null;index:idx_messages_room_created,priority:1"`
	UserId      *string   `gorm:"size:64"`
	Username    string    `gorm:"size:50;not null"`
	IsAnonymous bool      `gorm:"not null;default:true"`
	Content     string    `gorm:"size:500;not null"`
	MessageType string    `gorm:"size:10;not null;default:text"`
	CreatedAt   time.Time `gorm:"not null;index:idx_messages_room_created,priority:2"`
}

func (messageRecord) TableName() string {
	return "chat_messages"
}

type presenceRecord struct {
	SocketId    string    `gorm:"primaryKey;size:64"`
	Room        string    `gorm:"primaryKey;size:50;index:idx_presence_room_status,priority:1"`
	UserId      *string   `gorm:"size:64"`
	Username    string    `gorm:"size:50;not null"`
	IsAnonymous bool      `gorm:"not null;default:true"`
	Status      string    `gorm:"size:10;not null;index:idx_presence_room_status,priority:2"`
	LastSeen    time.Time `gorm:"not null"`
}

func (presenceRecord) TableName() string {
	return "chat_presence"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SqliteChatRepository stores chat state in a local SQLite file. It suits
// single-node deployments without a Postgres server.
type SqliteChatRepository struct {
	db *gorm.DB
}

func NewSqliteChatRepository(dsn string) (*SqliteChatRepository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&messageRecord{}, &presenceRecord{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &SqliteChatRepository{db: db}, nil
}

func (r *SqliteChatRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *SqliteChatRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *SqliteChatRepository) CreateMessage(ctx context.Context, msg Message) error {
	rec := messageRecord{
		Id:          msg.Id,
		Room:        msg.Room,
		UserId:      optional(msg.UserId),
		Username:    msg.Username,
		IsAnonymous: msg.IsAnonymous,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		CreatedAt:   msg.CreatedAt,
	}

	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (r *SqliteChatRepository) GetRecentMessages(ctx context.Context, room string, limit int) ([]Message, error) {
	var recs []messageRecord
	err := r.db.WithContext(ctx).
		Where("room = ?", room).
		Order("created_at DESC").Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	messages := make([]Message, 0, len(recs))
	for _, rec := range recs {
		messages = append(messages, Message{
			Id:          rec.Id,
			UserId:      deref(rec.UserId),
			Room:        rec.Room,
			Username:    rec.Username,
			IsAnonymous: rec.IsAnonymous,
			Content:     rec.Content,
			MessageType: rec.MessageType,
			CreatedAt:   rec.CreatedAt,
		})
	}

	reverse(messages)
	return messages, nil
}

func (r *SqliteChatRepository) CountMessagesByRoom(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Room  string
		Count int
	}
	err := r.db.WithContext(ctx).
		Model(&messageRecord{}).
		Select("room, COUNT(*) AS count").
		Group("room").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Room] = row.Count
	}
	return counts, nil
}

func (r *SqliteChatRepository) UpsertPresence(ctx context.Context, p Presence) error {
	rec := presenceRecord{
		SocketId:    p.SocketId,
		Room:        p.Room,
		UserId:      optional(p.UserId),
		Username:    p.Username,
		IsAnonymous: p.IsAnonymous,
		Status:      p.Status,
		LastSeen:    p.LastSeen,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "socket_id"}, {Name: "room"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "username", "is_anonymous", "status", "last_seen"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (r *SqliteChatRepository) TouchPresence(ctx context.Context, room string, socketIds []string, lastSeen time.Time) error {
	if len(socketIds) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Model(&presenceRecord{}).
		Where("room = ? AND socket_id IN ? AND status = ?", room, socketIds, PresenceOnline).
		Update("last_seen", lastSeen).Error
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (r *SqliteChatRepository) GetOnlinePresence(ctx context.Context, room string) ([]Presence, error) {
	var recs []presenceRecord
	err := r.db.WithContext(ctx).
		Where("room = ? AND status = ?", room, PresenceOnline).
		Order("last_seen ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find presence: %w", err)
	}

	presence := make([]Presence, 0, len(recs))
	for _, rec := range recs {
		presence = append(presence, Presence{
			SocketId:    rec.SocketId,
			Room:        rec.Room,
			UserId:      deref(rec.UserId),
			Username:    rec.Username,
			IsAnonymous: rec.IsAnonymous,
			Status:      rec.Status,
			LastSeen:    rec.LastSeen,
		})
	}
	return presence, nil
}

func (r *SqliteChatRepository) MarkStalePresenceOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&presenceRecord{}).
		Where("status = ? AND last_seen < ?", PresenceOnline, cutoff).
		Update("status", PresenceOffline)
	if res.Error != nil {
		return 0, fmt.Errorf("mark stale presence: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *SqliteChatRepository) DeleteOfflinePresence(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND last_seen < ?", PresenceOffline, cutoff).
		Delete(&presenceRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete offline presence: %w", res.Error)
	}
	return res.RowsAffected, nil
}
