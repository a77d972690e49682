// Package sqlite provides the persistent store: the same adapter boundary
// as the in-memory store, backed by a local SQLite file so the dashboard's
// reconciled view survives restarts.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsdesk/inbox-service/internal/config"
	"github.com/opsdesk/inbox-service/internal/model"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.SQLitePath == "" {
				return nil, fmt.Errorf("sqlite store: INBOX_SERVICE_SQLITE_PATH is required")
			}
			return Open(cfg.SQLitePath)
		},
	})
}

// conversationRecord is the persisted form of a conversation list entry.
// SegmentIdx and Position encode the segmented list layout.
type conversationRecord struct {
	ID                   uuid.UUID  `gorm:"primaryKey;type:uuid"`
	SegmentIdx           int        `gorm:"not null;index:idx_conversation_order"`
	Position             int        `gorm:"not null;index:idx_conversation_order"`
	CounterpartName      string     `gorm:"not null"`
	CounterpartAvatarURL string     ``
	LastActivityAt       time.Time  `gorm:"not null"`
	LastMessagePreview   string     ``
	Pinned               bool       `gorm:"not null;default:false"`
	PinnedAt             *time.Time ``
	Read                 bool       `gorm:"not null;default:false"`
	ReadAt               *time.Time ``
	Status               string     `gorm:"not null"`
	ScopeID              uuid.UUID  `gorm:"not null;type:uuid"`
}

func (conversationRecord) TableName() string { return "conversations" }

// messageRecord is the persisted form of a message. Seq preserves
// insertion order; MessageID may change in place when reconciliation
// promotes a temp id, so it is a unique column rather than the primary key.
type messageRecord struct {
	Seq            int64             `gorm:"primaryKey;autoIncrement"`
	MessageID      string            `gorm:"uniqueIndex;not null"`
	ConversationID uuid.UUID         `gorm:"not null;index;type:uuid"`
	Content        string            ``
	Attachment     *model.Attachment `gorm:"serializer:json"`
	Sender         string            `gorm:"not null"`
	Status         string            `gorm:"not null"`
	CreatedAt      time.Time         `gorm:"not null"`
	UpdatedAt      time.Time         `gorm:"not null"`
	CorrelationID  string            ``
	SendStatus     string            ``
	FailReason     string            ``
	Optimistic     bool              `gorm:"not null;default:false"`
}

func (messageRecord) TableName() string { return "messages" }

// SQLiteStore implements the store adapter boundary over a SQLite file.
type SQLiteStore struct {
	db *gorm.DB
}

// Open connects to the SQLite database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func toMessageRecord(m model.Message) messageRecord {
	return messageRecord{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Attachment:     m.Attachment,
		Sender:         string(m.Sender),
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		CorrelationID:  m.CorrelationID,
		SendStatus:     string(m.SendStatus),
		FailReason:     string(m.FailReason),
		Optimistic:     m.Optimistic,
	}
}

func (r messageRecord) toModel() model.Message {
	return model.Message{
		ID:             r.MessageID,
		ConversationID: r.ConversationID,
		Content:        r.Content,
		Attachment:     r.Attachment,
		Sender:         model.SenderRole(r.Sender),
		Status:         model.LifecycleStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CorrelationID:  r.CorrelationID,
		SendStatus:     model.SendStatus(r.SendStatus),
		FailReason:     model.FailReason(r.FailReason),
		Optimistic:     r.Optimistic,
	}
}

func toConversationRecord(c model.Conversation, segment, position int) conversationRecord {
	return conversationRecord{
		ID:                   c.ID,
		SegmentIdx:           segment,
		Position:             position,
		CounterpartName:      c.CounterpartName,
		CounterpartAvatarURL: c.CounterpartAvatarURL,
		LastActivityAt:       c.LastActivityAt,
		LastMessagePreview:   c.LastMessagePreview,
		Pinned:               c.Pinned,
		PinnedAt:             c.PinnedAt,
		Read:                 c.Read,
		ReadAt:               c.ReadAt,
		Status:               string(c.Status),
		ScopeID:              c.ScopeID,
	}
}

func (r conversationRecord) toModel() model.Conversation {
	return model.Conversation{
		ID:                   r.ID,
		CounterpartName:      r.CounterpartName,
		CounterpartAvatarURL: r.CounterpartAvatarURL,
		LastActivityAt:       r.LastActivityAt,
		LastMessagePreview:   r.LastMessagePreview,
		Pinned:               r.Pinned,
		PinnedAt:             r.PinnedAt,
		Read:                 r.Read,
		ReadAt:               r.ReadAt,
		Status:               model.LifecycleStatus(r.Status),
		ScopeID:              r.ScopeID,
	}
}

func (s *SQLiteStore) Messages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	var records []messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	messages := make([]model.Message, len(records))
	for i, r := range records {
		messages[i] = r.toModel()
	}
	return messages, nil
}

func (s *SQLiteStore) SetMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("sqlite store: clear messages: %w", err)
		}
		for _, m := range messages {
			record := toMessageRecord(m)
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("sqlite store: insert message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) AddMessage(ctx context.Context, message model.Message) error {
	record := toMessageRecord(message)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("sqlite store: insert message %s: %w", message.ID, err)
	}
	return nil
}

func (s *SQLiteStore) HasMessage(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&messageRecord{}).
		Where("message_id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("sqlite store: message lookup: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Message(ctx context.Context, id string) (model.Message, error) {
	var record messageRecord
	err := s.db.WithContext(ctx).Where("message_id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Message{}, &registrystore.NotFoundError{Resource: "message", ID: id}
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite store: load message %s: %w", id, err)
	}
	return record.toModel(), nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record messageRecord
		err := tx.Where("message_id = ?", id).First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &registrystore.NotFoundError{Resource: "message", ID: id}
		}
		if err != nil {
			return fmt.Errorf("sqlite store: load message %s: %w", id, err)
		}
		m := record.toModel()
		patch.Apply(&m)
		updated := toMessageRecord(m)
		updated.Seq = record.Seq // keep the position
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("sqlite store: update message %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveMessage(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("message_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
		return fmt.Errorf("sqlite store: remove message %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, conversationID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Delete(&messageRecord{}).Error; err != nil {
		return fmt.Errorf("sqlite store: clear messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Segments(ctx context.Context) ([][]model.Conversation, error) {
	var records []conversationRecord
	err := s.db.WithContext(ctx).
		Order("segment_idx ASC, position ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list conversations: %w", err)
	}
	var segments [][]model.Conversation
	for _, r := range records {
		for len(segments) <= r.SegmentIdx {
			segments = append(segments, nil)
		}
		segments[r.SegmentIdx] = append(segments[r.SegmentIdx], r.toModel())
	}
	return segments, nil
}

func (s *SQLiteStore) ReplaceSegments(ctx context.Context, segments [][]model.Conversation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&conversationRecord{}).Error; err != nil {
			return fmt.Errorf("sqlite store: clear conversations: %w", err)
		}
		for si, segment := range segments {
			for pos, c := range segment {
				record := toConversationRecord(c, si, pos)
				if err := tx.Create(&record).Error; err != nil {
					return fmt.Errorf("sqlite store: insert conversation %s: %w", c.ID, err)
				}
			}
		}
		return nil
	})
}

func (s *SQLiteStore) AppendSegment(ctx context.Context, conversations []model.Conversation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSegment *int
		row := tx.Model(&conversationRecord{}).Select("MAX(segment_idx)").Row()
		if err := row.Scan(&maxSegment); err != nil {
			return fmt.Errorf("sqlite store: segment count: %w", err)
		}
		next := 0
		if maxSegment != nil {
			next = *maxSegment + 1
		}
		for pos, c := range conversations {
			record := toConversationRecord(c, next, pos)
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("sqlite store: insert conversation %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) PrependToFirstSegment(ctx context.Context, conversation model.Conversation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&conversationRecord{}).
			Where("segment_idx = ?", 0).
			Update("position", gorm.Expr("position + 1")).Error
		if err != nil {
			return fmt.Errorf("sqlite store: shift positions: %w", err)
		}
		record := toConversationRecord(conversation, 0, 0)
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("sqlite store: insert conversation %s: %w", conversation.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id uuid.UUID, patch model.ConversationPatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record conversationRecord
		err := tx.Where("id = ?", id).First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
		}
		if err != nil {
			return fmt.Errorf("sqlite store: load conversation %s: %w", id, err)
		}
		c := record.toModel()
		patch.Apply(&c)
		updated := toConversationRecord(c, record.SegmentIdx, record.Position)
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("sqlite store: update conversation %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveConversation(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&conversationRecord{}).Error; err != nil {
		return fmt.Errorf("sqlite store: remove conversation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&conversationRecord{}).Error; err != nil {
			return fmt.Errorf("sqlite store: clear conversations: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("sqlite store: clear messages: %w", err)
		}
		return nil
	})
}
