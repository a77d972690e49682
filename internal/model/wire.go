package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationRow is the raw conversation payload carried by push events
// and page fetches. The backend speaks snake_case; Normalize maps it onto
// the local record shape.
type ConversationRow struct {
	ID                   uuid.UUID  `json:"id"`
	CounterpartName      string     `json:"counterpart_name"`
	CounterpartAvatarURL string     `json:"counterpart_avatar_url"`
	LastActivityAt       time.Time  `json:"last_activity_at"`
	LastMessagePreview   string     `json:"last_message_preview"`
	Pinned               bool       `json:"pinned"`
	PinnedAt             *time.Time `json:"pinned_at"`
	Read                 bool       `json:"read"`
	ReadAt               *time.Time `json:"read_at"`
	Status               string     `json:"status"`
	ScopeID              uuid.UUID  `json:"scope_id"`
}

// Normalize converts the wire row into the local record shape. An empty
// status defaults to active; unknown statuses pass through so a newer
// backend does not break older clients.
func (r ConversationRow) Normalize() Conversation {
	status := LifecycleStatus(r.Status)
	if status == "" {
		status = StatusActive
	}
	return Conversation{
		ID:                   r.ID,
		CounterpartName:      r.CounterpartName,
		CounterpartAvatarURL: r.CounterpartAvatarURL,
		LastActivityAt:       r.LastActivityAt,
		LastMessagePreview:   r.LastMessagePreview,
		Pinned:               r.Pinned,
		PinnedAt:             r.PinnedAt,
		Read:                 r.Read,
		ReadAt:               r.ReadAt,
		Status:               status,
		ScopeID:              r.ScopeID,
	}
}

// MessageRow is the raw message payload carried by push events and page
// fetches.
type MessageRow struct {
	ID             string      `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment"`
	Sender         string      `json:"sender"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CorrelationID  string      `json:"correlation_id"`
}

// Normalize converts the wire row into the local record shape. Remote
// records are never optimistic and carry no send status; the reconciler
// fills those in when the row confirms a local write.
func (r MessageRow) Normalize() Message {
	status := LifecycleStatus(r.Status)
	if status == "" {
		status = StatusActive
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.CreatedAt
	}
	return Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Content:        r.Content,
		Attachment:     r.Attachment,
		Sender:         SenderRole(r.Sender),
		Status:         status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      updatedAt,
		CorrelationID:  r.CorrelationID,
	}
}

// TypingRow is the raw broadcast payload for a counterpart-typing signal.
// It is transient presence data, never stored.
type TypingRow struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Sender         string    `json:"sender"`
}
