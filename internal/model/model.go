package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SenderRole identifies who authored a message.
type SenderRole string

const (
	SenderCustomer SenderRole = "customer"
	SenderBot      SenderRole = "bot"
	SenderAgent    SenderRole = "agent"
	SenderSystem   SenderRole = "system"
)

// LifecycleStatus is the soft-delete lifecycle of a record.
type LifecycleStatus string

const (
	StatusActive   LifecycleStatus = "active"
	StatusArchived LifecycleStatus = "archived"
	StatusDeleted  LifecycleStatus = "deleted"
)

// SendStatus tracks the delivery state of an optimistic message.
type SendStatus string

const (
	SendStatusSending SendStatus = "sending"
	SendStatusSent    SendStatus = "sent"
	SendStatusError   SendStatus = "error"
)

// FailReason distinguishes why a message ended up in SendStatusError.
type FailReason string

const (
	// FailReasonRejected means the send call itself was synchronously refused.
	FailReasonRejected FailReason = "rejected"
	// FailReasonTimeout means no authoritative event confirmed the send
	// before the deadline.
	FailReasonTimeout FailReason = "timeout"
)

// TempIDPrefix marks message ids that were generated locally and have not
// yet been replaced by an authoritative id.
const TempIDPrefix = "temp_"

// NewTempID returns a fresh client-generated message id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated locally by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Conversation is the client-held view of one conversation in the inbox
// list. The authoritative copy lives on the platform backend; this record
// is continuously overwritten by the push stream.
type Conversation struct {
	ID                   uuid.UUID       `json:"id"`
	CounterpartName      string          `json:"counterpartName"`
	CounterpartAvatarURL string          `json:"counterpartAvatarUrl,omitempty"`
	LastActivityAt       time.Time       `json:"lastActivityAt"`
	LastMessagePreview   string          `json:"lastMessagePreview"`
	Pinned               bool            `json:"pinned"`
	PinnedAt             *time.Time      `json:"pinnedAt,omitempty"`
	Read                 bool            `json:"read"`
	ReadAt               *time.Time      `json:"readAt,omitempty"`
	Status               LifecycleStatus `json:"status"`
	ScopeID              uuid.UUID       `json:"scopeId"`
}

// OrderingTimestamp is the timestamp the inbox list sorts this record by:
// the pin time while pinned, the last-activity time otherwise.
func (c Conversation) OrderingTimestamp() time.Time {
	if c.Pinned && c.PinnedAt != nil {
		return *c.PinnedAt
	}
	return c.LastActivityAt
}

// Attachment describes a file attached to a message. Upload mechanics are
// handled elsewhere; the engine only carries the descriptor.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Message is a single message in a conversation. While optimistic, ID is a
// client-generated temp id and CorrelationID links the record to its
// pending operation; reconciliation swaps in the authoritative id and
// clears the optimistic flag without moving the record.
type Message struct {
	ID             string          `json:"id"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Content        string          `json:"content"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	Sender         SenderRole      `json:"sender"`
	Status         LifecycleStatus `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	SendStatus     SendStatus      `json:"sendStatus,omitempty"`
	FailReason     FailReason      `json:"failReason,omitempty"`
	Optimistic     bool            `json:"optimistic,omitempty"`
}

// ConversationPatch is a partial update to a Conversation. Nil fields are
// left untouched by Store.UpdateConversation.
type ConversationPatch struct {
	CounterpartName      *string          `json:"counterpartName,omitempty"`
	CounterpartAvatarURL *string          `json:"counterpartAvatarUrl,omitempty"`
	LastActivityAt       *time.Time       `json:"lastActivityAt,omitempty"`
	LastMessagePreview   *string          `json:"lastMessagePreview,omitempty"`
	Pinned               *bool            `json:"pinned,omitempty"`
	PinnedAt             *time.Time       `json:"pinnedAt,omitempty"`
	Read                 *bool            `json:"read,omitempty"`
	ReadAt               *time.Time       `json:"readAt,omitempty"`
	Status               *LifecycleStatus `json:"status,omitempty"`
}

// Apply copies the non-nil fields of the patch onto c.
func (p ConversationPatch) Apply(c *Conversation) {
	if p.CounterpartName != nil {
		c.CounterpartName = *p.CounterpartName
	}
	if p.CounterpartAvatarURL != nil {
		c.CounterpartAvatarURL = *p.CounterpartAvatarURL
	}
	if p.LastActivityAt != nil {
		c.LastActivityAt = *p.LastActivityAt
	}
	if p.LastMessagePreview != nil {
		c.LastMessagePreview = *p.LastMessagePreview
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.PinnedAt != nil {
		c.PinnedAt = p.PinnedAt
	}
	if p.Read != nil {
		c.Read = *p.Read
	}
	if p.ReadAt != nil {
		c.ReadAt = p.ReadAt
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
}

// MessagePatch is a partial update to a Message. Nil fields are left
// untouched by Store.UpdateMessage. ID replaces the record's id in place,
// which is how reconciliation promotes a temp id to the authoritative one.
type MessagePatch struct {
	ID            *string          `json:"id,omitempty"`
	Content       *string          `json:"content,omitempty"`
	Status        *LifecycleStatus `json:"status,omitempty"`
	CreatedAt     *time.Time       `json:"createdAt,omitempty"`
	UpdatedAt     *time.Time       `json:"updatedAt,omitempty"`
	SendStatus    *SendStatus      `json:"sendStatus,omitempty"`
	FailReason    *FailReason      `json:"failReason,omitempty"`
	Optimistic    *bool            `json:"optimistic,omitempty"`
	CorrelationID *string          `json:"correlationId,omitempty"`
}

// Apply copies the non-nil fields of the patch onto m.
func (p MessagePatch) Apply(m *Message) {
	if p.ID != nil {
		m.ID = *p.ID
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.SendStatus != nil {
		m.SendStatus = *p.SendStatus
	}
	if p.FailReason != nil {
		m.FailReason = *p.FailReason
	}
	if p.Optimistic != nil {
		m.Optimistic = *p.Optimistic
	}
	if p.CorrelationID != nil {
		m.CorrelationID = *p.CorrelationID
	}
}
