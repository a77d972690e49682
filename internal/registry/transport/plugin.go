package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opsdesk/inbox-service/internal/model"
)

// EventType classifies a push notification.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventBroadcast carries transient signals (typing indicators) that
	// never touch the local store.
	EventBroadcast EventType = "BROADCAST"
)

// Entity names the record kind a ChangeEvent refers to.
type Entity string

const (
	EntityConversations Entity = "conversations"
	EntityMessages      Entity = "messages"
	EntityTyping        Entity = "typing"
)

// ChangeEvent is one push notification from the authoritative stream.
// Payload is the raw wire row; the ingestor normalizes it.
type ChangeEvent struct {
	Type    EventType       `json:"type"`
	Entity  Entity          `json:"entity"`
	Payload json.RawMessage `json:"payload"`
}

// Scope identifies what a subscription covers: the conversation list of an
// owning scope, or the messages of a single conversation.
type Scope struct {
	ScopeID        uuid.UUID
	ConversationID uuid.UUID
}

// IsConversation reports whether the scope targets a single conversation's
// message channel rather than an owning scope's conversation channel.
func (s Scope) IsConversation() bool {
	return s.ConversationID != uuid.Nil
}

func (s Scope) String() string {
	if s.IsConversation() {
		return "conversation:" + s.ConversationID.String()
	}
	return "scope:" + s.ScopeID.String()
}

// Subscription is one live push channel. Events is closed when the channel
// ends, after which Err reports why (nil for a local Unsubscribe).
// Unsubscribe is safe to call more than once.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Unsubscribe()
}

// SendRequest carries an optimistic write to the platform backend. The
// correlation id is echoed back on the confirming INSERT event.
type SendRequest struct {
	ConversationID uuid.UUID         `json:"conversation_id"`
	ScopeID        uuid.UUID         `json:"scope_id"`
	Content        string            `json:"content"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
}

// PageRequest asks for one page of message history.
type PageRequest struct {
	ConversationID uuid.UUID
	Offset         int
	Limit          int
}

// Page is one fetched page, records ordered oldest to newest. HasMore is
// derived from the page being completely full.
type Page struct {
	Records []model.MessageRow
	HasMore bool
}

// ConversationPageRequest asks for one page of a scope's conversation list.
type ConversationPageRequest struct {
	ScopeID uuid.UUID
	Offset  int
	Limit   int
}

// ConversationPage is one fetched page of the conversation list, most
// recent first. HasMore is derived from the page being completely full.
type ConversationPage struct {
	Records []model.ConversationRow
	HasMore bool
}

// Transport is the seam to the managed platform backend: the push
// subscription plus the synchronous send and page-fetch calls.
type Transport interface {
	// Subscribe opens a push channel for the scope.
	Subscribe(ctx context.Context, scope Scope) (Subscription, error)

	// Send submits a message. The returned record is the backend's
	// synchronous echo; callers must not treat it as confirmation: the
	// authoritative INSERT arrives on the push channel. A rejected send
	// returns *SendFailure.
	Send(ctx context.Context, req SendRequest) (model.Message, error)

	// FetchPage returns one page of message history, oldest to newest.
	FetchPage(ctx context.Context, req PageRequest) (Page, error)

	// FetchConversations returns one page of a scope's conversation
	// list, most recent first.
	FetchConversations(ctx context.Context, req ConversationPageRequest) (ConversationPage, error)
}

// Loader creates a Transport from config.
type Loader func(ctx context.Context) (Transport, error)

// Plugin represents a transport plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a transport plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered transport plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named transport plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown transport %q; valid: %v", name, Names())
}
