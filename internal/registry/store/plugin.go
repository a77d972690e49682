package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/opsdesk/inbox-service/internal/model"
)

// Store is the adapter boundary between the reconciliation engine and its
// backing state. Implementations may be ephemeral (session-only) or
// persistent; the engine's invariants hold over either.
//
// The conversation list is held as ordered segments, one per fetched page.
// Segment boundaries matter only for pagination bookkeeping; ordering and
// deduplication invariants span all segments.
//
// Every collaborator mutates state through these operations only. The
// engine serializes mutations, so implementations need to be safe for
// concurrent reads against a single writer.
type Store interface {
	// Messages returns the messages of a conversation in insertion order.
	Messages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)

	// SetMessages replaces the full message list of a conversation.
	SetMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message) error

	// AddMessage appends a message to its conversation. Adding an id that
	// is already present is an error; callers check presence first.
	AddMessage(ctx context.Context, message model.Message) error

	// HasMessage reports whether a message id is present.
	HasMessage(ctx context.Context, id string) (bool, error)

	// Message returns one message by id. Returns *NotFoundError when the
	// id is absent.
	Message(ctx context.Context, id string) (model.Message, error)

	// UpdateMessage applies a partial update in place, preserving the
	// record's position. Returns *NotFoundError when the id is absent.
	UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) error

	// RemoveMessage deletes a message by id. Removing an absent id is a
	// no-op.
	RemoveMessage(ctx context.Context, id string) error

	// ClearMessages drops all messages of a conversation.
	ClearMessages(ctx context.Context, conversationID uuid.UUID) error

	// Segments returns the conversation list as ordered segments.
	Segments(ctx context.Context) ([][]model.Conversation, error)

	// ReplaceSegments atomically replaces the full segmented list.
	ReplaceSegments(ctx context.Context, segments [][]model.Conversation) error

	// AppendSegment adds a fetched page as the new last segment.
	AppendSegment(ctx context.Context, conversations []model.Conversation) error

	// PrependToFirstSegment inserts a conversation at the front of the
	// most-recent segment, creating the segment if none exists.
	PrependToFirstSegment(ctx context.Context, conversation model.Conversation) error

	// UpdateConversation applies a partial update in place across all
	// segments. Returns *NotFoundError when the id is absent.
	UpdateConversation(ctx context.Context, id uuid.UUID, patch model.ConversationPatch) error

	// RemoveConversation deletes every occurrence of the id across all
	// segments. Removing an absent id is a no-op.
	RemoveConversation(ctx context.Context, id uuid.UUID) error

	// Clear drops all conversations and messages. Used on hard resets.
	Clear(ctx context.Context) error
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
