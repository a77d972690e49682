// Package memory provides the ephemeral, session-only store. It is the
// default backing for the reconciliation engine: state lives only as long
// as the process and is rebuilt from the backend on restart.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/opsdesk/inbox-service/internal/model"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			return New(), nil
		},
	})
}

// MemoryStore is an in-memory Store. Mutations are serialized by the
// engine; the internal lock protects concurrent readers against the single
// writer.
type MemoryStore struct {
	mu sync.RWMutex

	// messages per conversation, insertion order.
	messages map[uuid.UUID][]model.Message
	// message id -> owning conversation, for O(1) presence checks.
	messageConv map[string]uuid.UUID

	segments [][]model.Conversation
}

// New creates an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[uuid.UUID][]model.Message),
		messageConv: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Messages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out, nil
}

func (s *MemoryStore) SetMessages(ctx context.Context, conversationID uuid.UUID, messages []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[conversationID] {
		delete(s.messageConv, m.ID)
	}
	list := make([]model.Message, len(messages))
	copy(list, messages)
	s.messages[conversationID] = list
	for _, m := range list {
		s.messageConv[m.ID] = conversationID
	}
	return nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, message model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messageConv[message.ID]; ok {
		return &registrystore.ValidationError{Field: "id", Message: "message already present: " + message.ID}
	}
	s.messages[message.ConversationID] = append(s.messages[message.ConversationID], message)
	s.messageConv[message.ID] = message.ConversationID
	return nil
}

func (s *MemoryStore) HasMessage(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messageConv[id]
	return ok, nil
}

func (s *MemoryStore) Message(ctx context.Context, id string) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.messageConv[id]
	if !ok {
		return model.Message{}, &registrystore.NotFoundError{Resource: "message", ID: id}
	}
	for _, m := range s.messages[convID] {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Message{}, &registrystore.NotFoundError{Resource: "message", ID: id}
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.messageConv[id]
	if !ok {
		return &registrystore.NotFoundError{Resource: "message", ID: id}
	}
	list := s.messages[convID]
	for i := range list {
		if list[i].ID == id {
			patch.Apply(&list[i])
			if list[i].ID != id {
				// The patch replaced the id (reconciliation promoting a
				// temp id). Re-key the index; the slice position is kept.
				delete(s.messageConv, id)
				s.messageConv[list[i].ID] = convID
			}
			return nil
		}
	}
	return &registrystore.NotFoundError{Resource: "message", ID: id}
}

func (s *MemoryStore) RemoveMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.messageConv[id]
	if !ok {
		return nil
	}
	list := s.messages[convID]
	for i := range list {
		if list[i].ID == id {
			s.messages[convID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(s.messageConv, id)
	return nil
}

func (s *MemoryStore) ClearMessages(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[conversationID] {
		delete(s.messageConv, m.ID)
	}
	delete(s.messages, conversationID)
	return nil
}

func (s *MemoryStore) Segments(ctx context.Context) ([][]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySegments(s.segments), nil
}

func (s *MemoryStore) ReplaceSegments(ctx context.Context, segments [][]model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = copySegments(segments)
	return nil
}

func (s *MemoryStore) AppendSegment(ctx context.Context, conversations []model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	segment := make([]model.Conversation, len(conversations))
	copy(segment, conversations)
	s.segments = append(s.segments, segment)
	return nil
}

func (s *MemoryStore) PrependToFirstSegment(ctx context.Context, conversation model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		s.segments = [][]model.Conversation{{conversation}}
		return nil
	}
	s.segments[0] = append([]model.Conversation{conversation}, s.segments[0]...)
	return nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id uuid.UUID, patch model.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for si := range s.segments {
		for ci := range s.segments[si] {
			if s.segments[si][ci].ID == id {
				patch.Apply(&s.segments[si][ci])
				return nil
			}
		}
	}
	return &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
}

func (s *MemoryStore) RemoveConversation(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for si := range s.segments {
		kept := s.segments[si][:0]
		for _, c := range s.segments[si] {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		s.segments[si] = kept
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[uuid.UUID][]model.Message)
	s.messageConv = make(map[string]uuid.UUID)
	s.segments = nil
	return nil
}

func copySegments(segments [][]model.Conversation) [][]model.Conversation {
	out := make([][]model.Conversation, len(segments))
	for i, segment := range segments {
		out[i] = make([]model.Conversation, len(segment))
		copy(out[i], segment)
	}
	return out
}
