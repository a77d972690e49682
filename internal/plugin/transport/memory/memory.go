// Package memory provides an in-process transport: a hub that plays the
// role of the platform backend. The serve command uses it for demo mode;
// engine tests use it to script the push stream and exercise the full
// reconcile path without a network.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opsdesk/inbox-service/internal/config"
	"github.com/opsdesk/inbox-service/internal/model"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrytransport.Register(registrytransport.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrytransport.Transport, error) {
			cfg := config.FromContext(ctx)
			buffer := 64
			if cfg != nil && cfg.TransportBuffer > 0 {
				buffer = cfg.TransportBuffer
			}
			hub := NewHub(buffer)
			hub.SetEcho(true, 10*time.Millisecond)
			return hub, nil
		},
	})
}

// Hub is an in-process stand-in for the platform backend: it accepts
// subscriptions, records sent messages, and can echo the authoritative
// INSERT event for each send the way the real push channel does.
type Hub struct {
	mu     sync.Mutex
	buffer int
	nextID int64
	subs   map[int64]*subscription

	history map[uuid.UUID][]model.MessageRow
	// conversation list per scope, most recent first.
	inbox map[uuid.UUID][]model.ConversationRow

	echo      bool
	echoDelay time.Duration
	sendErr   error
}

// NewHub creates a Hub whose subscription channels hold buffer events.
func NewHub(buffer int) *Hub {
	return &Hub{
		buffer:  buffer,
		subs:    make(map[int64]*subscription),
		history: make(map[uuid.UUID][]model.MessageRow),
		inbox:   make(map[uuid.UUID][]model.ConversationRow),
	}
}

// SetEcho controls whether Send publishes the confirming INSERT event
// after the given delay, mimicking the backend's push channel.
func (h *Hub) SetEcho(on bool, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.echo = on
	h.echoDelay = delay
}

// FailSends makes every subsequent Send return err. Pass nil to restore
// normal behavior.
func (h *Hub) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

type subscription struct {
	hub    *Hub
	id     int64
	scope  registrytransport.Scope
	events chan registrytransport.ChangeEvent
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan registrytransport.ChangeEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() {
	s.close(nil)
}

func (s *subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.hub.remove(s.id)
		close(s.events)
	})
}

func (h *Hub) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscribe opens a push channel scoped to a conversation or an owning
// scope.
func (h *Hub) Subscribe(ctx context.Context, scope registrytransport.Scope) (registrytransport.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &subscription{
		hub:    h,
		id:     h.nextID,
		scope:  scope,
		events: make(chan registrytransport.ChangeEvent, h.buffer),
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions. Tests use it
// to assert that teardown-then-rebuild does not accumulate channels.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// DropAll closes every live subscription with err, simulating the channel
// loss that host suspension causes.
func (h *Hub) DropAll(err error) {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.close(err)
	}
}

func (h *Hub) deliver(event registrytransport.ChangeEvent, match func(registrytransport.Scope) bool) {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if match(s.scope) {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()
	for _, s := range subs {
		select {
		case s.events <- event:
		default:
			// Subscriber is not draining; the real channel would buffer
			// server-side. Dropping here keeps tests deterministic.
		}
	}
}

// PublishConversation delivers a conversation event to every subscription
// watching the row's owning scope.
func (h *Hub) PublishConversation(eventType registrytransport.EventType, row model.ConversationRow) {
	payload, _ := json.Marshal(row)
	h.deliver(registrytransport.ChangeEvent{
		Type:    eventType,
		Entity:  registrytransport.EntityConversations,
		Payload: payload,
	}, func(s registrytransport.Scope) bool {
		return !s.IsConversation() && s.ScopeID == row.ScopeID
	})
}

// PublishMessage delivers a message event to every subscription watching
// the row's conversation.
func (h *Hub) PublishMessage(eventType registrytransport.EventType, row model.MessageRow) {
	payload, _ := json.Marshal(row)
	h.deliver(registrytransport.ChangeEvent{
		Type:    eventType,
		Entity:  registrytransport.EntityMessages,
		Payload: payload,
	}, func(s registrytransport.Scope) bool {
		return s.IsConversation() && s.ConversationID == row.ConversationID
	})
}

// PublishTyping delivers a counterpart-typing broadcast to every
// subscription watching the conversation.
func (h *Hub) PublishTyping(row model.TypingRow) {
	payload, _ := json.Marshal(row)
	h.deliver(registrytransport.ChangeEvent{
		Type:    registrytransport.EventBroadcast,
		Entity:  registrytransport.EntityTyping,
		Payload: payload,
	}, func(s registrytransport.Scope) bool {
		return s.IsConversation() && s.ConversationID == row.ConversationID
	})
}

// Send records the message, allocates an authoritative id, and (when echo
// is on) publishes the confirming INSERT event after the configured delay.
func (h *Hub) Send(ctx context.Context, req registrytransport.SendRequest) (model.Message, error) {
	h.mu.Lock()
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return model.Message{}, err
	}
	now := time.Now().UTC()
	row := model.MessageRow{
		ID:             "msg_" + uuid.NewString(),
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Attachment:     req.Attachment,
		Sender:         string(model.SenderAgent),
		Status:         string(model.StatusActive),
		CreatedAt:      now,
		UpdatedAt:      now,
		CorrelationID:  req.CorrelationID,
	}
	h.history[req.ConversationID] = append(h.history[req.ConversationID], row)
	echo, delay := h.echo, h.echoDelay
	h.mu.Unlock()

	if echo {
		go func() {
			time.Sleep(delay)
			h.PublishMessage(registrytransport.EventInsert, row)
		}()
	}
	return row.Normalize(), nil
}

// SeedHistory installs message history for FetchPage, oldest first.
func (h *Hub) SeedHistory(conversationID uuid.UUID, rows []model.MessageRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[conversationID] = append([]model.MessageRow(nil), rows...)
}

// SeedInbox installs a scope's conversation list for FetchConversations,
// most recent first.
func (h *Hub) SeedInbox(scopeID uuid.UUID, rows []model.ConversationRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbox[scopeID] = append([]model.ConversationRow(nil), rows...)
}

// FetchConversations returns one page of the scope's conversation list,
// most recent first.
func (h *Hub) FetchConversations(ctx context.Context, req registrytransport.ConversationPageRequest) (registrytransport.ConversationPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.inbox[req.ScopeID]
	start := req.Offset
	if start > len(list) {
		start = len(list)
	}
	end := start + req.Limit
	if end > len(list) {
		end = len(list)
	}
	page := make([]model.ConversationRow, end-start)
	copy(page, list[start:end])
	return registrytransport.ConversationPage{
		Records: page,
		HasMore: len(page) == req.Limit,
	}, nil
}

// FetchPage returns one page of history counting offset back from the
// newest record, ordered oldest to newest within the page.
func (h *Hub) FetchPage(ctx context.Context, req registrytransport.PageRequest) (registrytransport.Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	history := h.history[req.ConversationID]
	end := len(history) - req.Offset
	if end < 0 {
		end = 0
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	page := make([]model.MessageRow, end-start)
	copy(page, history[start:end])
	return registrytransport.Page{
		Records: page,
		HasMore: len(page) == req.Limit,
	}, nil
}
