// Package engine is the reconciliation core of the inbox service: it owns
// the local store, registers optimistic writes, ingests the authoritative
// push stream, and keeps the conversation list ordered. All state
// mutations are serialized by a single lock, so readers always observe a
// consistent snapshot.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opsdesk/inbox-service/internal/config"
	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/model"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// Engine ties the local store, the pending-operation registry, and the
// push transport together. Create one with New, call Start to subscribe
// and load the initial conversation page, and Close to tear everything
// down.
type Engine struct {
	cfg   *config.Config
	store registrystore.Store
	tr    registrytransport.Transport

	runCtx   context.Context
	cancel   context.CancelFunc
	queue    chan queuedEvent
	loopDone chan struct{}

	mu               sync.Mutex
	scopeID          uuid.UUID
	conversationID   uuid.UUID
	scopeSub         registrytransport.Subscription
	convSub          registrytransport.Subscription
	suspended        bool
	closed           bool
	started          bool
	lastTransportErr error

	pending    map[string]*pendingOp
	strategies []matchStrategy
	inflight   int

	convFetched          int
	hasMoreConversations bool
	msgFetched           int
	hasMoreMessages      bool

	typing *typingState
}

// New builds an engine over the given store and transport. Start must be
// called before events flow.
func New(cfg *config.Config, st registrystore.Store, tr registrytransport.Transport) (*Engine, error) {
	metrics.Init()
	scopeID, err := uuid.Parse(cfg.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid scope id %q: %w", cfg.ScopeID, err)
	}
	// runCtx is replaced by a cancelable context in Start; the default
	// keeps accessors safe on a constructed but unstarted engine.
	return &Engine{
		cfg:        cfg,
		store:      st,
		tr:         tr,
		runCtx:     context.Background(),
		queue:      make(chan queuedEvent, cfg.EventQueueSize),
		loopDone:   make(chan struct{}),
		scopeID:    scopeID,
		pending:    make(map[string]*pendingOp),
		strategies: buildStrategies(cfg.MatchWindow),
		typing:     newTypingState(cfg.TypingTTL),
	}, nil
}

// Start subscribes the owning scope's channel, starts the event loop, and
// loads the first conversation page.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	go e.runLoop()
	if err := e.attachScope(e.scopeID); err != nil {
		return err
	}
	if err := e.LoadMoreConversations(); err != nil {
		return fmt.Errorf("engine: initial conversation page: %w", err)
	}
	log.Info("engine: started", "scope_id", e.scopeID)
	return nil
}

// Close tears down subscriptions, timers, and the event loop. Pending
// operations are discarded without touching the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	scopeSub, convSub := e.scopeSub, e.convSub
	e.scopeSub, e.convSub = nil, nil
	e.drainPending()
	e.inflight = 0
	e.mu.Unlock()

	e.typing.stopAll()
	if scopeSub != nil {
		scopeSub.Unsubscribe()
	}
	if convSub != nil {
		convSub.Unsubscribe()
	}
	if started {
		e.cancel()
		<-e.loopDone
	}
	log.Info("engine: stopped", "scope_id", e.scopeID)
	return nil
}

// Conversations returns the loaded conversation list flattened across
// segments, in display order.
func (e *Engine) Conversations() ([]model.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	segments, err := e.store.Segments(e.runCtx)
	if err != nil {
		return nil, fmt.Errorf("engine: conversations: %w", err)
	}
	out := make([]model.Conversation, 0)
	for _, segment := range segments {
		out = append(out, segment...)
	}
	return out, nil
}

// Messages returns the loaded messages of the open conversation, oldest
// to newest.
func (e *Engine) Messages() ([]model.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conversationID == uuid.Nil {
		return nil, nil
	}
	msgs, err := e.store.Messages(e.runCtx, e.conversationID)
	if err != nil {
		return nil, fmt.Errorf("engine: messages: %w", err)
	}
	return msgs, nil
}

// Sending reports whether any send is still awaiting a terminal outcome.
func (e *Engine) Sending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight > 0
}

// PendingCount returns the number of registered unresolved operations.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// TypingActive reports whether the counterpart of the given conversation
// is currently typing.
func (e *Engine) TypingActive(conversationID uuid.UUID) bool {
	return e.typing.active(conversationID)
}

// HasMoreMessages reports whether older message history remains unloaded.
func (e *Engine) HasMoreMessages() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMoreMessages
}

// HasMoreConversations reports whether further conversation pages remain.
func (e *Engine) HasMoreConversations() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMoreConversations
}

// LastTransportError returns the most recent subscription failure, or nil
// when the channels are healthy.
func (e *Engine) LastTransportError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTransportErr
}

// Suspended reports whether the host is currently marked inactive.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// CurrentConversation returns the open conversation id, uuid.Nil when no
// conversation is open.
func (e *Engine) CurrentConversation() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// SetPinned pins or unpins a conversation locally and repositions it:
// pinning moves it to the slot its pin time implies within the pinned
// group, unpinning returns it to the slot its last activity implies.
// Setting the state it already holds is a no-op.
func (e *Engine) SetPinned(conversationID uuid.UUID, pinned bool) (model.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, present := e.findConversation(conversationID)
	if !present {
		return model.Conversation{}, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if c.Pinned == pinned {
		return c, nil
	}
	if pinned {
		now := time.Now().UTC()
		c.Pinned = true
		c.PinnedAt = &now
	} else {
		c.Pinned = false
		c.PinnedAt = nil
	}
	e.repositionConversation(c)
	return c, nil
}

// MarkRead marks a conversation read in place; read state never affects
// ordering.
func (e *Engine) MarkRead(conversationID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	read := true
	now := time.Now().UTC()
	if err := e.store.UpdateConversation(e.runCtx, conversationID, model.ConversationPatch{
		Read:   &read,
		ReadAt: &now,
	}); err != nil {
		return fmt.Errorf("engine: mark read: %w", err)
	}
	return nil
}

// LoadMoreConversations fetches the next conversation page and appends it
// as a new segment, dropping any record already present in an earlier
// segment so an id never appears twice across the loaded list.
func (e *Engine) LoadMoreConversations() error {
	e.mu.Lock()
	offset := e.convFetched
	e.mu.Unlock()

	page, err := e.tr.FetchConversations(e.runCtx, registrytransport.ConversationPageRequest{
		ScopeID: e.scopeID,
		Offset:  offset,
		Limit:   e.cfg.PageLimit,
	})
	if err != nil {
		return fmt.Errorf("engine: fetch conversations: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.convFetched != offset {
		// A concurrent load already consumed this page's slot.
		return nil
	}
	fresh := make([]model.Conversation, 0, len(page.Records))
	for _, row := range page.Records {
		c := row.Normalize()
		if _, present := e.findConversation(c.ID); present {
			continue
		}
		fresh = append(fresh, c)
	}
	if err := e.store.AppendSegment(e.runCtx, fresh); err != nil {
		return fmt.Errorf("engine: append conversation page: %w", err)
	}
	e.convFetched += len(page.Records)
	e.hasMoreConversations = page.HasMore
	return nil
}

// LoadOlderMessages fetches the next older history page for the open
// conversation and prepends it, skipping ids that already arrived through
// the push channel.
func (e *Engine) LoadOlderMessages() error {
	e.mu.Lock()
	convID := e.conversationID
	offset := e.msgFetched
	e.mu.Unlock()
	if convID == uuid.Nil {
		return &registrystore.ValidationError{Field: "conversation", Message: "no conversation open"}
	}

	page, err := e.tr.FetchPage(e.runCtx, registrytransport.PageRequest{
		ConversationID: convID,
		Offset:         offset,
		Limit:          e.cfg.PageLimit,
	})
	if err != nil {
		return fmt.Errorf("engine: fetch messages: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conversationID != convID || e.msgFetched != offset {
		return nil
	}
	existing, err := e.store.Messages(e.runCtx, convID)
	if err != nil {
		return fmt.Errorf("engine: fetch messages: %w", err)
	}
	merged := e.mergePage(page.Records, existing)
	if err := e.store.SetMessages(e.runCtx, convID, merged); err != nil {
		return fmt.Errorf("engine: merge message page: %w", err)
	}
	e.msgFetched += len(page.Records)
	e.hasMoreMessages = page.HasMore
	return nil
}

// loadInitialMessages fetches the newest history page for a freshly
// opened conversation. The subscription is already live, so any record
// the push channel delivered first is kept and the page merged around it.
func (e *Engine) loadInitialMessages(convID uuid.UUID) error {
	page, err := e.tr.FetchPage(e.runCtx, registrytransport.PageRequest{
		ConversationID: convID,
		Offset:         0,
		Limit:          e.cfg.PageLimit,
	})
	if err != nil {
		return fmt.Errorf("engine: initial message page: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conversationID != convID {
		return nil
	}
	existing, err := e.store.Messages(e.runCtx, convID)
	if err != nil {
		return fmt.Errorf("engine: initial message page: %w", err)
	}
	merged := e.mergePage(page.Records, existing)
	if err := e.store.SetMessages(e.runCtx, convID, merged); err != nil {
		return fmt.Errorf("engine: initial message page: %w", err)
	}
	e.msgFetched = len(page.Records)
	e.hasMoreMessages = page.HasMore
	return nil
}

// mergePage combines a fetched history page (oldest to newest) with the
// records already in the store, page first, skipping page rows whose id
// is already present. Caller holds e.mu.
func (e *Engine) mergePage(rows []model.MessageRow, existing []model.Message) []model.Message {
	present := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		present[m.ID] = struct{}{}
	}
	merged := make([]model.Message, 0, len(rows)+len(existing))
	for _, row := range rows {
		m := row.Normalize()
		if _, dup := present[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	return append(merged, existing...)
}
