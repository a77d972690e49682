package engine

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/model"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// Lifecycle is the host-lifecycle collaborator seam. The host invokes the
// registered callback when it becomes active again after suspension.
type Lifecycle interface {
	OnResume(callback func())
}

// AttachLifecycle wires the engine's resume handling to the host
// lifecycle collaborator.
func (e *Engine) AttachLifecycle(l Lifecycle) {
	l.OnResume(func() {
		if err := e.Resume(); err != nil {
			log.Error("engine: resume failed", "err", err)
		}
	})
}

// Suspend records that the host went inactive. The push channels are
// expected to drop silently while suspended; their loss is not escalated.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = true
}

// Resume tears down the current subscriptions and re-establishes them for
// the current scope. Safe to call repeatedly in quick succession: each
// call discards the previous channels, and a slot that is already rebuilt
// is left alone, so duplicate subscriptions never accumulate.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: closed")
	}
	e.suspended = false
	oldScope, oldConv := e.scopeSub, e.convSub
	e.scopeSub, e.convSub = nil, nil
	scopeID, convID := e.scopeID, e.conversationID
	e.mu.Unlock()

	if oldScope != nil {
		oldScope.Unsubscribe()
	}
	if oldConv != nil {
		oldConv.Unsubscribe()
	}
	metrics.Resubscribes.Inc()

	if err := e.attachScope(scopeID); err != nil {
		return err
	}
	if convID != uuid.Nil {
		if err := e.attachConversation(convID); err != nil {
			return err
		}
	}
	return nil
}

// OpenConversation switches the active conversation: a hard reset, not a
// merge. The previous conversation's subscription is torn down, its
// pending operations are discarded (they can never be reconciled against
// the new scope's channel), and the new channel is subscribed before the
// initial page is fetched so no event falls into the gap.
func (e *Engine) OpenConversation(convID uuid.UUID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: closed")
	}
	prev := e.conversationID
	oldSub := e.convSub
	e.convSub = nil
	e.conversationID = convID
	e.msgFetched = 0
	e.hasMoreMessages = false
	for _, op := range e.drainPending() {
		e.failMessageLocked(op.tempID, model.FailReasonRejected)
	}
	e.mu.Unlock()

	e.typing.stopAll()
	if oldSub != nil {
		oldSub.Unsubscribe()
	}
	if prev != uuid.Nil && prev != convID {
		if err := e.store.ClearMessages(e.runCtx, prev); err != nil {
			log.Error("engine: clear previous conversation failed", "conversation_id", prev, "err", err)
		}
	}
	if convID == uuid.Nil {
		return nil
	}

	metrics.Resubscribes.Inc()
	if err := e.attachConversation(convID); err != nil {
		return err
	}
	return e.loadInitialMessages(convID)
}

// attachScope subscribes the owning-scope channel and installs it if the
// slot is still vacant and the scope unchanged; a racing rebuild that got
// there first wins and the extra subscription is released.
func (e *Engine) attachScope(scopeID uuid.UUID) error {
	scope := registrytransport.Scope{ScopeID: scopeID}
	sub, err := e.tr.Subscribe(e.runCtx, scope)
	if err != nil {
		e.mu.Lock()
		e.lastTransportErr = err
		e.mu.Unlock()
		return fmt.Errorf("engine: subscribe %s: %w", scope.String(), err)
	}
	e.mu.Lock()
	if e.closed || e.scopeID != scopeID || e.scopeSub != nil {
		e.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	e.scopeSub = sub
	e.lastTransportErr = nil
	e.mu.Unlock()
	go e.forward(sub, scope)
	return nil
}

// attachConversation subscribes a conversation's message channel with the
// same install discipline as attachScope.
func (e *Engine) attachConversation(convID uuid.UUID) error {
	scope := registrytransport.Scope{ScopeID: e.scopeID, ConversationID: convID}
	sub, err := e.tr.Subscribe(e.runCtx, scope)
	if err != nil {
		e.mu.Lock()
		e.lastTransportErr = err
		e.mu.Unlock()
		return fmt.Errorf("engine: subscribe %s: %w", scope.String(), err)
	}
	e.mu.Lock()
	if e.closed || e.conversationID != convID || e.convSub != nil {
		e.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	e.convSub = sub
	e.lastTransportErr = nil
	e.mu.Unlock()
	go e.forward(sub, scope)
	return nil
}

// resubscribeLocked rebuilds the slot for a dropped channel. Caller holds
// e.mu; the actual subscribe runs outside the lock.
func (e *Engine) resubscribeLocked(scope registrytransport.Scope) {
	metrics.Resubscribes.Inc()
	if scope.IsConversation() {
		convID := scope.ConversationID
		e.convSub = nil
		go func() {
			if err := e.attachConversation(convID); err != nil {
				log.Error("engine: resubscribe failed", "scope", scope.String(), "err", err)
			}
		}()
		return
	}
	scopeID := scope.ScopeID
	e.scopeSub = nil
	go func() {
		if err := e.attachScope(scopeID); err != nil {
			log.Error("engine: resubscribe failed", "scope", scope.String(), "err", err)
		}
	}()
}
