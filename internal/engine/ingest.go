package engine

import (
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/model"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// queuedEvent tags a push event with the subscription that delivered it.
// The consumer drops events whose subscription is no longer current, which
// is what makes teardown-then-rebuild safe against stragglers.
type queuedEvent struct {
	sub   registrytransport.Subscription
	event registrytransport.ChangeEvent
}

// enqueue feeds the bounded ingest queue. When the queue is full the
// oldest event is dropped: the stream is authoritative, and a fresher
// update for the same record supersedes an older one.
func (e *Engine) enqueue(q queuedEvent) {
	select {
	case e.queue <- q:
		return
	default:
	}
	select {
	case <-e.queue:
		metrics.QueueDrops.Inc()
		log.Warn("engine: ingest queue full, dropped oldest event")
	default:
	}
	select {
	case e.queue <- q:
	default:
		metrics.QueueDrops.Inc()
	}
}

// forward pumps one subscription into the ingest queue until the channel
// closes, then classifies the disconnect. A close while the host is
// suspended is expected and waits for the resume signal; anything else is
// escalated and recovered immediately. The recovery action is the same in
// both cases: resubscribe.
func (e *Engine) forward(sub registrytransport.Subscription, scope registrytransport.Scope) {
	for event := range sub.Events() {
		e.enqueue(queuedEvent{sub: sub, event: event})
	}

	err := sub.Err()
	e.mu.Lock()
	current := sub == e.scopeSub || sub == e.convSub
	suspended := e.suspended
	closed := e.closed
	e.mu.Unlock()

	if !current || closed {
		// Torn down on purpose (resume, scope change, shutdown).
		return
	}
	if suspended {
		log.Debug("engine: subscription dropped while host suspended, resubscribing on resume",
			"scope", scope.String())
		return
	}
	terr := &registrytransport.TransportError{Scope: scope.String(), Err: err}
	log.Error("engine: subscription dropped unexpectedly", "scope", scope.String(), "err", err)
	e.mu.Lock()
	e.lastTransportErr = terr
	e.resubscribeLocked(scope)
	e.mu.Unlock()
}

// runLoop is the single consumer of the ingest queue. All event-driven
// mutations of the local store happen here, serialized with user actions
// by the engine lock.
func (e *Engine) runLoop() {
	defer close(e.loopDone)
	for {
		select {
		case <-e.runCtx.Done():
			return
		case q := <-e.queue:
			e.processEvent(q)
		}
	}
}

func (e *Engine) processEvent(q queuedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q.sub != e.scopeSub && q.sub != e.convSub {
		// Stale subscription from a previous scope or generation.
		return
	}
	event := q.event
	metrics.EventsIngested.WithLabelValues(string(event.Type), string(event.Entity)).Inc()

	switch event.Entity {
	case registrytransport.EntityMessages:
		var row model.MessageRow
		if err := json.Unmarshal(event.Payload, &row); err != nil {
			log.Warn("engine: malformed message payload", "type", event.Type, "err", err)
			return
		}
		msg := row.Normalize()
		switch event.Type {
		case registrytransport.EventInsert:
			e.reconcileMessageInsert(msg)
		case registrytransport.EventUpdate:
			e.reconcileMessageUpdate(msg)
		case registrytransport.EventDelete:
			e.reconcileMessageDelete(msg)
		}

	case registrytransport.EntityConversations:
		var row model.ConversationRow
		if err := json.Unmarshal(event.Payload, &row); err != nil {
			log.Warn("engine: malformed conversation payload", "type", event.Type, "err", err)
			return
		}
		c := row.Normalize()
		switch event.Type {
		case registrytransport.EventInsert:
			e.applyConversationInsert(c)
		case registrytransport.EventUpdate:
			e.applyConversationUpdate(c)
		case registrytransport.EventDelete:
			e.applyConversationDelete(c.ID)
		}

	case registrytransport.EntityTyping:
		var row model.TypingRow
		if err := json.Unmarshal(event.Payload, &row); err != nil {
			log.Warn("engine: malformed typing payload", "err", err)
			return
		}
		e.typing.refresh(row.ConversationID)
	}
}
