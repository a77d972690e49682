package engine

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/model"
)

// matchStrategy is one way of pairing an inbound authoritative message
// with a pending operation. Strategies are tried in order; the first match
// wins and removes the entry from the registry.
type matchStrategy struct {
	name    string
	matches func(op *pendingOp, msg model.Message) bool
}

func buildStrategies(window time.Duration) []matchStrategy {
	return []matchStrategy{
		{
			// Exact correlation id equality. Authoritative and preferred.
			name: "correlation",
			matches: func(op *pendingOp, msg model.Message) bool {
				return msg.CorrelationID != "" && msg.CorrelationID == op.correlationID
			},
		},
		{
			// Content + sender + bounded time window. Only for events
			// that predate correlation-id tagging.
			name: "content-window",
			matches: func(op *pendingOp, msg model.Message) bool {
				if msg.CorrelationID != "" {
					return false
				}
				if msg.Content != op.content || msg.Sender != op.sender {
					return false
				}
				delta := msg.CreatedAt.Sub(op.createdAt)
				if delta < 0 {
					delta = -delta
				}
				return delta <= window
			},
		},
	}
}

// findPendingMatch returns the pending operation the message confirms,
// with the name of the strategy that matched, or nil. When the fallback
// strategy matches several entries, the oldest wins for determinism.
// Caller holds e.mu.
func (e *Engine) findPendingMatch(msg model.Message) (*pendingOp, string) {
	for _, strategy := range e.strategies {
		var best *pendingOp
		for _, op := range e.pending {
			if op.conversationID != msg.ConversationID {
				continue
			}
			if !strategy.matches(op, msg) {
				continue
			}
			if best == nil || op.createdAt.Before(best.createdAt) {
				best = op
			}
		}
		if best != nil {
			return best, strategy.name
		}
	}
	return nil, ""
}

// reconcileMessageInsert applies an authoritative INSERT: merge into the
// matching pending record, or insert as a genuinely remote message.
// Caller holds e.mu.
func (e *Engine) reconcileMessageInsert(msg model.Message) {
	op, strategy := e.findPendingMatch(msg)
	if op == nil {
		if e.mergeLateConfirmation(msg) {
			return
		}
		// Remote-originated (another device or agent). Idempotent
		// insert: an id we already hold is a duplicate delivery.
		present, err := e.store.HasMessage(e.runCtx, msg.ID)
		if err != nil {
			log.Error("engine: message lookup failed", "id", msg.ID, "err", err)
			return
		}
		if present {
			return
		}
		if err := e.store.AddMessage(e.runCtx, msg); err != nil {
			log.Error("engine: insert remote message failed", "id", msg.ID, "err", err)
		}
		return
	}

	e.takePending(op.correlationID)
	metrics.Reconciliations.WithLabelValues(strategy).Inc()

	// If the authoritative id already slipped in as a separate record
	// (duplicate delivery racing the merge), drop it first so the merge
	// leaves exactly one record for the logical message.
	if msg.ID != op.tempID {
		if present, _ := e.store.HasMessage(e.runCtx, msg.ID); present {
			if err := e.store.RemoveMessage(e.runCtx, msg.ID); err != nil {
				log.Error("engine: dedup remove failed", "id", msg.ID, "err", err)
			}
		}
	}

	// Update in place: authoritative id, timestamps, and sent status
	// replace the temporary values without moving the record.
	sent := model.SendStatusSent
	optimistic := false
	noReason := model.FailReason("")
	if err := e.store.UpdateMessage(e.runCtx, op.tempID, model.MessagePatch{
		ID:         &msg.ID,
		CreatedAt:  &msg.CreatedAt,
		UpdatedAt:  &msg.UpdatedAt,
		SendStatus: &sent,
		FailReason: &noReason,
		Optimistic: &optimistic,
	}); err != nil {
		log.Error("engine: reconcile update failed", "temp_id", op.tempID, "id", msg.ID, "err", err)
	}
	e.settleInflightLocked()
	log.Debug("engine: reconciled optimistic send",
		"strategy", strategy,
		"correlation_id", op.correlationID,
		"temp_id", op.tempID,
		"id", msg.ID,
	)
}

// mergeLateConfirmation handles a confirmation that arrives after its
// pending operation was already resolved, typically by the deadline timer.
// The errored record keeps its correlation id, so the INSERT merges into
// it in place rather than landing as a second copy of the same logical
// message. Returns false when no record carries the correlation id.
// Caller holds e.mu.
func (e *Engine) mergeLateConfirmation(msg model.Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	existing, err := e.store.Messages(e.runCtx, msg.ConversationID)
	if err != nil {
		log.Error("engine: correlation lookup failed", "conversation_id", msg.ConversationID, "err", err)
		return false
	}
	var target *model.Message
	for i := range existing {
		if existing[i].CorrelationID == msg.CorrelationID {
			target = &existing[i]
			break
		}
	}
	if target == nil {
		return false
	}
	if target.ID == msg.ID {
		// Already promoted; duplicate delivery.
		return true
	}
	if present, _ := e.store.HasMessage(e.runCtx, msg.ID); present {
		if err := e.store.RemoveMessage(e.runCtx, msg.ID); err != nil {
			log.Error("engine: dedup remove failed", "id", msg.ID, "err", err)
		}
	}
	sent := model.SendStatusSent
	optimistic := false
	noReason := model.FailReason("")
	if err := e.store.UpdateMessage(e.runCtx, target.ID, model.MessagePatch{
		ID:         &msg.ID,
		CreatedAt:  &msg.CreatedAt,
		UpdatedAt:  &msg.UpdatedAt,
		SendStatus: &sent,
		FailReason: &noReason,
		Optimistic: &optimistic,
	}); err != nil {
		log.Error("engine: late confirmation merge failed", "temp_id", target.ID, "id", msg.ID, "err", err)
		return true
	}
	metrics.Reconciliations.WithLabelValues("correlation-late").Inc()
	log.Debug("engine: merged late confirmation",
		"correlation_id", msg.CorrelationID,
		"temp_id", target.ID,
		"id", msg.ID,
	)
	return true
}

// reconcileMessageUpdate applies an authoritative UPDATE in place. An
// update older than the stored record is skipped so an out-of-order pair
// of updates cannot regress state.
// Caller holds e.mu.
func (e *Engine) reconcileMessageUpdate(msg model.Message) {
	current, err := e.store.Message(e.runCtx, msg.ID)
	if err != nil {
		// Update for a record we never held (e.g. pruned segment). The
		// stream is authoritative; treat it as an insert.
		e.reconcileMessageInsert(msg)
		return
	}
	if msg.UpdatedAt.Before(current.UpdatedAt) {
		log.Debug("engine: skipping stale message update", "id", msg.ID)
		return
	}
	if err := e.store.UpdateMessage(e.runCtx, msg.ID, model.MessagePatch{
		Content:   &msg.Content,
		Status:    &msg.Status,
		UpdatedAt: &msg.UpdatedAt,
	}); err != nil {
		log.Error("engine: message update failed", "id", msg.ID, "err", err)
	}
}

// reconcileMessageDelete removes the record outright.
// Caller holds e.mu.
func (e *Engine) reconcileMessageDelete(msg model.Message) {
	if err := e.store.RemoveMessage(e.runCtx, msg.ID); err != nil {
		log.Error("engine: message delete failed", "id", msg.ID, "err", err)
	}
}
