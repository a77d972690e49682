package engine

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/model"
)

// pendingOp is one registered optimistic write awaiting reconciliation or
// timeout. It lives in the engine's pending map, keyed by correlation id,
// from registration until a terminal outcome removes it.
type pendingOp struct {
	correlationID  string
	tempID         string
	conversationID uuid.UUID
	content        string
	sender         model.SenderRole
	createdAt      time.Time
	timer          *time.Timer
}

// registerPending adds the operation and arms its deadline timer. At most
// one unresolved operation may exist per correlation id. Caller holds e.mu.
func (e *Engine) registerPending(op *pendingOp) {
	if _, dup := e.pending[op.correlationID]; dup {
		// Correlation ids are fresh uuids; a duplicate means a caller
		// reused one. Refuse to shadow the live entry.
		log.Error("engine: duplicate correlation id, pending entry kept", "correlation_id", op.correlationID)
		return
	}
	op.timer = time.AfterFunc(e.cfg.SendTimeout, func() {
		e.onSendDeadline(op.correlationID)
	})
	e.pending[op.correlationID] = op
	metrics.PendingOperations.Inc()
}

// takePending removes and returns the operation for the correlation id,
// stopping its timer. Returns nil when no entry exists: the timer and the
// reconciler race for each entry, and exactly one side wins. Caller holds
// e.mu.
func (e *Engine) takePending(correlationID string) *pendingOp {
	op, ok := e.pending[correlationID]
	if !ok {
		return nil
	}
	delete(e.pending, correlationID)
	op.timer.Stop()
	metrics.PendingOperations.Dec()
	return op
}

// drainPending removes every registered operation, stopping all timers.
// Used on scope change, where entries can never be reconciled against the
// new scope's channel. Caller holds e.mu.
func (e *Engine) drainPending() []*pendingOp {
	ops := make([]*pendingOp, 0, len(e.pending))
	for id, op := range e.pending {
		op.timer.Stop()
		delete(e.pending, id)
		ops = append(ops, op)
	}
	metrics.PendingOperations.Sub(float64(len(ops)))
	return ops
}

// onSendDeadline fires when a pending operation's deadline passes with no
// reconciliation match. The record transitions to error with
// reason=timeout, a distinct failure kind from a synchronous rejection.
func (e *Engine) onSendDeadline(correlationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := e.takePending(correlationID)
	if op == nil {
		// The reconciler won the race while this callback waited on the
		// lock.
		return
	}
	log.Warn("engine: send timed out waiting for confirmation",
		"correlation_id", op.correlationID,
		"temp_id", op.tempID,
		"conversation_id", op.conversationID,
	)
	metrics.SendTimeouts.Inc()
	e.failMessageLocked(op.tempID, model.FailReasonTimeout)
}

// failMessageLocked transitions a message to error with the given reason
// and settles the global sending indicator. Caller holds e.mu.
func (e *Engine) failMessageLocked(id string, reason model.FailReason) {
	status := model.SendStatusError
	optimistic := false
	if err := e.store.UpdateMessage(e.runCtx, id, model.MessagePatch{
		SendStatus: &status,
		FailReason: &reason,
		Optimistic: &optimistic,
	}); err != nil {
		log.Error("engine: failed to mark message errored", "id", id, "err", err)
	}
	e.settleInflightLocked()
}

// settleInflightLocked decrements the global "operation in progress"
// counter. Every terminal outcome (reconciliation, rejection, timeout,
// scope-change discard) funnels through here so the indicator can
// never stay stuck.
func (e *Engine) settleInflightLocked() {
	if e.inflight > 0 {
		e.inflight--
	}
}
