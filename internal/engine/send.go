package engine

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/model"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// Send validates and dispatches an outbound message for the open
// conversation. The message appears in the local store immediately with
// status sending; the backend call runs asynchronously, and the record is
// finalized only when the push channel echoes the correlation id back. The
// synchronous response is used solely to detect rejection.
func (e *Engine) Send(content string, attachment *model.Attachment) (model.Message, error) {
	if err := e.validateSend(content, attachment); err != nil {
		return model.Message{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return model.Message{}, fmt.Errorf("engine: closed")
	}
	if e.conversationID == uuid.Nil {
		return model.Message{}, &registrystore.ValidationError{Field: "conversation", Message: "no conversation open"}
	}

	now := time.Now().UTC()
	msg := model.Message{
		ID:             model.NewTempID(),
		ConversationID: e.conversationID,
		Content:        content,
		Attachment:     attachment,
		Sender:         model.SenderAgent,
		Status:         model.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		CorrelationID:  uuid.NewString(),
		SendStatus:     model.SendStatusSending,
		Optimistic:     true,
	}
	if err := e.store.AddMessage(e.runCtx, msg); err != nil {
		return model.Message{}, fmt.Errorf("engine: stage outbound message: %w", err)
	}
	e.registerPending(&pendingOp{
		correlationID:  msg.CorrelationID,
		tempID:         msg.ID,
		conversationID: msg.ConversationID,
		content:        msg.Content,
		sender:         msg.Sender,
		createdAt:      msg.CreatedAt,
	})
	e.inflight++

	go e.dispatchSend(msg)
	return msg, nil
}

// Retry re-dispatches a failed message under a fresh correlation id. Only
// records in the error state are retryable; everything else is either
// still in flight or already confirmed.
func (e *Engine) Retry(messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: closed")
	}
	msg, err := e.store.Message(e.runCtx, messageID)
	if err != nil {
		return fmt.Errorf("engine: retry: %w", err)
	}
	if msg.SendStatus != model.SendStatusError {
		return &registrystore.ValidationError{Field: "sendStatus", Message: "only failed messages can be retried"}
	}

	correlationID := uuid.NewString()
	sending := model.SendStatusSending
	noReason := model.FailReason("")
	optimistic := true
	now := time.Now().UTC()
	if err := e.store.UpdateMessage(e.runCtx, messageID, model.MessagePatch{
		SendStatus:    &sending,
		FailReason:    &noReason,
		Optimistic:    &optimistic,
		CorrelationID: &correlationID,
		UpdatedAt:     &now,
	}); err != nil {
		return fmt.Errorf("engine: retry: %w", err)
	}
	msg.CorrelationID = correlationID
	msg.SendStatus = sending
	msg.FailReason = ""
	msg.Optimistic = true

	e.registerPending(&pendingOp{
		correlationID:  correlationID,
		tempID:         msg.ID,
		conversationID: msg.ConversationID,
		content:        msg.Content,
		sender:         msg.Sender,
		createdAt:      msg.CreatedAt,
	})
	e.inflight++

	go e.dispatchSend(msg)
	return nil
}

// dispatchSend performs the backend call for a staged message. A transport
// failure or explicit rejection resolves the pending entry immediately; on
// success the response body is discarded and the pending entry is left for
// the push channel to resolve.
func (e *Engine) dispatchSend(msg model.Message) {
	_, err := e.tr.Send(e.runCtx, registrytransport.SendRequest{
		ConversationID: msg.ConversationID,
		ScopeID:        e.scopeID,
		Content:        msg.Content,
		Attachment:     msg.Attachment,
		CorrelationID:  msg.CorrelationID,
	})
	if err == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if op := e.takePending(msg.CorrelationID); op == nil {
		// Already timed out or discarded while the call was in flight.
		return
	}
	var failure *registrytransport.SendFailure
	if errors.As(err, &failure) {
		log.Warn("engine: send rejected by backend",
			"conversation_id", msg.ConversationID,
			"correlation_id", msg.CorrelationID,
			"status_code", failure.StatusCode,
		)
	} else {
		log.Error("engine: send failed",
			"conversation_id", msg.ConversationID,
			"correlation_id", msg.CorrelationID,
			"err", err,
		)
	}
	metrics.SendRejections.Inc()
	e.failMessageLocked(msg.ID, model.FailReasonRejected)
}

func (e *Engine) validateSend(content string, attachment *model.Attachment) error {
	if content == "" && attachment == nil {
		return &registrystore.ValidationError{Field: "content", Message: "message is empty"}
	}
	if utf8.RuneCountInString(content) > e.cfg.MaxContentLength {
		return &registrystore.ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content exceeds %d characters", e.cfg.MaxContentLength),
		}
	}
	if attachment != nil && attachment.Size > e.cfg.MaxAttachmentSize {
		return &registrystore.ValidationError{
			Field:   "attachment",
			Message: fmt.Sprintf("attachment exceeds %d bytes", e.cfg.MaxAttachmentSize),
		}
	}
	return nil
}
