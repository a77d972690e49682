// Package inbox exposes the reconciliation engine to the local dashboard
// process over a small HTTP API. The engine owns all state; handlers only
// translate between HTTP and engine calls.
package inbox

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opsdesk/inbox-service/internal/engine"
	"github.com/opsdesk/inbox-service/internal/model"
	registryroute "github.com/opsdesk/inbox-service/internal/registry/route"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after engine init
		},
	})
}

// MountRoutes mounts the inbox routes on the given router. Called after
// engine initialization so the engine is available.
func MountRoutes(r *gin.Engine, eng *engine.Engine) {
	g := r.Group("/v1")

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, eng)
	})
	g.POST("/conversations/load-more", func(c *gin.Context) {
		loadMoreConversations(c, eng)
	})
	g.POST("/conversations/:conversationId/open", func(c *gin.Context) {
		openConversation(c, eng)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, eng)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		sendMessage(c, eng)
	})
	g.POST("/conversations/:conversationId/messages/load-older", func(c *gin.Context) {
		loadOlderMessages(c, eng)
	})
	g.POST("/conversations/:conversationId/pin", func(c *gin.Context) {
		setPinned(c, eng, true)
	})
	g.POST("/conversations/:conversationId/unpin", func(c *gin.Context) {
		setPinned(c, eng, false)
	})
	g.POST("/conversations/:conversationId/read", func(c *gin.Context) {
		markRead(c, eng)
	})
	g.GET("/conversations/:conversationId/typing", func(c *gin.Context) {
		typing(c, eng)
	})
	g.POST("/messages/:messageId/retry", func(c *gin.Context) {
		retryMessage(c, eng)
	})
	g.POST("/resume", func(c *gin.Context) {
		resume(c, eng)
	})
	g.POST("/suspend", func(c *gin.Context) {
		eng.Suspend()
		c.Status(http.StatusNoContent)
	})
	g.GET("/status", func(c *gin.Context) {
		status(c, eng)
	})
}

func listConversations(c *gin.Context, eng *engine.Engine) {
	conversations, err := eng.Conversations()
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    conversations,
		"hasMore": eng.HasMoreConversations(),
	})
}

func loadMoreConversations(c *gin.Context, eng *engine.Engine) {
	if err := eng.LoadMoreConversations(); err != nil {
		handleError(c, err)
		return
	}
	listConversations(c, eng)
}

func openConversation(c *gin.Context, eng *engine.Engine) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if err := eng.OpenConversation(id); err != nil {
		handleError(c, err)
		return
	}
	listMessages(c, eng)
}

func listMessages(c *gin.Context, eng *engine.Engine) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if eng.CurrentConversation() != id {
		c.JSON(http.StatusConflict, gin.H{"code": "not_open", "error": "conversation is not open"})
		return
	}
	messages, err := eng.Messages()
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    messages,
		"hasMore": eng.HasMoreMessages(),
		"sending": eng.Sending(),
	})
}

func sendMessage(c *gin.Context, eng *engine.Engine) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if eng.CurrentConversation() != id {
		c.JSON(http.StatusConflict, gin.H{"code": "not_open", "error": "conversation is not open"})
		return
	}
	var req struct {
		Content    string            `json:"content"`
		Attachment *model.Attachment `json:"attachment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := eng.Send(req.Content, req.Attachment)
	if err != nil {
		handleError(c, err)
		return
	}
	// 202: the send is staged, not confirmed. Confirmation arrives on the
	// push stream and is observable through GET messages.
	c.JSON(http.StatusAccepted, msg)
}

func loadOlderMessages(c *gin.Context, eng *engine.Engine) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if eng.CurrentConversation() != id {
		c.JSON(http.StatusConflict, gin.H{"code": "not_open", "error": "conversation is not open"})
		return
	}
	if err := eng.LoadOlderMessages(); err != nil {
		handleError(c, err)
		return
	}
	listMessages(c, eng)
}

func retryMessage(c *gin.Context, eng *engine.Engine) {
	if err := eng.Retry(c.Param("messageId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func setPinned(c *gin.Context, eng *engine.Engine, pinned bool) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	conv, err := eng.SetPinned(id, pinned)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func markRead(c *gin.Context, eng *engine.Engine) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	if err := eng.MarkRead(id); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func typing(c *gin.Context, eng *engine.Engine) {
	id, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": eng.TypingActive(id)})
}

func resume(c *gin.Context, eng *engine.Engine) {
	if err := eng.Resume(); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func status(c *gin.Context, eng *engine.Engine) {
	var transportErr *string
	if err := eng.LastTransportError(); err != nil {
		s := err.Error()
		transportErr = &s
	}
	c.JSON(http.StatusOK, gin.H{
		"sending":        eng.Sending(),
		"pending":        eng.PendingCount(),
		"suspended":      eng.Suspended(),
		"transportError": transportErr,
	})
}

func pathUUID(c *gin.Context, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(key))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid " + key})
		return uuid.Nil, false
	}
	return id, true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
