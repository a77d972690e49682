// Package redis provides the production transport: push events arrive on
// redis pub/sub channels the platform backend publishes to, while send and
// page-fetch calls go to the backend's HTTP API.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"

	"github.com/opsdesk/inbox-service/internal/config"
	"github.com/opsdesk/inbox-service/internal/model"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrytransport.Register(registrytransport.Plugin{
		Name: "redis",
		Loader: func(ctx context.Context) (registrytransport.Transport, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.RedisURL == "" {
				return nil, fmt.Errorf("redis transport: INBOX_SERVICE_REDIS_URL is required")
			}
			if cfg.BackendURL == "" {
				return nil, fmt.Errorf("redis transport: INBOX_SERVICE_BACKEND_URL is required")
			}
			buffer := 64
			if cfg.TransportBuffer > 0 {
				buffer = cfg.TransportBuffer
			}
			return LoadFromURL(ctx, cfg.RedisURL, cfg.BackendURL, buffer)
		},
	})
}

// LoadFromURL creates a Transport from a Redis-compatible URL and the
// platform backend base URL.
func LoadFromURL(ctx context.Context, redisURL, backendURL string, buffer int) (*Transport, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis transport: ping failed: %w", err)
	}
	return &Transport{
		client:     client,
		backendURL: backendURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		buffer:     buffer,
	}, nil
}

// Transport implements the transport seam over redis pub/sub and the
// backend HTTP API.
type Transport struct {
	client     *goredis.Client
	backendURL string
	httpClient *http.Client
	buffer     int
}

// ChannelName is the pub/sub channel the backend publishes a scope's
// events to.
func ChannelName(scope registrytransport.Scope) string {
	if scope.IsConversation() {
		return "inbox:conv:" + scope.ConversationID.String()
	}
	return "inbox:scope:" + scope.ScopeID.String()
}

type subscription struct {
	pubsub *goredis.PubSub
	scope  registrytransport.Scope
	events chan registrytransport.ChangeEvent
	once   sync.Once

	mu     sync.Mutex
	closed bool
	err    error
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
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		// Closing the PubSub ends the Channel() stream, which ends the
		// forwarding goroutine and closes the events channel.
		_ = s.pubsub.Close()
	})
}

// finish classifies the end of the pub/sub stream. Local teardown, either
// Unsubscribe or a canceled context, leaves Err nil; anything else is a
// channel failure recorded for the coordinator to recover from.
func (s *subscription) finish(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return
	}
	s.err = &registrytransport.TransportError{
		Scope: s.scope.String(),
		Err:   fmt.Errorf("pub/sub stream closed"),
	}
}

// Subscribe opens a pub/sub channel for the scope. Events published by the
// backend are JSON ChangeEvent envelopes.
func (t *Transport) Subscribe(ctx context.Context, scope registrytransport.Scope) (registrytransport.Subscription, error) {
	channel := ChannelName(scope)
	pubsub := t.client.Subscribe(ctx, channel)
	// Confirm the subscription before handing it out, so a broken
	// connection fails Subscribe rather than silently delivering nothing.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, &registrytransport.TransportError{Scope: scope.String(), Err: err}
	}
	sub := &subscription{
		pubsub: pubsub,
		scope:  scope,
		events: make(chan registrytransport.ChangeEvent, t.buffer),
	}
	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var event registrytransport.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn("redis transport: dropping malformed event", "channel", channel, "err", err)
				continue
			}
			sub.events <- event
		}
		sub.finish(ctx)
	}()
	return sub, nil
}

// Send submits the message to the backend. The synchronous echo is
// returned but never treated as confirmation; the authoritative INSERT
// arrives on the pub/sub channel.
func (t *Transport) Send(ctx context.Context, req registrytransport.SendRequest) (model.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.Message{}, fmt.Errorf("redis transport: encode send: %w", err)
	}
	url := fmt.Sprintf("%s/v1/conversations/%s/messages", t.backendURL, req.ConversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.Message{}, fmt.Errorf("redis transport: build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return model.Message{}, &registrytransport.SendFailure{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return model.Message{}, &registrytransport.SendFailure{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}
	var row model.MessageRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return model.Message{}, fmt.Errorf("redis transport: decode send response: %w", err)
	}
	return row.Normalize(), nil
}

// FetchPage returns one page of message history from the backend, oldest
// to newest. HasMore is derived from the page being completely full.
func (t *Transport) FetchPage(ctx context.Context, req registrytransport.PageRequest) (registrytransport.Page, error) {
	url := fmt.Sprintf("%s/v1/conversations/%s/messages?offset=%d&limit=%d",
		t.backendURL, req.ConversationID, req.Offset, req.Limit)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return registrytransport.Page{}, fmt.Errorf("redis transport: build page request: %w", err)
	}
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return registrytransport.Page{}, fmt.Errorf("redis transport: fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return registrytransport.Page{}, fmt.Errorf("redis transport: fetch page status %d: %s",
			resp.StatusCode, bytes.TrimSpace(data))
	}
	var rows []model.MessageRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return registrytransport.Page{}, fmt.Errorf("redis transport: decode page: %w", err)
	}
	return registrytransport.Page{
		Records: rows,
		HasMore: len(rows) == req.Limit,
	}, nil
}

// FetchConversations returns one page of the scope's conversation list
// from the backend, most recent first.
func (t *Transport) FetchConversations(ctx context.Context, req registrytransport.ConversationPageRequest) (registrytransport.ConversationPage, error) {
	url := fmt.Sprintf("%s/v1/scopes/%s/conversations?offset=%d&limit=%d",
		t.backendURL, req.ScopeID, req.Offset, req.Limit)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return registrytransport.ConversationPage{}, fmt.Errorf("redis transport: build conversations request: %w", err)
	}
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return registrytransport.ConversationPage{}, fmt.Errorf("redis transport: fetch conversations: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return registrytransport.ConversationPage{}, fmt.Errorf("redis transport: fetch conversations status %d: %s",
			resp.StatusCode, bytes.TrimSpace(data))
	}
	var rows []model.ConversationRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return registrytransport.ConversationPage{}, fmt.Errorf("redis transport: decode conversations: %w", err)
	}
	return registrytransport.ConversationPage{
		Records: rows,
		HasMore: len(rows) == req.Limit,
	}, nil
}
