package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the inbox service.
type Config struct {
	// Store backend type: "memory" or "sqlite".
	StoreType string

	// SQLite database path when StoreType is "sqlite".
	SQLitePath string

	// Transport backend type: "redis" or "memory".
	TransportType string

	// Redis connection URL for the push subscription channels.
	RedisURL string

	// Platform backend base URL for send and page-fetch calls.
	BackendURL string

	// ScopeID is the owning scope (e.g. an agent) whose conversation
	// list the engine subscribes to at startup.
	ScopeID string

	// SendTimeout is the reconciliation deadline for a pending send. A
	// send that no authoritative event confirms within this window is
	// failed with reason=timeout.
	SendTimeout time.Duration

	// MatchWindow bounds the content+time fallback match: an inbound
	// event without a correlation id only matches a pending entry whose
	// creation time is within this window of the event's timestamp.
	MatchWindow time.Duration

	// TypingTTL is how long a counterpart-typing indicator stays lit
	// without a refresh signal.
	TypingTTL time.Duration

	// EventQueueSize bounds the ingest queue between the subscription
	// goroutines and the single-consumer reconciliation loop.
	EventQueueSize int

	// TransportBuffer is the per-subscription channel buffer between the
	// transport and the ingest queue.
	TransportBuffer int

	// PageLimit is the default page size for message history and
	// conversation list fetches.
	PageLimit int

	// MaxContentLength is the maximum message content length in runes.
	MaxContentLength int

	// MaxAttachmentSize is the maximum attachment size in bytes.
	MaxAttachmentSize int64

	// HTTP listener for the local dashboard API.
	Port              int
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns the built-in defaults. Flag and environment
// sources applied by the serve command override these.
func DefaultConfig() Config {
	return Config{
		StoreType:         "memory",
		TransportType:     "redis",
		TransportBuffer:   64,
		SendTimeout:       30 * time.Second,
		MatchWindow:       5 * time.Second,
		TypingTTL:         3 * time.Second,
		EventQueueSize:    256,
		PageLimit:         30,
		MaxContentLength:  4000,
		MaxAttachmentSize: 25 * 1024 * 1024, // 25 MB
		Port:              8070,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
