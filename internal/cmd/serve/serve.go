package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/opsdesk/inbox-service/internal/config"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"

	// Import all plugins to trigger init() registration
	_ "github.com/opsdesk/inbox-service/internal/plugin/route/system"
	_ "github.com/opsdesk/inbox-service/internal/plugin/store/memory"
	_ "github.com/opsdesk/inbox-service/internal/plugin/store/sqlite"
	_ "github.com/opsdesk/inbox-service/internal/plugin/transport/memory"
	_ "github.com/opsdesk/inbox-service/internal/plugin/transport/redis"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var sendTimeoutSecs = int(cfg.SendTimeout / time.Second)
	var matchWindowSecs = int(cfg.MatchWindow / time.Second)
	var typingTTLSecs = int(cfg.TypingTTL / time.Second)
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the inbox service",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &sendTimeoutSecs, &matchWindowSecs, &typingTTLSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.SendTimeout = time.Duration(sendTimeoutSecs) * time.Second
			cfg.MatchWindow = time.Duration(matchWindowSecs) * time.Second
			cfg.TypingTTL = time.Duration(typingTTLSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs, sendTimeoutSecs, matchWindowSecs, typingTTLSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("INBOX_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},

		// ── Store ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "store-kind",
			Category:    "Store:",
			Sources:     cli.EnvVars("INBOX_SERVICE_STORE_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Local store backend (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Category:    "Store:",
			Sources:     cli.EnvVars("INBOX_SERVICE_SQLITE_PATH"),
			Destination: &cfg.SQLitePath,
			Usage:       "SQLite database path when --store-kind=sqlite",
		},

		// ── Transport ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "transport-kind",
			Category:    "Transport:",
			Sources:     cli.EnvVars("INBOX_SERVICE_TRANSPORT_KIND"),
			Destination: &cfg.TransportType,
			Value:       cfg.TransportType,
			Usage:       "Push transport backend (" + strings.Join(registrytransport.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Transport:",
			Sources:     cli.EnvVars("INBOX_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the push channels",
		},
		&cli.StringFlag{
			Name:        "backend-url",
			Category:    "Transport:",
			Sources:     cli.EnvVars("INBOX_SERVICE_BACKEND_URL"),
			Destination: &cfg.BackendURL,
			Usage:       "Platform backend base URL for send and page-fetch calls",
		},
		&cli.StringFlag{
			Name:        "scope-id",
			Category:    "Transport:",
			Sources:     cli.EnvVars("INBOX_SERVICE_SCOPE_ID"),
			Destination: &cfg.ScopeID,
			Usage:       "Owning scope id whose conversation list is subscribed",
			Required:    true,
		},

		// ── Engine ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "send-timeout-seconds",
			Category:    "Engine:",
			Sources:     cli.EnvVars("INBOX_SERVICE_SEND_TIMEOUT_SECONDS"),
			Destination: sendTimeoutSecs,
			Value:       *sendTimeoutSecs,
			Usage:       "Reconciliation deadline for a pending send",
		},
		&cli.IntFlag{
			Name:        "match-window-seconds",
			Category:    "Engine:",
			Sources:     cli.EnvVars("INBOX_SERVICE_MATCH_WINDOW_SECONDS"),
			Destination: matchWindowSecs,
			Value:       *matchWindowSecs,
			Usage:       "Time window for the content-based fallback match",
		},
		&cli.IntFlag{
			Name:        "typing-ttl-seconds",
			Category:    "Engine:",
			Sources:     cli.EnvVars("INBOX_SERVICE_TYPING_TTL_SECONDS"),
			Destination: typingTTLSecs,
			Value:       *typingTTLSecs,
			Usage:       "How long a typing indicator stays lit without a refresh",
		},
		&cli.IntFlag{
			Name:        "event-queue-size",
			Category:    "Engine:",
			Sources:     cli.EnvVars("INBOX_SERVICE_EVENT_QUEUE_SIZE"),
			Destination: &cfg.EventQueueSize,
			Value:       cfg.EventQueueSize,
			Usage:       "Bounded ingest queue size between transport and engine",
		},
		&cli.IntFlag{
			Name:        "page-limit",
			Category:    "Engine:",
			Sources:     cli.EnvVars("INBOX_SERVICE_PAGE_LIMIT"),
			Destination: &cfg.PageLimit,
			Value:       cfg.PageLimit,
			Usage:       "Records per history and conversation-list page",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
