package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/opsdesk/inbox-service/internal/config"
	"github.com/opsdesk/inbox-service/internal/engine"
	"github.com/opsdesk/inbox-service/internal/metrics"
	"github.com/opsdesk/inbox-service/internal/plugin/route/inbox"
	routesystem "github.com/opsdesk/inbox-service/internal/plugin/route/system"
	registryroute "github.com/opsdesk/inbox-service/internal/registry/route"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

// Server holds the running service and its subsystems.
type Server struct {
	Config *config.Config
	Engine *engine.Engine
	Router *gin.Engine
	Port   int

	httpServer *http.Server
}

// Shutdown gracefully stops the HTTP server and the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.Engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// StartServer initializes the store, transport, and engine, then starts
// the HTTP API. Use cfg.Port=0 for a random port; the actual port is in
// Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting inbox service",
		"port", cfg.Port,
		"store", cfg.StoreType,
		"transport", cfg.TransportType,
		"scope_id", cfg.ScopeID,
	)

	metrics.Init()

	storeLoader, err := registrystore.Select(cfg.StoreType)
	if err != nil {
		return nil, err
	}
	st, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	transportLoader, err := registrytransport.Select(cfg.TransportType)
	if err != nil {
		return nil, err
	}
	tr, err := transportLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}

	eng, err := engine.New(cfg, st, tr)
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	inbox.MountRoutes(router, eng)

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	routesystem.MarkReady()
	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Inbox service ready", "port", port)

	return &Server{
		Config:     cfg,
		Engine:     eng,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
	}, nil
}
