// Package server wires configuration, logging, metrics, the sync
// store, the workspace manager, and the API surfaces into one process.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/backend/internal/agent"
	apihttp "github.com/agentdeck/backend/internal/api/http"
	"github.com/agentdeck/backend/internal/api/middleware"
	"github.com/agentdeck/backend/internal/api/ws"
	"github.com/agentdeck/backend/internal/domain/session"
	syncstore "github.com/agentdeck/backend/internal/domain/sync"
	"github.com/agentdeck/backend/internal/domain/workspace"
	"github.com/agentdeck/backend/internal/infrastructure/config"
	"github.com/agentdeck/backend/internal/infrastructure/logging"
	"github.com/agentdeck/backend/internal/infrastructure/monitoring"
	"github.com/agentdeck/backend/internal/infrastructure/resilience"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router  *gin.Engine
	manager *workspace.Manager
	store   *syncstore.Store
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics

	vacuumCancel context.CancelFunc
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("Initializing workspace sync backend",
		zap.String("port", cfg.Server.Port),
		zap.Bool("sync_enabled", cfg.Sync.Enabled),
		zap.Bool("scripted_agent", cfg.Agent.Scripted),
	)

	metrics := monitoring.NewMetrics()

	allowlist, err := middleware.NewAllowlist(cfg.Workspace.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace allowlist: %w", err)
	}

	// Sync store is optional; without it the live path still runs, only
	// durability and catch-up are lost.
	var store *syncstore.Store
	if cfg.Sync.Enabled {
		store, err = syncstore.New(cfg.Sync.DBPath, cfg.Sync.ClientStaleness, logger.Named("sync"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sync store: %w", err)
		}
		store = store.WithMetrics(metrics)
		logger.Info("Sync store opened", zap.String("path", cfg.Sync.DBPath))
	}

	factory, err := buildFactory(cfg.Agent, logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	manager := workspace.NewManager(factory, workspace.Options{
		BufferCap:     cfg.Workspace.BufferCap,
		SnapshotEvery: cfg.Sync.SnapshotEvery,
	}, logger.Named("workspace")).WithMetrics(metrics)

	if store != nil {
		breaker := resilience.New("sync-store", resilience.Settings{
			Timeout: 30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("Sync breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		manager = manager.WithStore(store, breaker)
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(manager, store, allowlist, metrics)
	wsHandler := ws.NewHandler(manager, store, allowlist, logger.Named("ws"), metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	router.GET("/workspaces", handlers.ListWorkspaces)
	router.GET("/workspaces/active", handlers.ActiveWorkspaces)
	router.POST("/workspaces", handlers.OpenWorkspace)
	router.GET("/workspaces/:id", handlers.GetWorkspace)
	router.DELETE("/workspaces/:id", handlers.CloseWorkspace)
	router.GET("/workspaces/:id/slots", handlers.ListSlots)
	router.GET("/workspaces/:id/pending", handlers.PendingRequests)
	router.GET("/workspaces/:id/plan", handlers.CatchUpPlan)

	router.GET("/stream", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &Server{
		router:  router,
		manager: manager,
		store:   store,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}

	if store != nil && cfg.Sync.VacuumInterval > 0 {
		vacuumCtx, cancel := context.WithCancel(context.Background())
		srv.vacuumCancel = cancel
		go store.RunVacuumLoop(vacuumCtx, cfg.Sync.VacuumInterval, cfg.Sync.KeepDeltas, cfg.Sync.KeepSnapshots)
	}

	logger.Info("Server initialized successfully")
	return srv, nil
}

// buildFactory selects the agent session factory for the configured
// mode.
func buildFactory(cfg config.AgentConfig, logger *logging.Logger) (session.Factory, error) {
	if cfg.Scripted || cfg.APIKey == "" {
		if !cfg.Scripted {
			logger.Warn("No API key configured, using scripted agent sessions")
		}
		return agent.NewScriptedFactory(), nil
	}
	return agent.NewAnthropicFactory(cfg.APIKey, cfg.Model, logger.Named("agent"))
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close gracefully shuts down the server: workspaces first so their
// final events can still be mirrored, then the store.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if s.vacuumCancel != nil {
		s.vacuumCancel()
	}

	s.manager.Dispose()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close sync store", zap.Error(err))
			return fmt.Errorf("failed to close sync store: %w", err)
		}
		s.logger.Info("Closed sync store")
	}

	s.logger.Sync()
	return nil
}
