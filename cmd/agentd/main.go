package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibedev/agentd/internal/api"
	"github.com/vibedev/agentd/internal/common/config"
	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/common/tracing"
	"github.com/vibedev/agentd/internal/events/bus"
	"github.com/vibedev/agentd/internal/runtime"
	"github.com/vibedev/agentd/internal/session"
	"github.com/vibedev/agentd/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting agentd service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the session store. Postgres when configured, in-memory otherwise.
	var sessionStore store.SessionStore
	if cfg.Database.Host != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		sessionStore = pg
		log.Info("Connected to Postgres session store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
	} else {
		sessionStore = store.NewMemoryStore()
		log.Info("Using in-memory session store")
	}
	defer sessionStore.Close()

	// 6. Initialize the agent runtime client
	runtimeClient := runtime.NewHTTPClient(
		cfg.Runtime.BaseURL,
		cfg.Runtime.Token,
		cfg.Runtime.RequestTimeoutDuration(),
		log,
	)
	log.Info("Initialized agent runtime client", zap.String("base_url", cfg.Runtime.BaseURL))

	// 7. Initialize the session manager
	manager := session.NewManager(session.Config{
		MaxConcurrent:        cfg.Session.MaxConcurrent,
		Timeout:              cfg.Session.TimeoutDuration(),
		HeartbeatInterval:    cfg.Session.HeartbeatDuration(),
		EventBufferSize:      cfg.Session.EventBufferSize,
		RecoveryPollInterval: cfg.Session.RecoveryPollDuration(),
	}, sessionStore, runtimeClient, eventBus, log)

	// 8. Recover persisted sessions before accepting traffic
	if err := manager.Recover(ctx); err != nil {
		log.Fatal("Failed to recover sessions", zap.Error(err))
	}
	log.Info("Session recovery complete", zap.Int("sessions", manager.Registry().Len()))

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(manager, cfg.Workspace.Dir, log)

	// No WriteTimeout: event streams hold the response open for the life of
	// a session.
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	// 10. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentd service...")

	// 12. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new connections first, then settle sessions so attached
	// streams observe their terminal events before the process exits.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentd service stopped")
}
