// Package main is the entry point for the taskstream server.
// The single binary runs the task lifecycle service, the attachment
// store, and the embedded MCP server with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/attachments"
	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/httpmw"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/internal/common/tracing"
	"github.com/taskstream/taskstream/internal/events"
	"github.com/taskstream/taskstream/internal/events/bus"
	"github.com/taskstream/taskstream/internal/mcpserver"
	"github.com/taskstream/taskstream/internal/runner"
	"github.com/taskstream/taskstream/internal/task/handlers"
	"github.com/taskstream/taskstream/internal/task/service"
	"github.com/taskstream/taskstream/internal/task/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting taskstream...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Initialize persistence
	eventLog, err := store.NewEventLog(cfg.Storage.EventsDir, log)
	if err != nil {
		log.Fatal("Failed to initialize event log",
			zap.Error(err),
			zap.String("dir", cfg.Storage.EventsDir))
	}
	snapshots := store.NewSnapshotStore(cfg.Storage.TasksFile, cfg.Tasks.SaveDebounce(), log)

	// 6. Runner pool and execution engine
	pool := runner.NewPool(&cfg.Runner, log)
	pool.Start(ctx)

	// Runners reach the embedded MCP server over localhost. The URL is
	// derived from config rather than the server instance because the
	// engine must exist before the service the MCP tools call into.
	mcpURL := ""
	if cfg.MCP.Enabled {
		mcpURL = fmt.Sprintf("http://localhost:%d/mcp", cfg.MCP.Port)
	}
	engine := runner.NewAdapter(pool, mcpURL, log)

	// 7. Task service
	svc := service.NewService(&cfg.Tasks, eventLog, snapshots, engine, eventBus, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start task service", zap.Error(err))
	}
	log.Info("Task service started")

	// 8. Embedded MCP server (agents connect back during execution)
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpSrv, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, svc, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
		log.Info("MCP server started",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	// 9. Count and trace lifecycle events published on the bus
	_, err = eventBus.Subscribe(events.TaskWildcard, func(ctx context.Context, event *bus.Event) error {
		metrics.LifecycleEvents.WithLabelValues(event.Type).Inc()
		log.Debug("Task lifecycle event", zap.String("type", event.Type), zap.Any("data", event.Data))
		return nil
	})
	if err != nil {
		log.Error("Failed to subscribe to lifecycle events", zap.Error(err))
	}

	// 10. Attachment store
	attachmentSvc, err := attachments.NewService(&cfg.Attachments, log)
	if err != nil {
		log.Fatal("Failed to initialize attachment store", zap.Error(err))
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	guard := &httpmw.ShutdownGuard{}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(guard.Middleware())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "taskstream"))
	router.Use(httpmw.Metrics())
	router.Use(httpmw.OtelTracing("taskstream"))
	if !cfg.Auth.Disabled {
		router.Use(httpmw.BearerAuth(cfg.Auth.Token, "/health", "/metrics"))
	}

	// POST /shutdown and OS signals share one channel so both paths run
	// the same ordered teardown below.
	quit := make(chan os.Signal, 1)
	requestShutdown := func() {
		guard.Trip()
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	}

	handlers.RegisterTaskRoutes(router, svc, log)
	handlers.RegisterSystemRoutes(router, svc, requestShutdown, log)
	attachments.RegisterRoutes(router, attachmentSvc, log)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("execute", "/execute"),
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	guard.Trip()

	log.Info("Shutting down taskstream...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("Task service shutdown error", zap.Error(err))
	}

	pool.Shutdown()

	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server stop error", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("taskstream stopped")
}

// corsMiddleware returns a permissive CORS middleware. Streaming
// clients are typically local tools, not browsers, but the preflight
// still has to succeed when one is.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Last-Event-ID")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
