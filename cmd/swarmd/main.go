// Package main is the entry point of swarmd: the swarm daemon that owns
// the agent tree, the WebSocket gateway, the cron scheduler and the
// embedded MCP server in a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/config"
	"github.com/swarmdev/swarmd/internal/common/logger"

	"github.com/swarmdev/swarmd/internal/events"

	gateways "github.com/swarmdev/swarmd/internal/gateway/websocket"

	"github.com/swarmdev/swarmd/internal/cron"
	"github.com/swarmdev/swarmd/internal/mcpserver"
	"github.com/swarmdev/swarmd/internal/secrets"
	"github.com/swarmdev/swarmd/internal/swarm"
	"github.com/swarmdev/swarmd/internal/swarm/archetype"
	"github.com/swarmdev/swarmd/internal/swarm/archive"
	"github.com/swarmdev/swarmd/internal/swarm/session"
	"github.com/swarmdev/swarmd/internal/swarm/workdir"
	"github.com/swarmdev/swarmd/internal/tracing"
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
	logger.SetDefault(log)

	log.Info("Starting swarmd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory unless NATS is configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Data directory and secrets
	dataDir := cfg.Swarm.ExpandedDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err), zap.String("data_dir", dataDir))
	}

	// Secrets hydrate before any agent process spawns so children
	// inherit them.
	secretStore, err := secrets.NewStore(filepath.Join(dataDir, "secrets.json"), log)
	if err != nil {
		log.Fatal("Failed to load secrets", zap.Error(err))
	}

	// ============================================
	// SWARM MANAGER
	// ============================================
	log.Info("Initializing swarm manager...", zap.String("data_dir", dataDir))

	sessions, err := session.NewStore(cfg.Swarm.SessionsDir(), log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}

	archetypes := archetype.NewRegistry(log)
	if err := archetypes.LoadDefaults(); err != nil {
		log.Fatal("Failed to load archetype defaults", zap.Error(err))
	}
	if err := archetypes.LoadOverrides(filepath.Join(dataDir, "archetypes")); err != nil {
		log.Warn("Failed to load archetype overrides", zap.Error(err))
	}

	policy := workdir.NewPolicy(cfg.Swarm.WorkspaceRoots, log)

	manager := swarm.NewManager(swarm.Options{
		DataDir:          dataDir,
		PrimaryManagerID: cfg.Swarm.PrimaryManagerID,
		CodexBin:         cfg.Swarm.CodexBin,
		Model:            cfg.Swarm.Model,
		SandboxMode:      cfg.Swarm.SandboxMode,
		MemoryFile:       cfg.Swarm.MemoryFile,
		HistoryLimit:     cfg.Swarm.HistoryLimit,
	}, eventBus, sessions, archetypes, policy, log)

	// ============================================
	// CONVERSATION ARCHIVE
	// ============================================
	var archiveStore *archive.Archive
	if cfg.Archive.Enabled {
		archiveStore, err = archive.Open(cfg.ArchivePath(), log)
		if err != nil {
			log.Fatal("Failed to open conversation archive", zap.Error(err))
		}
		defer archiveStore.Close()
		manager.SetArchiver(archiveStore)
		log.Info("Conversation archive enabled", zap.String("path", cfg.ArchivePath()))
	}

	// ============================================
	// CRON SCHEDULER
	// ============================================
	var scheduler *cron.Scheduler
	if cfg.Cron.Enabled {
		cronStore, err := cron.NewStore(filepath.Join(dataDir, "schedules"), log)
		if err != nil {
			log.Fatal("Failed to initialize schedule store", zap.Error(err))
		}
		cronCfg := cron.DefaultConfig()
		if interval := cfg.Cron.PollIntervalDuration(); interval > 0 {
			cronCfg.PollInterval = interval
		}
		scheduler = cron.NewScheduler(cronStore, manager, eventBus, cronCfg, log)
		manager.SetScheduler(scheduler)
	}

	// Boot restores persisted agents; the primary manager must come up.
	if err := manager.Boot(ctx); err != nil {
		log.Fatal("Failed to boot swarm", zap.Error(err))
	}
	log.Info("Swarm booted", zap.Int("agents", len(manager.ListAgents())))

	if scheduler != nil {
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
		log.Info("Cron scheduler started")
	}

	// ============================================
	// MCP SERVER
	// ============================================
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpCfg := mcpserver.DefaultConfig()
		if cfg.MCP.Port != 0 {
			mcpCfg.Port = cfg.MCP.Port
		}
		deps := mcpserver.Deps{Manager: manager}
		if scheduler != nil {
			deps.Scheduler = scheduler
		}
		if archiveStore != nil {
			deps.Archive = archiveStore
		}
		_, cleanup, err := mcpserver.Provide(ctx, mcpCfg, deps, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
	}

	// ============================================
	// WEBSOCKET GATEWAY + HTTP SERVER
	// ============================================
	var gwScheduler swarm.Scheduler
	if scheduler != nil {
		gwScheduler = scheduler
	}
	var gwArchive gateways.ArchiveSearcher
	if archiveStore != nil {
		gwArchive = archiveStore
	}
	gateway := gateways.NewGateway(ctx, manager, gwScheduler, gwArchive, eventBus, log)
	go gateway.Hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)
	registerHTTPRoutes(router, manager, gwScheduler, secretStore)

	port := cfg.Server.Port
	if port == 0 {
		port = 8787
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("Server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down swarmd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	gateway.Close()

	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			log.Error("Scheduler stop error", zap.Error(err))
		}
	}

	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server stop error", zap.Error(err))
		}
	}

	// Agents get the configured grace window to terminate.
	agentCtx, agentCancel := context.WithTimeout(context.Background(), cfg.Swarm.ShutdownTimeoutDuration())
	manager.Shutdown(agentCtx)
	agentCancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("swarmd stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
