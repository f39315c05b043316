// Package main is the entry point for the VectorMesh control plane. One
// binary runs the workflow service, execution orchestrator, admission
// controller, activity dispatcher, and the remote-agent gateway.
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

	"github.com/vectormesh/vectormesh/internal/admission"
	"github.com/vectormesh/vectormesh/internal/api"
	"github.com/vectormesh/vectormesh/internal/common/config"
	"github.com/vectormesh/vectormesh/internal/common/database"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	"github.com/vectormesh/vectormesh/internal/dispatcher"
	"github.com/vectormesh/vectormesh/internal/events"
	"github.com/vectormesh/vectormesh/internal/gateway"
	"github.com/vectormesh/vectormesh/internal/orchestrator"
	"github.com/vectormesh/vectormesh/internal/store"
	"github.com/vectormesh/vectormesh/internal/workflow/service"
	"github.com/vectormesh/vectormesh/internal/workflow/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting VectorMesh control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialise event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Persistence: embedded SQLite unless a postgres host is configured.
	var st store.Store
	if cfg.Database.UseSQLite() {
		path := cfg.Database.SQLitePath
		if path == "" {
			path = "./vectormesh.db"
		}
		sqlite, err := store.NewSQLite(path)
		if err != nil {
			log.Fatal("Failed to open SQLite store", zap.Error(err), zap.String("path", path))
		}
		defer sqlite.Close()
		st = sqlite
		log.Info("SQLite store initialised", zap.String("path", path))
	} else {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		pg, err := store.NewPostgres(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialise postgres store", zap.Error(err))
		}
		st = pg
		log.Info("Postgres store initialised", zap.String("host", cfg.Database.Host))
	}

	// Remote-agent gateway with its heartbeat and retry sweepers.
	gw := gateway.New(st, eventBus, cfg.Gateway, log)
	go gw.Run(ctx)

	// Tiered admission control with per-tier worker pools.
	ctrl := admission.New(cfg.Admission, eventBus, log)
	go ctrl.Run(ctx)

	// Activity dispatcher: JS sandbox, postgres connector driver, and the
	// gateway for mini-connector commands.
	driver := dispatcher.NewPgxDriver(log)
	defer driver.Close()
	disp := dispatcher.New(st, dispatcher.NewJSSandbox(), driver, gw,
		cfg.Sandbox.TimeoutDuration(), cfg.Gateway.ResponseTimeoutDuration(), log)

	orch := orchestrator.New(st, disp, eventBus, log)
	trigger := orchestrator.NewTrigger(st, orch, ctrl, log)
	workflows := service.New(st, validator.New(st, log), log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api.RegisterRoutes(router, api.NewHandlers(workflows, trigger, orch, st, ctrl, gw, log), log)

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

	go func() {
		log.Info("Control plane listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("agents", "/api/v1/agents/ws"),
		zap.String("health", "/healthz"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Control plane stopped")
}

// corsMiddleware allows browser consoles to talk to the control plane.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Tenant-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
