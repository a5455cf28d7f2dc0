package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/config"
	"github.com/matheusmosca/atp-ledger/internal/federation"
	"github.com/matheusmosca/atp-ledger/internal/httpapi"
	"github.com/matheusmosca/atp-ledger/internal/logging"
	"github.com/matheusmosca/atp-ledger/internal/telemetry"
)

func main() {
	cfg, err := config.LoadNode()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format).With(zap.String("node_id", cfg.NodeID))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Error shutting down telemetry", zap.Error(err))
		}
	}()

	maxAmount, err := (config.FederationConfig{MaxAmount: cfg.MaxAmount}).MaxTransfer()
	if err != nil {
		logger.Fatal("invalid max amount", zap.Error(err))
	}

	node := federation.NewNode(federation.NodeConfig{
		NodeID:       cfg.NodeID,
		Currencies:   cfg.Currencies,
		MaxAmount:    maxAmount,
		ReplayWindow: cfg.ReplayWindow,
	}, logger)

	r := gin.New()
	r.Use(httpapi.Recovery(logger))
	r.Use(otelgin.Middleware("validator-node"))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "validator-node",
			"node_id": cfg.NodeID,
		})
	})
	federation.RegisterRoutes(r, node, logger)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("🚀 Validator node listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("✅ validator node stopped")
}
