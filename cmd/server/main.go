package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/config"
	"github.com/nathanyu/matching-engine/internal/eventlog"
	"github.com/nathanyu/matching-engine/internal/gateway"
	"github.com/nathanyu/matching-engine/internal/handler"
	"github.com/nathanyu/matching-engine/internal/logging"
	"github.com/nathanyu/matching-engine/internal/matching"
	"github.com/nathanyu/matching-engine/internal/metrics"
	"github.com/nathanyu/matching-engine/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting matching engine",
		zap.Int("port", cfg.Port),
		zap.Int("arena_capacity", cfg.ArenaCapacity),
		zap.Bool("replay_mode", cfg.ReplayMode))

	// --- Core components ---

	engine := matching.NewEngine(cfg.ArenaCapacity, log.Named("engine"))

	events, err := eventlog.Open(cfg.DataDir, log.Named("eventlog"))
	if err != nil {
		log.Fatal("failed to open event log", zap.Error(err))
	}

	gw := gateway.New(engine, events, cfg.SnapshotDepth, cfg.BufferSize, log.Named("gateway"))

	// Replay must finish before any connection is accepted so live
	// traffic observes the recovered state.
	if cfg.ReplayMode {
		n, err := gw.Replay(events.Path())
		if err != nil {
			log.Fatal("event log replay failed", zap.Error(err))
		}
		log.Info("replay complete", zap.Int("records", n))
	}

	gw.Start()

	srv := server.New(gw, cfg.BufferSize, log.Named("server"))
	if err := srv.Listen(cfg.Port); err != nil {
		log.Fatal("failed to bind", zap.Error(err))
	}
	go srv.Serve()

	// --- Admin HTTP server ---

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(log.Named("http"), time.RFC3339, false))
	r.Use(ginzap.RecoveryWithZap(log.Named("http"), true))
	r.Use(metrics.PrometheusMiddleware())
	handler.NewHandler(gw).RegisterRoutes(r)

	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: r,
	}
	go func() {
		log.Info("admin server listening", zap.Int("port", cfg.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server error", zap.Error(err))
		}
	}()

	// --- Metrics server ---

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		log.Info("metrics server listening", zap.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Shutdown()
	gw.Stop()
	if err := events.Close(); err != nil {
		log.Warn("event log close failed", zap.Error(err))
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		log.Warn("admin server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}

	log.Info("matching engine stopped")
}
