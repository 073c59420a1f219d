package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harborgrid/poolcore/internal/config"
	"github.com/harborgrid/poolcore/internal/pool"
	"github.com/harborgrid/poolcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pool configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	loader := config.NewLoader(*configPath, zapLogger)
	cfg, err := loader.Load()
	if err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}
	defer loader.Close()

	registry, err := pool.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to initialize pool registry", zap.Error(err))
	}

	if err := loader.WatchQuotas(registry.ApplyQuotas); err != nil {
		zapLogger.Warn("quota hot-reload disabled", zap.Error(err))
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

		go func() {
			zapLogger.Info("metrics endpoint listening",
				zap.String("addr", cfg.Metrics.Addr), zap.String("path", cfg.Metrics.Path))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zapLogger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zapLogger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			zapLogger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}
	if err := registry.Shutdown(ctx); err != nil {
		zapLogger.Error("registry shutdown reported errors", zap.Error(err))
	}
}
