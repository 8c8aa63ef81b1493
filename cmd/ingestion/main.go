// Command ingestion starts the post ingestion HTTP service.
//
// The service accepts new posts via POST /api/v1/posts and likes/unlikes via
// POST /api/v1/posts/{id}/like and /unlike, validates them, and publishes
// them to Kafka for the consumer to batch into MongoDB. Health endpoints are
// served at GET /health/live and GET /health/ready.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/router"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// main loads configuration, creates the Kafka producer, wires up the
// ingestion routes, and starts the HTTP server. Graceful shutdown is
// triggered by SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup("ingestion", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion service", "port", cfg.Server.Port)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer("metrics", cfg.Metrics.Port, metrics.Mount)
		defer shutdownMetrics(context.Background())
	}

	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()
	slog.Info("kafka producer initialized", "brokers", cfg.Kafka.Brokers)

	pub := publisher.New(producer, publisher.ConfigFrom(cfg), m)

	checker := health.NewChecker()
	checker.RegisterPing("kafka", producer.Ping)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
		defer limiter.Stop()
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.New(router.Options{
			Handler:        handler.New(pub),
			Health:         checker,
			Limiter:        limiter,
			Metrics:        m,
			RequestTimeout: cfg.Server.WriteTimeout,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}
