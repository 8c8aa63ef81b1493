// Command consumer runs the batching consumer runtime. It reads
// create-posts and like-dislike-events from Kafka, batches them in memory,
// and flushes them to MongoDB on a size or time trigger.
//
// The process exits non-zero when it cannot reach its dependencies at
// startup or when the runtime stops on an unrecoverable error.
//
// Usage:
//
//	go run ./cmd/consumer [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/consumer"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/deadletter"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/dedup"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/flush"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/store/mongostore"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/mongodb"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
)

const startupTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup("consumer", cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("consumer service stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting consumer service",
		"group", cfg.Kafka.ConsumerGroup,
		"commit_mode", cfg.Pipeline.CommitMode,
		"post_batch_size", cfg.Pipeline.PostBatchSize,
		"flush_interval", cfg.Pipeline.FlushInterval,
	)
	m := metrics.New(prometheus.DefaultRegisterer)

	mdb, err := mongodb.New(cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connecting to mongodb: %w", err)
	}
	defer mdb.Close()
	st := mongostore.New(mdb)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	admin := kafka.NewAdmin(cfg.Kafka)
	if err := admin.Ping(startCtx); err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}
	for _, topic := range []string{cfg.Kafka.Topics.CreatePosts, cfg.Kafka.Topics.Engagement} {
		if err := admin.EnsureTopic(startCtx, topic); err != nil {
			return fmt.Errorf("ensuring topic %s: %w", topic, err)
		}
	}

	var deduper dedup.Deduper = dedup.Nop{}
	checker := health.NewChecker()
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rc.Close()
		deduper = dedup.NewRedis(rc, "", cfg.Pipeline.DedupTTL)
		checker.RegisterPing("redis", rc.Ping)
		slog.Info("redis post dedup enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Pipeline.DedupTTL)
	}

	var dead deadletter.Recorder = deadletter.Discard{}
	if cfg.DeadLetter.Enabled {
		db, err := postgres.New(startCtx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		store, err := deadletter.NewStore(startCtx, db)
		if err != nil {
			return err
		}
		dead = store
		checker.RegisterPing("postgres", db.Ping)
		slog.Info("dead-letter store enabled", "host", cfg.Postgres.Host)
	}

	engine := flush.NewEngine(st, deduper, m, flush.Config{Concurrency: cfg.Pipeline.UpdateConcurrency})
	rt := consumer.New(consumer.ConfigFrom(cfg), engine, consumer.KafkaSubscriber(cfg.Kafka), dead, m)

	checker.RegisterFlag("runtime", rt.Ready, "consumer runtime not running")
	checker.RegisterPing("mongodb", st.Ping)
	checker.RegisterPing("kafka", admin.Ping)
	defer startAdminServers(cfg, checker)(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("consumer service ready",
		"topics", []string{cfg.Kafka.Topics.CreatePosts, cfg.Kafka.Topics.Engagement},
	)
	if err := rt.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return errors.New("consumer runtime exited without a shutdown signal")
	}
	return nil
}

// startAdminServers serves probes on the health port and the scrape endpoint
// on the metrics port, sharing one listener when the ports match.
func startAdminServers(cfg *config.Config, checker *health.Checker) (shutdown func(context.Context)) {
	var stops []func(context.Context) error
	switch {
	case !cfg.Metrics.Enabled:
		stops = append(stops, metrics.StartServer("health", cfg.Pipeline.HealthPort, checker.Mount))
	case cfg.Metrics.Port == cfg.Pipeline.HealthPort:
		stops = append(stops, metrics.StartServer("admin", cfg.Metrics.Port, checker.Mount, metrics.Mount))
	default:
		stops = append(stops,
			metrics.StartServer("health", cfg.Pipeline.HealthPort, checker.Mount),
			metrics.StartServer("metrics", cfg.Metrics.Port, metrics.Mount),
		)
	}
	return func(ctx context.Context) {
		for _, stop := range stops {
			if err := stop(ctx); err != nil {
				slog.Warn("admin server shutdown", "error", err)
			}
		}
	}
}
