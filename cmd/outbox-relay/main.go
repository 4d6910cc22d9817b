// Package main relays the event outbox to Redpanda. Reminder and push
// subscription events are written to the outbox by the reminder service and
// the registry API; this process publishes them to their topics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/config"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/internal/observability/logging"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
	"github.com/drfirst/go-medremind/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		logger.Fatal("redpanda unreachable", zap.Error(err))
	}
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	err = admin.EnsureTopics(ctx, int16(cfg.TopicReplication))
	admin.Close()
	if err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	outbox.Start()
	logger.Info("outbox relay started", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(nil)
	if cfg.MetricsEnabled {
		server := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer server.Close()
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			outbox.Stop()
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("failed to read outbox stats", zap.Error(err))
				continue
			}
			m.Outbox(stats.Pending, stats.Failing)
			if stats.Failing > 0 {
				logger.Warn("outbox entries failing", zap.Int64("failing", stats.Failing), zap.Int64("pending", stats.Pending))
			}
		}
	}
}
