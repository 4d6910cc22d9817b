// Package main provides the notification relay entry point.
// Consumes queued email and SMS reminders and hands them to the providers.
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

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/config"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/internal/notify"
	"github.com/drfirst/go-medremind/internal/observability/logging"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
	"github.com/drfirst/go-medremind/internal/observability/tracing"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
	"github.com/drfirst/go-medremind/pkg/workerpool"
)

const serviceName = "notification-relay"

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, int16(cfg.TopicReplication)); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	providers := cfg.Providers()
	email, err := notify.NewEmailSender(ctx, providers, logger)
	if err != nil {
		logger.Fatal("email provider setup failed", zap.Error(err))
	}
	sms, err := notify.NewSMSSender(providers, logger)
	if err != nil {
		logger.Fatal("sms provider setup failed", zap.Error(err))
	}

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.IsSuccessful = notify.BreakerSuccess
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.BreakerState(name, string(to))
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)

	relayCfg := notify.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := notify.NewRelay(relayCfg,
		notify.NewDirectGateway(email, sms, breakers, logger),
		notify.NewRedisDeduper(rdb, 0),
		producer,
		m,
		logger,
	)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Name = "relay"
	poolCfg.Workers = cfg.RelayWorkers
	poolCfg.QueueSize = cfg.RelayWorkers * 4

	workerPool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		err := relay.Handle(ctx, task.Payload.([]byte))
		return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err}
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.Topics = []string{redpanda.TopicNotificationsOutbound}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		result, err := workerPool.SubmitWait(ctx, &workerpool.Task{
			ID:      string(msg.Key),
			Payload: msg.Value,
			Context: ctx,
		})
		if err != nil {
			return err
		}
		return result.Error
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("notification relay started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.Int("workers", poolCfg.Workers))

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"%s"}`, serviceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !workerPool.IsHealthy() {
			http.Error(w, "worker pool unhealthy", http.StatusServiceUnavailable)
			return
		}
		lag, err := admin.GroupLag(r.Context(), consumerCfg.GroupID)
		if err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ready","lag":%d}`, lag[redpanda.TopicNotificationsOutbound])
	})
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	if err := workerPool.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("notification relay stopped")
}
