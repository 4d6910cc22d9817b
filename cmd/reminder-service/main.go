// Package main provides the reminder service entry point. It runs one reminder
// session per connected patient and serves the browser websocket and the
// preferences API.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/api/handlers"
	"github.com/drfirst/go-medremind/internal/api/middleware"
	"github.com/drfirst/go-medremind/internal/browser"
	"github.com/drfirst/go-medremind/internal/codec"
	"github.com/drfirst/go-medremind/internal/config"
	"github.com/drfirst/go-medremind/internal/dispatch"
	"github.com/drfirst/go-medremind/internal/infrastructure/postgres"
	"github.com/drfirst/go-medremind/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medremind/internal/notify"
	"github.com/drfirst/go-medremind/internal/observability/logging"
	"github.com/drfirst/go-medremind/internal/observability/metrics"
	"github.com/drfirst/go-medremind/internal/observability/tracing"
	"github.com/drfirst/go-medremind/internal/preferences"
	"github.com/drfirst/go-medremind/internal/prescriptions"
	"github.com/drfirst/go-medremind/internal/schedule"
	"github.com/drfirst/go-medremind/internal/session"
	"github.com/drfirst/go-medremind/internal/subscription"
	"github.com/drfirst/go-medremind/pkg/circuitbreaker"
)

const serviceName = "reminder-service"

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	m := metrics.New(nil)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.Error(err))
	}

	signer, err := codec.NewSigner([]byte(cfg.TokenSecret), nil)
	if err != nil {
		logger.Fatal("failed to create token signer", zap.Error(err))
	}

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.IsSuccessful = notify.BreakerSuccess
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.BreakerState(name, string(to))
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)

	gateway, closeGateway, err := newGateway(ctx, cfg, breakers, logger)
	if err != nil {
		logger.Fatal("failed to set up notification gateway", zap.Error(err))
	}
	defer closeGateway()

	anchor, err := schedule.ParseAnchor(cfg.DayAnchor)
	if err != nil {
		logger.Fatal("invalid DAY_ANCHOR", zap.Error(err))
	}
	expanderCfg := schedule.DefaultConfig()
	expanderCfg.HorizonDays = cfg.HorizonDays
	expanderCfg.DayAnchor = anchor

	sessionCfg := session.DefaultConfig()
	sessionCfg.RetentionWindow = cfg.RetentionWindow
	sessionCfg.RefreshInterval = cfg.HorizonRefreshInterval
	sessionCfg.VAPIDPublicKey = cfg.VAPIDPublicKey
	sessionCfg.Poller.Interval = cfg.PollInterval
	sessionCfg.Poller.GraceWindow = cfg.GraceWindow
	sessionCfg.Poller.EventsTopic = redpanda.TopicReminderEvents

	subCfg := subscription.DefaultConfig()
	subCfg.VAPIDPublicKey = cfg.VAPIDPublicKey

	deliveryCfg := postgres.DefaultDeliveryLogConfig()
	deliveryCfg.InstanceID = hostname() + "-" + deliveryCfg.InstanceID[:8]
	deliveries := postgres.NewDeliveryLog(pool, deliveryCfg, logger)
	prefs := preferences.NewRedisStore(rdb, nil, logger)

	deps := &sessionDeps{
		session:      sessionCfg,
		subscription: subCfg,
		instanceID:   deliveryCfg.InstanceID,
		source:       newSource(cfg, breakers, logger),
		preferences:  prefs,
		expander:     schedule.NewExpander(expanderCfg, logger),
		resolver:     preferences.NewResolver(logger),
		renderer:     dispatch.DefaultRenderer(),
		pushSender:   dispatch.NewHTTPPushSender(dispatch.DefaultHTTPPushSenderConfig(), breakers, logger),
		gateway:      gateway,
		registry:     subscription.NewRegistryClient(cfg.RegistryBaseURL, signer, 10*time.Second, logger),
		deliveries:   deliveries,
		events:       postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), logger),
		redis:        rdb,
		metrics:      m,
		logger:       logger,
	}
	sessions := session.NewRegistry(deps.factory, logger)

	hubCfg := browser.DefaultHubConfig()
	hubCfg.TokenMaxAge = cfg.TokenMaxAge
	hubCfg.AllowedOrigins = cfg.AllowedOrigins
	hub := browser.NewHub(hubCfg, signer, sessions, logger)

	preferenceHandler := handlers.NewPreferenceHandler(prefs, sessions, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	// The websocket authenticates with its query token
	r.Handle("/ws/notifications", hub)

	r.Group(func(r chi.Router) {
		r.Use(middleware.CORS(cfg.AllowedOrigins...))
		r.Use(middleware.Logger(logger))
		r.Use(middleware.Tracing(serviceName))
		r.Use(middleware.TokenAuth(signer, cfg.TokenMaxAge))
		r.Mount("/api/v1", preferenceHandler.Routes())
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	go pruneDeliveries(pruneCtx, deliveries, cfg.RetentionWindow, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stopPrune()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := sessions.Close(); err != nil {
			logger.Error("session shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting reminder service",
		zap.String("port", cfg.Port),
		zap.String("gateway_mode", cfg.GatewayMode))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// newGateway returns the email/SMS gateway for GATEWAY_MODE. Stream mode
// queues messages for the notification relay; direct mode calls the
// providers in process.
func newGateway(ctx context.Context, cfg *config.Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (notify.Gateway, func(), error) {
	if cfg.GatewayMode == "stream" {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(producerCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create producer: %w", err)
		}
		return notify.NewStreamGateway(producer, redpanda.TopicNotificationsOutbound, logger), producer.Close, nil
	}

	providers := cfg.Providers()
	email, err := notify.NewEmailSender(ctx, providers, logger)
	if err != nil {
		return nil, nil, err
	}
	sms, err := notify.NewSMSSender(providers, logger)
	if err != nil {
		return nil, nil, err
	}
	return notify.NewDirectGateway(email, sms, breakers, logger), func() {}, nil
}

// newSource reads prescriptions over FHIR when a base URL is configured.
// Without one every patient has no prescriptions.
func newSource(cfg *config.Config, breakers *circuitbreaker.Manager, logger *zap.Logger) prescriptions.Source {
	if cfg.PrescriptionsBaseURL == "" {
		logger.Warn("PRESCRIPTIONS_BASE_URL not set, using an empty prescription source")
		return prescriptions.NewStaticSource()
	}
	sourceCfg := prescriptions.DefaultHTTPSourceConfig()
	sourceCfg.BaseURL = cfg.PrescriptionsBaseURL
	sourceCfg.Token = cfg.PrescriptionsToken
	return prescriptions.NewHTTPSource(sourceCfg, breakers, logger)
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "reminder-service"
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s"}`, serviceName)
}
