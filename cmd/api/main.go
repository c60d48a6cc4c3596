package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/toko-checkout/internal/app"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/jobs"
	"github.com/noah-isme/toko-checkout/internal/notify"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/store"
)

const drainDelay = 5 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:    "toko-checkout-api",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRatio:  cfg.TracingSampling,
		Environment:    cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		cfg.TracingEnabled = false
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := app.OpenPool(bootCtx, cfg, "toko-checkout-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	redisClient, err := app.OpenRedis(bootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	provider, err := app.NewProvider(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment provider")
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse asynq redis url")
	}
	taskClient := asynq.NewClient(asynqOpt)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	notifiers := []events.Notifier{events.LogNotifier{Logger: logger}}
	if cfg.NotifyWebhookURL != "" {
		if err := notify.ValidateURL(cfg.NotifyWebhookURL); err != nil {
			logger.Fatal().Err(err).Msg("invalid NOTIFY_WEBHOOK_URL")
		}
		if err := notify.ValidateTopics(cfg.NotifyTopics); err != nil {
			logger.Fatal().Err(err).Msg("invalid NOTIFY_TOPICS")
		}
		notifiers = append(notifiers, notify.Queued{Client: taskClient, Queue: jobs.QueuePayments, Topics: cfg.NotifyTopics})
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)
	}

	deps := app.Dependencies{
		Config:      cfg,
		Store:       store.NewStore(pool),
		Redis:       redisClient,
		Provider:    provider,
		Jobs:        jobs.Scheduler{Client: taskClient, Queue: jobs.QueuePayments},
		Validator:   common.NewValidator(),
		Logger:      logger,
		Notifiers:   notifiers,
		Probes:      app.Probes(pool, redisClient),
		HTTPMetrics: httpMetrics,
	}
	services, err := app.BuildServices(deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("build services")
	}
	router, err := app.NewRouter(deps, services)
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		// fail readiness first so the load balancer stops routing here
		health.SetReady(false)
		time.Sleep(drainDelay)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("provider", provider.Name()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	<-stopped
	logger.Info().Msg("server stopped")
}
