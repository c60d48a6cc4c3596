package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-checkout/internal/app"
	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/jobs"
	"github.com/noah-isme/toko-checkout/internal/notify"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/resilience"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:    "toko-checkout-worker",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRatio:  cfg.TracingSampling,
		Environment:    cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := app.OpenPool(bootCtx, cfg, "toko-checkout-worker")
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
	defer func() { _ = taskClient.Close() }()

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

	services, err := app.BuildServices(app.Dependencies{
		Config:    cfg,
		Store:     store.NewStore(pool),
		Redis:     redisClient,
		Provider:  provider,
		Jobs:      jobs.Scheduler{Client: taskClient, Queue: jobs.QueuePayments},
		Logger:    logger,
		Notifiers: notifiers,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build services")
	}

	asynqLogger := jobs.Logger{L: logger}
	server := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{jobs.QueuePayments: 1},
		Logger:      asynqLogger,
	})
	mux := asynq.NewServeMux()
	handlers := &jobs.Handlers{Payments: services.Payments, Logger: logger}
	if cfg.NotifyWebhookURL != "" {
		handlers.Events = notify.Webhook{
			URL:    cfg.NotifyWebhookURL,
			Secret: cfg.NotifyWebhookSecret,
			HTTP: resilience.HTTPClient{
				Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
				Breaker: resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
					WithTarget("merchant-webhook").
					WithLogger(logger),
				Target:      "merchant-webhook",
				Logger:      logger,
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryMaxAttempts,
				Jitter:      cfg.RetryJitterPercent,
				Timeout:     cfg.OutboundTimeout,
			},
			Logger: logger.With().Str("component", "notify").Logger(),
		}
	}
	handlers.Register(mux)

	scheduler := asynq.NewScheduler(asynqOpt, &asynq.SchedulerOpts{Logger: asynqLogger})
	entryID, err := jobs.RegisterPeriodic(scheduler, "@every "+cfg.UnlinkedScanInterval.String(), jobs.QueuePayments, jobs.ReconcilePayload{
		OlderThanSeconds: int(cfg.UnlinkedMinAge / time.Second),
		Limit:            100,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("register reconcile sweep")
	}
	logger.Info().Str("entry_id", entryID).Dur("interval", cfg.UnlinkedScanInterval).Msg("reconcile sweep registered")

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := server.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}

	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker starting")
	<-ctx.Done()
	logger.Info().Msg("worker draining")
	scheduler.Shutdown()
	server.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}
