package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/gateway"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

// OpenPool connects to Postgres with query tracing and tags the connection
// with appName.
func OpenPool(ctx context.Context, cfg *config.Config, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenRedis connects to Redis with tracing and, when metrics are on, client
// metrics. Instrumentation failures are logged, not fatal.
func OpenRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewProvider returns the configured payment gateway. KPay calls go through
// the retrying, breaker-guarded outbound client.
func NewProvider(cfg *config.Config, logger zerolog.Logger) (gateway.Provider, error) {
	switch cfg.PaymentProvider {
	case "kpay":
		return gateway.KPay{
			BaseURL:       cfg.KPayBaseURL,
			APIKey:        cfg.KPayAPIKey,
			WebhookSecret: cfg.KPayWebhookSecret,
			HTTP: resilience.HTTPClient{
				Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
				Breaker: resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
					WithTarget("kpay").
					WithLogger(logger),
				Target:      "kpay",
				Logger:      logger,
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryMaxAttempts,
				Jitter:      cfg.RetryJitterPercent,
				Timeout:     cfg.OutboundTimeout,
			},
		}, nil
	case "sandbox", "":
		if cfg.AppEnv == "production" {
			return nil, fmt.Errorf("sandbox gateway is not allowed in production")
		}
		return gateway.NewSandbox("http://localhost"+cfg.HTTPAddr(), cfg.KPayWebhookSecret), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.PaymentProvider)
	}
}

// Probes builds the readiness checks for the given backends.
func Probes(pool *pgxpool.Pool, rdb *redis.Client) []health.Probe {
	return []health.Probe{
		{Name: "postgres", Timeout: 500 * time.Millisecond, Check: pool.Ping},
		{Name: "redis", Timeout: 300 * time.Millisecond, Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
	}
}
