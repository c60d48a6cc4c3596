package app

import (
	"errors"
	"time"

	validator "github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/gateway"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/lock"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/payment"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// Dependencies enumerates the infrastructure the API and worker share.
type Dependencies struct {
	Config      *config.Config
	Store       store.TxQuerier
	Redis       *redis.Client
	Provider    gateway.Provider
	Jobs        payment.Scheduler
	Validator   *validator.Validate
	Logger      zerolog.Logger
	Notifiers   []events.Notifier
	Probes      []health.Probe
	HTTPMetrics *obs.HTTPMetrics
}

// Services holds the domain services built from Dependencies.
type Services struct {
	Orders   *order.Service
	Payments *payment.Service
	Flags    *order.FlagStore
	Webhook  payment.Webhook
	Bus      *events.Bus
}

// BuildServices wires the order and payment services onto one event bus and
// one Redis lock namespace.
func BuildServices(deps Dependencies) (*Services, error) {
	if deps.Config == nil {
		return nil, errors.New("app: config is required")
	}
	if deps.Store == nil || deps.Redis == nil || deps.Provider == nil {
		return nil, errors.New("app: store, redis and provider are required")
	}
	cfg := deps.Config
	validate := deps.Validator
	if validate == nil {
		validate = common.NewValidator()
	}

	bus := &events.Bus{Store: deps.Store, Notifiers: deps.Notifiers}
	locker := lock.Locker{R: deps.Redis, RetryBackoff: cfg.LockRetryBackoff}
	flags := &order.FlagStore{
		R:       deps.Redis,
		Default: checkout.OrdersEnabled{Enabled: cfg.OrdersEnabled, Message: cfg.OrdersDisabledMsg},
	}

	orders := &order.Service{
		Store:    deps.Store,
		Flags:    flags,
		Locker:   locker,
		LockTTL:  cfg.LockTTL,
		Events:   bus,
		Validate: validate,
		Logger:   deps.Logger.With().Str("component", "order").Logger(),
	}
	payments := &payment.Service{
		Store:        deps.Store,
		Provider:     deps.Provider,
		Orders:       orders,
		Events:       bus,
		Publisher:    payment.RedisPublisher{R: deps.Redis},
		Locker:       locker,
		Jobs:         deps.Jobs,
		Validate:     validate,
		Logger:       deps.Logger.With().Str("component", "payment").Logger(),
		StaleAfter:   cfg.PaymentStatusStaleAge,
		RecheckDelay: cfg.TimeoutRecheckDelay,
		LockTTL:      cfg.LockTTL,
		CallbackURL:  cfg.PaymentCallbackURL,
	}
	replayTTL := cfg.WebhookReplayTTL
	if replayTTL <= 0 {
		replayTTL = 24 * time.Hour
	}

	return &Services{
		Orders:   orders,
		Payments: payments,
		Flags:    flags,
		Bus:      bus,
		Webhook: payment.Webhook{
			Svc:       payments,
			Providers: map[string]gateway.Provider{deps.Provider.Name(): deps.Provider},
			Replay:    deps.Redis,
			ReplayTTL: replayTTL,
		},
	}, nil
}
