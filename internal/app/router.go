package app

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/payment"
	"github.com/noah-isme/toko-checkout/internal/ratelimit"
	"github.com/noah-isme/toko-checkout/internal/security"
)

// NewRouter mounts the checkout API, health probes and operational endpoints.
func NewRouter(deps Dependencies, svc *Services) (*chi.Mux, error) {
	if deps.Config == nil || svc == nil {
		return nil, fmt.Errorf("app: router needs config and services")
	}
	cfg := deps.Config

	statusLimit, err := ratelimit.New(deps.Redis, "rl:payment_status", cfg.StatusRateLimit, ratelimit.ClientAndParam("reference"))
	if err != nil {
		return nil, fmt.Errorf("app: status rate limit: %w", err)
	}
	statusLimit.Logger = deps.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.MetricsEnabled && deps.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: deps.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: deps.Logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(security.Headers{Enable: cfg.SecurityHeaders, HSTSMaxAge: cfg.HSTSMaxAge}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		r.Mount("/debug/pprof", protectPprof(http.StripPrefix("/debug/pprof", newPprofMux()), cfg.PprofUser, cfg.PprofPassword))
	}

	healthHandler := health.Handler{Probes: deps.Probes}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	payments := &payment.Handler{Svc: svc.Payments}
	orders := &order.Handler{Svc: svc.Orders, Flags: svc.Flags}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	limit := security.BodyLimit{Max: cfg.MaxBodyBytes}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(limit.Middleware)

		v.Route("/payments", func(p chi.Router) {
			p.With(idem.Middleware).Post("/initiate", payments.Initiate)
			p.With(statusLimit.Middleware).Get("/status/{reference}", payments.Status)
			p.With(idem.Middleware).Post("/finalize", payments.Finalize)
			p.With(idem.Middleware).Post("/link", payments.Link)
			p.With(idem.Middleware).Post("/timeout", payments.Timeout)
			p.Patch("/{paymentId}", payments.Update)
		})

		v.With(idem.Middleware).Post("/orders", orders.Create)
		v.Get("/orders/{orderId}", orders.Get)
		v.Get("/orders/{orderId}/payments", payments.ForOrder)
		v.Get("/settings/orders-enabled", orders.OrdersEnabled)

		v.Post("/webhooks/payment/{provider}", svc.Webhook.Handle)
	})

	return r, nil
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/"+name, pprof.Handler(name))
	}
	return mux
}

// protectPprof guards the profiler with basic auth when a user is configured.
func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
