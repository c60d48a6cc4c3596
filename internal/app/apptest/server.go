// Package apptest runs the full checkout API in-process over an in-memory
// store, miniredis and the sandbox gateway.
package apptest

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/app"
	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/gateway"
	"github.com/noah-isme/toko-checkout/internal/jobs"
	"github.com/noah-isme/toko-checkout/internal/store"
	"github.com/noah-isme/toko-checkout/internal/store/storetest"
)

// Env is a running API plus handles on everything behind it.
type Env struct {
	Server   *httptest.Server
	Config   *config.Config
	Sandbox  *gateway.Sandbox
	Store    *storetest.Memory
	Mini     *miniredis.Miniredis
	Redis    *redis.Client
	Services *app.Services
	Tasks    *Tasks

	// Products holds ids the store accepts in cart lines.
	Products []string
}

// Tasks records enqueued background jobs instead of sending them to asynq.
type Tasks struct {
	mu    sync.Mutex
	types []string
}

func (q *Tasks) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.types = append(q.types, task.Type())
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

// Types lists the task types enqueued so far.
func (q *Tasks) Types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.types...)
}

// Config returns the configuration the test server runs with. Status reads
// always consult the gateway so scripted sandbox transitions show up at once.
func Config() *config.Config {
	return &config.Config{
		AppEnv:              "test",
		CORSAllowedOrigins:  []string{"https://shop.example"},
		MaxBodyBytes:        64 << 10,
		SecurityHeaders:     true,
		MetricsNamespace:    "toko_test",
		PaymentProvider:     "sandbox",
		KPayWebhookSecret:   "whsec_test",
		PaymentCallbackURL:  "https://api.shop.example/api/v1/webhooks/payment/sandbox",
		WebhookReplayTTL:    time.Hour,
		IdempotencyTTL:      time.Hour,
		LockTTL:             5 * time.Second,
		LockRetryBackoff:    5 * time.Millisecond,
		StatusRateLimit:     "1000-M",
		OrdersEnabled:       true,
		TimeoutRecheckDelay: time.Minute,
	}
}

// New starts the API. Options may adjust the configuration before wiring.
func New(t testing.TB, opts ...func(*config.Config)) *Env {
	t.Helper()
	cfg := Config()
	for _, opt := range opts {
		opt(cfg)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := storetest.NewMemory()
	products := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		id := store.NewUUID()
		mem.AddProduct(id)
		products = append(products, store.UUIDString(id))
	}

	sandbox := gateway.NewSandbox("https://pay.sandbox.example", cfg.KPayWebhookSecret)
	tasks := &Tasks{}
	deps := app.Dependencies{
		Config:   cfg,
		Store:    mem,
		Redis:    client,
		Provider: sandbox,
		Jobs:     jobs.Scheduler{Client: tasks},
		Logger:   zerolog.Nop(),
	}
	svc, err := app.BuildServices(deps)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	router, err := app.NewRouter(deps, svc)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &Env{
		Server:   srv,
		Config:   cfg,
		Sandbox:  sandbox,
		Store:    mem,
		Mini:     mr,
		Redis:    client,
		Services: svc,
		Tasks:    tasks,
		Products: products,
	}
}

// URL returns the server base URL.
func (e *Env) URL() string { return e.Server.URL }
