package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var draining atomic.Bool

// SetReady toggles readiness; the API flips it off when shutdown begins so
// load balancers stop routing before in-flight checkouts drain.
func SetReady(ready bool) { draining.Store(!ready) }

// Probe checks one dependency within the supplied deadline.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes []Probe
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and reports 503 if any fails.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := !draining.Load()
	if !healthy {
		status["server"] = "draining"
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(r.Context())
	for _, p := range h.Probes {
		p := p
		g.Go(func() error {
			result := "ok"
			if err := runProbe(ctx, p); err != nil {
				result = err.Error()
			}
			mu.Lock()
			status[p.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, v := range status {
		if v != "ok" {
			healthy = false
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func runProbe(ctx context.Context, p Probe) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Check(ctx)
}
