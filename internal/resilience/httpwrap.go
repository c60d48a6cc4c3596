package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StatusError reports an upstream response that was retried until attempts
// ran out. The final response body is preserved for diagnostics.
type StatusError struct {
	Target string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: %s responded %d", e.Target, e.Code)
}

// IsTransient reports whether err is a network-level or retry-exhausted
// failure rather than a definitive upstream answer.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOpenCircuit) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	// transport errors from net/http carry no typed sentinel
	return !errors.Is(err, context.Canceled)
}

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
//
// Requests are retried on transport errors, 5xx and 429 responses. Non-idempotent
// methods are retried only when the request carries an Idempotency-Key header.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	Logger      zerolog.Logger
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// Do executes the request applying retry semantics. The request body is
// buffered so it can be replayed. ErrOpenCircuit is returned when the breaker
// refuses the call; a *StatusError when every attempt returned a retryable status.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		// never trips
		breaker = NewBreaker(1<<30, 1, time.Second).WithTarget(cl.target())
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if !replaySafe(req) {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow(ctx) {
			OutboundAttempts.WithLabelValues(cl.target(), "rejected").Inc()
			return nil, ErrOpenCircuit
		}
		resp, err := cl.doOnce(ctx, req, body)
		var wait time.Duration
		switch {
		case err != nil:
			breaker.Report(ctx, false)
			OutboundAttempts.WithLabelValues(cl.target(), "error").Inc()
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		case retryableStatus(resp.StatusCode):
			// 429 is an upstream opinion about us, not an outage
			breaker.Report(ctx, resp.StatusCode == http.StatusTooManyRequests)
			OutboundAttempts.WithLabelValues(cl.target(), strconv.Itoa(resp.StatusCode)).Inc()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			lastErr = &StatusError{Target: cl.target(), Code: resp.StatusCode, Body: data}
			wait = retryAfter(resp.Header.Get("Retry-After"))
		default:
			breaker.Report(ctx, true)
			OutboundAttempts.WithLabelValues(cl.target(), "ok").Inc()
			return resp, nil
		}
		if attempt == maxAttempts {
			break
		}
		if wait <= 0 {
			wait = Backoff(baseBackoff, attempt, cl.Jitter)
		}
		cl.Logger.Debug().
			Str("target", cl.target()).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(lastErr).
			Msg("outbound_retry")
		OutboundRetryWait.WithLabelValues(cl.target()).Observe(wait.Seconds())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (cl HTTPClient) target() string {
	if t := strings.TrimSpace(cl.Target); t != "" {
		return t
	}
	return "default"
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		resp, err := cl.Client.Do(cloneWithBody(callCtx, req, body))
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return cl.Client.Do(cloneWithBody(callCtx, req, body))
}

// cancelOnClose keeps the per-attempt deadline alive until the caller has
// finished reading the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func replaySafe(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return strings.TrimSpace(req.Header.Get("Idempotency-Key")) != ""
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

func retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at)
	}
	return 0
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	return data, nil
}

func cloneWithBody(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
