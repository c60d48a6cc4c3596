// Package notify forwards domain events (orders created, payments settled or
// linked) to the merchant's webhook endpoint. Emission only enqueues; the
// worker delivers with retries.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/jobs"
	"github.com/noah-isme/toko-checkout/internal/resilience"
	"github.com/noah-isme/toko-checkout/internal/store"
)

// Queued is an events.Notifier that enqueues a delivery task per event.
// Topics restricts forwarding; empty forwards everything.
type Queued struct {
	Client jobs.Enqueuer
	Queue  string
	Topics []string
}

func (q Queued) Notify(ctx context.Context, ev store.DomainEvent) error {
	if q.Client == nil || !q.wants(ev.Topic) {
		return nil
	}
	task, err := jobs.NewEventTask(jobs.EventPayload{
		ID:          store.UUIDString(ev.ID),
		Topic:       ev.Topic,
		AggregateID: store.UUIDString(ev.AggregateID),
		Payload:     ev.Payload,
		OccurredAt:  ev.OccurredAt,
	})
	if err != nil {
		return err
	}
	queue := q.Queue
	if queue == "" {
		queue = jobs.QueuePayments
	}
	_, err = q.Client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID("event:"+store.UUIDString(ev.ID)),
		asynq.MaxRetry(10),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// ValidateTopics rejects topic filters naming events nothing emits.
func ValidateTopics(topics []string) error {
	known := make(map[string]struct{})
	for _, t := range events.DefaultTopics() {
		known[t] = struct{}{}
	}
	for _, t := range topics {
		if _, ok := known[t]; !ok {
			return fmt.Errorf("unknown event topic %q", t)
		}
	}
	return nil
}

func (q Queued) wants(topic string) bool {
	if len(q.Topics) == 0 {
		return true
	}
	for _, t := range q.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Webhook posts events to one endpoint. The body is signed with
// HMAC-SHA256 over "<ts>.<eventID>.<body>".
type Webhook struct {
	URL    string
	Secret string
	HTTP   resilience.HTTPClient
	Logger zerolog.Logger
	now    func() time.Time
}

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notify: endpoint responded %d", e.Code)
}

// Deliver sends ev once. The event id doubles as the idempotency key so the
// receiver can drop redeliveries.
func (w Webhook) Deliver(ctx context.Context, ev jobs.EventPayload) error {
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.Deliver")
	defer span.End()
	span.SetAttributes(attribute.String("event.topic", ev.Topic), attribute.String("event.id", ev.ID))

	body := ev.Payload
	if len(body) == 0 {
		body = []byte("{}")
	}
	data, err := encodeEnvelope(ev, body)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", ev.ID, err)
	}
	ts := w.clock().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toko-checkout-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Topic", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("Idempotency-Key", ev.ID)
	req.Header.Set("X-Signature", ComputeSignature(w.Secret, ts, ev.ID, data))

	resp, err := w.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	w.Logger.Debug().Str("event_id", ev.ID).Str("topic", ev.Topic).Int("status", resp.StatusCode).Msg("event_delivered")
	return nil
}

func (w Webhook) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

type envelope struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Data        json.RawMessage `json:"data"`
}

func encodeEnvelope(ev jobs.EventPayload, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{
		ID:          ev.ID,
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID,
		OccurredAt:  ev.OccurredAt.UTC(),
		Data:        payload,
	})
}

// ComputeSignature calculates the webhook signature for body.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateURL accepts https endpoints, and plain http only for localhost.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		return errors.New("http webhook only allowed for localhost")
	default:
		return errors.New("webhook url must be http or https")
	}
}

var (
	_ events.Notifier = Queued{}
	_ jobs.Deliverer  = Webhook{}
)
