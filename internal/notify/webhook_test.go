package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/jobs"
	"github.com/noah-isme/toko-checkout/internal/notify"
	"github.com/noah-isme/toko-checkout/internal/resilience"
	"github.com/noah-isme/toko-checkout/internal/store"
)

type enqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (e *enqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func domainEvent(topic string) store.DomainEvent {
	return store.DomainEvent{
		ID:          store.NewUUID(),
		Topic:       topic,
		AggregateID: store.NewUUID(),
		Payload:     []byte(`{"reference":"R1","status":"completed"}`),
		OccurredAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func client(srv *httptest.Server) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client:      srv.Client(),
		Target:      "merchant-webhook",
		Logger:      zerolog.Nop(),
		BaseBackoff: time.Millisecond,
		MaxAttempts: 2,
	}
}

func TestQueuedFiltersTopics(t *testing.T) {
	enq := &enqueuer{}
	n := notify.Queued{Client: enq, Topics: []string{events.TopicPaymentCompleted}}

	require.NoError(t, n.Notify(context.Background(), domainEvent(events.TopicPaymentCompleted)))
	require.NoError(t, n.Notify(context.Background(), domainEvent(events.TopicPaymentInitiated)))

	require.Len(t, enq.tasks, 1)
	require.Equal(t, jobs.TypeEventDelivery, enq.tasks[0].Type())

	var p jobs.EventPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &p))
	require.Equal(t, events.TopicPaymentCompleted, p.Topic)
	require.JSONEq(t, `{"reference":"R1","status":"completed"}`, string(p.Payload))
}

func TestQueuedIgnoresDuplicateTask(t *testing.T) {
	n := notify.Queued{Client: &enqueuer{err: asynq.ErrTaskIDConflict}}
	require.NoError(t, n.Notify(context.Background(), domainEvent(events.TopicOrderCreated)))
}

func TestWebhookSignsDelivery(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		headers, body = r.Header.Clone(), data
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	ev := jobs.EventPayload{ID: "evt-1", Topic: events.TopicOrderCreated, AggregateID: "ord-1", Payload: json.RawMessage(`{"total":5000}`)}
	wh := notify.Webhook{URL: srv.URL, Secret: "s3cret", HTTP: client(srv), Logger: zerolog.Nop()}
	require.NoError(t, wh.Deliver(context.Background(), ev))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "evt-1", headers.Get("X-Event-ID"))
	require.Equal(t, "evt-1", headers.Get("Idempotency-Key"))
	ts, err := strconv.ParseInt(headers.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature("s3cret", ts, "evt-1", body), headers.Get("X-Signature"))

	var got struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, events.TopicOrderCreated, got.Topic)
	require.JSONEq(t, `{"total":5000}`, string(got.Data))
}

func TestWebhookReportsRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	wh := notify.Webhook{URL: srv.URL, Secret: "s", HTTP: client(srv)}
	err := wh.Deliver(context.Background(), jobs.EventPayload{ID: "evt-2", Topic: events.TopicPaymentFailed})

	var se *notify.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.Code)
}

func TestValidateURL(t *testing.T) {
	require.NoError(t, notify.ValidateURL("https://merchant.example/hooks"))
	require.NoError(t, notify.ValidateURL("http://localhost:9000/hooks"))
	require.Error(t, notify.ValidateURL("http://merchant.example/hooks"))
	require.Error(t, notify.ValidateURL("ftp://merchant.example"))
	require.Error(t, notify.ValidateURL("https://"))
}

func TestValidateTopics(t *testing.T) {
	require.NoError(t, notify.ValidateTopics(nil))
	require.NoError(t, notify.ValidateTopics([]string{events.TopicOrderCreated, events.TopicPaymentLinked}))
	require.Error(t, notify.ValidateTopics([]string{"payment.refunded"}))
}
