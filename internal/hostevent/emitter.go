package hostevent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

// Emitter delivers a named event to the host. Delivery is fire-and-forget:
// FireEvent never blocks on the host and never reports failure.
type Emitter interface {
	FireEvent(ctx context.Context, objectName, eventName, token string)
}

// Event is the payload delivered to webhook receivers.
type Event struct {
	Object  string    `json:"object"`
	Event   string    `json:"event"`
	Token   string    `json:"token,omitempty"`
	FiredAt time.Time `json:"fired_at"`
}

const webhookTimeout = 10 * time.Second

// WebhookEmitter POSTs events as JSON to a fixed URL.
type WebhookEmitter struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewWebhookEmitter(url string) *WebhookEmitter {
	return &WebhookEmitter{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		now:        time.Now,
		logger:     slog.Default(),
	}
}

func (w *WebhookEmitter) FireEvent(ctx context.Context, objectName, eventName, token string) {
	ev := Event{Object: objectName, Event: eventName, Token: token, FiredAt: w.now().UTC()}
	// Delivery outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.post(ctx, ev); err != nil {
			w.logger.Warn("event delivery failed", "event", eventName, "url", w.url, "error", err)
		}
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (w *WebhookEmitter) Wait() {
	w.wg.Wait()
}

func (w *WebhookEmitter) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogEmitter writes events to the log.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) FireEvent(_ context.Context, objectName, eventName, token string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("host event", "object", objectName, "event", eventName, "token", token)
}

// Multi fans an event out to every emitter in order.
type Multi []Emitter

func (m Multi) FireEvent(ctx context.Context, objectName, eventName, token string) {
	for _, e := range m {
		e.FireEvent(ctx, objectName, eventName, token)
	}
}

// EventStore persists fired events.
type EventStore interface {
	RecordHostEvent(e storage.HostEvent) error
}

// StoreRecorder records every event in the store so it can be listed later.
type StoreRecorder struct {
	store  EventStore
	now    func() time.Time
	logger *slog.Logger
}

func NewStoreRecorder(store EventStore) *StoreRecorder {
	return &StoreRecorder{store: store, now: time.Now, logger: slog.Default()}
}

func (r *StoreRecorder) FireEvent(_ context.Context, objectName, eventName, token string) {
	err := r.store.RecordHostEvent(storage.HostEvent{
		ID:         uuid.New().String(),
		ObjectName: objectName,
		EventName:  eventName,
		Token:      token,
		FiredAt:    r.now(),
	})
	if err != nil {
		r.logger.Error("recording host event failed", "event", eventName, "error", err)
	}
}
