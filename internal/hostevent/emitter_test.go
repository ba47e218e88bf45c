package hostevent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

func TestWebhookEmitter_PostsEvent(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookEmitter(srv.URL)
	w.FireEvent(context.Background(), "ExposureAlerts.ExposureNotification", "OnExposureDetected", "tok")
	w.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Object != "ExposureAlerts.ExposureNotification" || got[0].Event != "OnExposureDetected" {
		t.Errorf("event = %+v", got[0])
	}
	if got[0].Token != "tok" {
		t.Errorf("Token = %q, want %q", got[0].Token, "tok")
	}
	if got[0].FiredAt.IsZero() {
		t.Error("FiredAt is zero")
	}
}

func TestWebhookEmitter_SurvivesCancelledContext(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWebhookEmitter(srv.URL)
	w.FireEvent(ctx, "obj", "evt", "")
	cancel()
	w.Wait()

	select {
	case <-received:
	default:
		t.Error("event was not delivered after the caller's context was cancelled")
	}
}

func TestWebhookEmitter_UnreachableDoesNotBlock(t *testing.T) {
	w := NewWebhookEmitter("http://127.0.0.1:1/hook")
	w.FireEvent(context.Background(), "obj", "evt", "")
	w.Wait()
}

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) FireEvent(_ context.Context, objectName, eventName, _ string) {
	r.events = append(r.events, objectName+"/"+eventName)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recordingEmitter{}, &recordingEmitter{}
	Multi{a, LogEmitter{}, b}.FireEvent(context.Background(), "obj", "evt", "tok")

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("a = %v, b = %v, want one event each", a.events, b.events)
	}
}

func TestStoreRecorder_RecordsEvent(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	r := NewStoreRecorder(store)
	r.FireEvent(context.Background(), "obj", "evt", "tok")
	r.FireEvent(context.Background(), "obj", "evt", "tok2")

	events, err := store.ListHostEvents(10)
	if err != nil {
		t.Fatalf("ListHostEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID == events[1].ID {
		t.Error("events share an id")
	}
	for _, e := range events {
		if e.ObjectName != "obj" || e.EventName != "evt" {
			t.Errorf("event = %+v", e)
		}
	}
}
