package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

func TestPublish_QueuesEscalations(t *testing.T) {
	s := NewService(config.NotifyConfig{})
	s.Publish(&models.TaskResult{TaskID: "t1", Tenant: "acme/a", Status: models.TaskEscalated, Reason: "research confidence 40 below 60"})
	s.Publish(&models.TaskResult{TaskID: "t2", Tenant: "acme/b", Status: models.TaskEscalated})
	s.Publish(&models.TaskResult{TaskID: "t3", Tenant: "acme/a", Status: models.TaskApproved})
	s.Close()

	if got := s.Reviews(""); len(got) != 2 {
		t.Fatalf("Reviews() = %d items, want 2", len(got))
	}
	a := s.Reviews("acme/a")
	if len(a) != 1 || a[0].TaskID != "t1" || a[0].Reason == "" {
		t.Errorf("Reviews(acme/a) = %+v", a)
	}
	if !s.Resolve("t1") || s.Resolve("t1") {
		t.Error("Resolve() should succeed once")
	}
}

func TestWebhookDriver_SignsPayload(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("X-Pipeline-Signature") != Sign("s3cret", body) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var e Event
		_ = json.Unmarshal(body, &e)
		got.Store(e)
	}))
	defer srv.Close()

	s := NewService(config.NotifyConfig{WebhookURL: srv.URL, WebhookSecret: "s3cret"})
	s.Publish(&models.TaskResult{TaskID: "t1", Tenant: "acme/a", Status: models.TaskRejected})
	s.Close()

	e, ok := got.Load().(Event)
	if !ok || e.Type != EventRejected || e.TaskID != "t1" {
		t.Errorf("webhook received %+v", got.Load())
	}
}

func TestWebhookDriver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, "")
	d.initial = time.Millisecond
	if err := d.Send(context.Background(), Event{Type: EventEscalated}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookDriver_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewWebhookDriver(srv.URL, "")
	d.initial = time.Millisecond
	if err := d.Send(context.Background(), Event{Type: EventEscalated}); err == nil {
		t.Fatal("Send() should fail on 404")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestEventFor_IgnoresNonTerminal(t *testing.T) {
	if _, ok := EventFor(&models.TaskResult{Status: models.TaskPending}); ok {
		t.Error("pending results have no event")
	}
	if _, ok := EventFor(&models.TaskResult{Status: models.TaskCancelled}); ok {
		t.Error("cancellation is caller-initiated and not published")
	}
}
