package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/marketing-pipeline/internal/router"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// mockDriver fails the first failures calls, then answers.
type mockDriver struct {
	kind     string
	failures int32
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (d *mockDriver) Kind() string { return d.kind }
func (d *mockDriver) Complete(ctx context.Context, prompt string) (string, error) {
	n := d.calls.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= d.failures {
		return "", d.err
	}
	return "reply from " + d.kind + "\nSCORE: 72", nil
}

func fastOpts() router.Options {
	return router.Options{Timeout: 50 * time.Millisecond, MaxRetries: 2, InitialBackoff: time.Millisecond}
}

func TestRegisterAndGetDriver(t *testing.T) {
	mr := router.NewModelRouter(fastOpts())
	mr.RegisterDriver(&mockDriver{kind: "test-provider"})

	got := mr.GetDriver("test-provider")
	if got == nil {
		t.Fatal("GetDriver() returned nil for registered driver")
	}
	if got.Kind() != "test-provider" {
		t.Errorf("GetDriver().Kind() = %q, want %q", got.Kind(), "test-provider")
	}
	if mr.GetDriver("nonexistent") != nil {
		t.Error("GetDriver() for nonexistent should return nil")
	}
}

func TestRegisterDriver_OverridesInPlace(t *testing.T) {
	mr := router.NewModelRouter(fastOpts(), &mockDriver{kind: "a"}, &mockDriver{kind: "b"})
	mr.RegisterDriver(&mockDriver{kind: "a"})
	if got := mr.ListDrivers(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ListDrivers() = %v, want [a b]", got)
	}
}

func TestGenerate_NoProviders(t *testing.T) {
	mr := router.NewModelRouter(fastOpts())
	_, err := mr.Generate(context.Background(), "hi")
	if !errors.Is(err, models.ErrInferenceUnavailable) {
		t.Errorf("Generate() error = %v, want ErrInferenceUnavailable", err)
	}
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	d := &mockDriver{kind: "flaky", failures: 2, err: errors.New("connection reset")}
	mr := router.NewModelRouter(fastOpts(), d)

	cand, err := mr.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if d.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", d.calls.Load())
	}
	if cand.Score != 72 || cand.Provider != "flaky" {
		t.Errorf("candidate = %+v", cand)
	}
}

func TestGenerate_FallsBackToNextProvider(t *testing.T) {
	primary := &mockDriver{kind: "primary", failures: 100, err: errors.New("down")}
	secondary := &mockDriver{kind: "secondary"}
	mr := router.NewModelRouter(fastOpts(), primary, secondary)

	cand, err := mr.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if cand.Provider != "secondary" {
		t.Errorf("Provider = %q, want secondary", cand.Provider)
	}
	if primary.calls.Load() != 3 {
		t.Errorf("primary calls = %d, want 3", primary.calls.Load())
	}
}

func TestGenerate_PermanentErrorNotRetried(t *testing.T) {
	d := &mockDriver{kind: "p", failures: 100, err: &router.StatusError{Provider: "p", Status: 401}}
	mr := router.NewModelRouter(fastOpts(), d)
	if _, err := mr.Generate(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if d.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 for a 401", d.calls.Load())
	}
}

func TestGenerate_Timeout(t *testing.T) {
	d := &mockDriver{kind: "slow", delay: time.Second}
	opts := fastOpts()
	opts.MaxRetries = 0
	mr := router.NewModelRouter(opts, d)

	_, err := mr.Generate(context.Background(), "hi")
	if !errors.Is(err, models.ErrInferenceTimeout) {
		t.Errorf("Generate() error = %v, want ErrInferenceTimeout", err)
	}
}

func TestOpenAIDriver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "m" {
			http.Error(w, "wrong model", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	d := router.NewOpenAIDriver(srv.URL, "sk-test", "m")
	got, err := d.Complete(context.Background(), "hi")
	if err != nil || got != "hello" {
		t.Errorf("Complete() = %q, %v", got, err)
	}
}

func TestOpenAIDriver_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := router.NewOllamaDriver(srv.URL, "llama").Complete(context.Background(), "hi")
	var se *router.StatusError
	if !errors.As(err, &se) || se.Status != 429 || !se.Retryable() {
		t.Errorf("error = %v, want retryable 429 StatusError", err)
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"SCORE: 85", 85, true},
		{"looks fine\nscore: 40.5", 40.5, true},
		{"SCORE: 250", 100, true},
		{"SCORE: 0", 0, true},
		{"no score here", 0, false},
	}
	for _, tt := range tests {
		if got, ok := router.ParseScore(tt.in); got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseScore(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
