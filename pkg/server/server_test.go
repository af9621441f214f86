package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/marketing-pipeline/pkg/models"
	"github.com/agentoven/marketing-pipeline/pkg/server"
)

type client struct {
	t     *testing.T
	h     http.Handler
	org   string
	brand string
}

func (c client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(c.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.org != "" {
		req.Header.Set("X-Org-Id", c.org)
		req.Header.Set("X-Brand-Id", c.brand)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func newServer(t *testing.T, keys ...string) *server.Server {
	t.Helper()
	// Deterministic fallbacks only.
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OLLAMA_URL", "ESCALATION_WEBHOOK_URL", "PIPELINE_POLICY_PATH", "PIPELINE_DATA_DIR"} {
		t.Setenv(env, "")
	}
	t.Setenv("BUDGET_LEDGER", "memory")
	srv, err := server.NewWithConfig(context.Background(), &server.Config{
		StoreBackend: "memory",
		APIKeys:      keys,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	})
	return srv
}

func cleanCreative() models.CreativeResult {
	return models.CreativeResult{Variants: []models.CreativeVariant{{
		ID:       "v1",
		Platform: "meta_feed",
		Headline: "Autumn layers are here",
		Body:     "Soft wool knits for cooler mornings.",
		Constraint: models.PlatformConstraint{
			Platform: "meta_feed", MaxHeadlineChars: 40, MaxBodyChars: 125, MaxAssets: 1,
		},
	}}}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newServer(t, "secret")
	c := client{t: t, h: srv.Handler}

	rec := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	c.org, c.brand = "acme", "outdoor"
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/v1/tasks", nil).Code)
}

func TestTenantRequired(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler}
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/api/v1/tasks", nil).Code)
}

func TestSubmitValidation(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/v1/tasks", "{not json").Code)
	assert.Equal(t, http.StatusBadRequest,
		c.do(http.MethodPost, "/api/v1/tasks", map[string]any{"objective": "WIN_EVERYTHING"}).Code)
	// AUDIT_ONLY without a creative.
	assert.Equal(t, http.StatusBadRequest,
		c.do(http.MethodPost, "/api/v1/tasks", map[string]any{"objective": models.ObjectiveAuditOnly}).Code)
}

func TestAuditOnlyRoundTrip(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}

	rec := c.do(http.MethodPost, "/api/v1/tasks", map[string]any{
		"objective": models.ObjectiveAuditOnly,
		"creative":  cleanCreative(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	handle := decode[models.TaskHandle](t, rec)
	require.NotEmpty(t, handle.TaskID)
	base := "/api/v1/tasks/" + handle.TaskID

	rec = c.do(http.MethodGet, base+"/await?timeout=5s", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[models.TaskResult](t, rec)
	assert.Equal(t, models.TaskApproved, res.Status)
	require.NotNil(t, res.Audit)
	assert.Equal(t, models.VerdictPass, res.Audit.Verdict)

	rec = c.do(http.MethodGet, base+"/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]models.DecisionLogEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, models.StageSubmitted, entries[0].From)
	assert.Equal(t, models.StageAudit, entries[0].To)
	assert.Equal(t, models.StageApproved, entries[1].To)

	rec = c.do(http.MethodGet, base+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decode[map[string]any](t, rec)
	assert.Equal(t, true, replay["valid"])
	assert.Equal(t, string(models.TaskApproved), replay["status"])

	rec = c.do(http.MethodGet, "/api/v1/tasks?status=APPROVED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.TaskResult](t, rec), 1)

	// Finished tasks cannot be cancelled.
	assert.Equal(t, http.StatusConflict, c.do(http.MethodDelete, base+"/", nil).Code)

	// Another tenant cannot see the task or its trail.
	other := client{t: t, h: srv.Handler, org: "globex", brand: "outdoor"}
	assert.Equal(t, http.StatusNotFound, other.do(http.MethodGet, base+"/", nil).Code)
	assert.Equal(t, http.StatusNotFound, other.do(http.MethodGet, base+"/log", nil).Code)
	assert.Empty(t, decode[[]models.TaskResult](t, other.do(http.MethodGet, "/api/v1/tasks", nil)))
}

func TestUnknownTask(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/v1/tasks/nope/", nil).Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/api/v1/tasks/nope/log", nil).Code)
}

func TestBlockedCreativeIsRejected(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}

	creative := cleanCreative()
	creative.Variants[0].Body = "Guaranteed results with our miracle jacket."
	rec := c.do(http.MethodPost, "/api/v1/tasks", map[string]any{
		"objective": models.ObjectiveAuditOnly,
		"creative":  creative,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	handle := decode[models.TaskHandle](t, rec)

	res := decode[models.TaskResult](t, c.do(http.MethodGet, "/api/v1/tasks/"+handle.TaskID+"/await?timeout=5s", nil))
	assert.Equal(t, models.TaskRejected, res.Status)
	assert.Contains(t, res.Reason, "hard policy violation")

	// Rejections are notified, not queued for review.
	assert.Empty(t, decode[[]map[string]any](t, c.do(http.MethodGet, "/api/v1/reviews", nil)))
}

func TestEscalationQueuesReview(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}

	creative := cleanCreative()
	creative.Variants[0].Headline = "Autumn layers for every trail, town and timberline"
	rec := c.do(http.MethodPost, "/api/v1/tasks", map[string]any{
		"objective": models.ObjectiveAuditOnly,
		"creative":  creative,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	handle := decode[models.TaskHandle](t, rec)

	res := decode[models.TaskResult](t, c.do(http.MethodGet, "/api/v1/tasks/"+handle.TaskID+"/await?timeout=5s", nil))
	require.Equal(t, models.TaskEscalated, res.Status, res.Reason)

	reviews := decode[[]map[string]any](t, c.do(http.MethodGet, "/api/v1/reviews", nil))
	require.Len(t, reviews, 1)
	assert.Equal(t, handle.TaskID, reviews[0]["task_id"])

	other := client{t: t, h: srv.Handler, org: "globex", brand: "outdoor"}
	assert.Equal(t, http.StatusNotFound, other.do(http.MethodPost, "/api/v1/reviews/"+handle.TaskID+"/resolve", nil).Code)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/api/v1/reviews/"+handle.TaskID+"/resolve", nil).Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/api/v1/reviews/"+handle.TaskID+"/resolve", nil).Code)
}

func TestMetricsIngestAndQuery(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}

	// Recent points, so the retention janitor leaves them alone.
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(-24*time.Hour + time.Hour)
	rec := c.do(http.MethodPost, "/api/v1/metrics", map[string]any{"points": []map[string]any{
		{"metric": "search.spend", "value": 100, "timestamp": day},
		{"metric": "search.spend", "value": 50, "timestamp": day.Add(2 * time.Hour)},
		{"metric": "search.spend", "value": 70, "timestamp": day.Add(24 * time.Hour)},
	}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.EqualValues(t, 3, decode[map[string]any](t, rec)["accepted"])

	rec = c.do(http.MethodGet, "/api/v1/metrics?metric=search.spend&granularity=daily", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Buckets []models.Bucket `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Buckets, 2)
	assert.InDelta(t, 150, body.Buckets[0].Value, 1e-9)
	assert.Equal(t, 2, body.Buckets[0].Count)

	assert.Equal(t, http.StatusBadRequest,
		c.do(http.MethodGet, "/api/v1/metrics?metric=search.spend&granularity=weekly", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		c.do(http.MethodGet, "/api/v1/metrics?metric=search.spend&from=yesterday", nil).Code)

	channels := decode[map[string][]string](t, c.do(http.MethodGet, "/api/v1/metrics", nil))
	assert.Equal(t, []string{"search"}, channels["channels"])

	other := client{t: t, h: srv.Handler, org: "globex", brand: "outdoor"}
	assert.Empty(t, decode[map[string][]string](t, other.do(http.MethodGet, "/api/v1/metrics", nil))["channels"])
}

func TestWinners(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}

	rec := c.do(http.MethodPut, "/api/v1/winners", []models.HistoricalWinner{
		{Channel: "search", ROAS: 4.2, Spend: 1200, Headline: "Layers for every trail"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	winners := decode[[]models.HistoricalWinner](t, c.do(http.MethodGet, "/api/v1/winners", nil))
	require.Len(t, winners, 1)
	assert.Equal(t, "search", winners[0].Channel)

	other := client{t: t, h: srv.Handler, org: "acme", brand: "city"}
	assert.Empty(t, decode[[]models.HistoricalWinner](t, other.do(http.MethodGet, "/api/v1/winners", nil)))
}

func TestProvidersWithoutKeys(t *testing.T) {
	srv := newServer(t)
	c := client{t: t, h: srv.Handler, org: "acme", brand: "outdoor"}
	rec := c.do(http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string]any](t, rec)["providers"])
}
