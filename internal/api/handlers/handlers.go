// Package handlers implements the HTTP handlers of the marketing pipeline.
//
// Every /api/v1 handler runs for exactly one tenant, taken from the request
// context by middleware.GetTenant. Tasks, metrics, winners and review items
// of other tenants are invisible: a foreign task id answers 404.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/api/middleware"
	"github.com/agentoven/marketing-pipeline/internal/notify"
	"github.com/agentoven/marketing-pipeline/internal/router"
	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/internal/timeseries"
	"github.com/agentoven/marketing-pipeline/internal/workflow"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Handlers holds all handler dependencies. Notifier and Router may be nil.
type Handlers struct {
	Pipeline *workflow.Engine
	Series   *timeseries.Aggregator
	Winners  store.WinnerStore
	Notifier *notify.Service
	Router   *router.ModelRouter
}

// New creates a new Handlers instance with all dependencies.
func New(wf *workflow.Engine, series *timeseries.Aggregator, winners store.WinnerStore,
	notifier *notify.Service, mr *router.ModelRouter) *Handlers {
	return &Handlers{
		Pipeline: wf,
		Series:   series,
		Winners:  winners,
		Notifier: notifier,
		Router:   mr,
	}
}

// tenant returns the request's tenant with its historical-data handle.
func (h *Handlers) tenant(r *http.Request) models.TenantContext {
	t := middleware.GetTenant(r)
	if h.Winners != nil {
		t.History = store.History(h.Winners)
	}
	return t
}

// ── Task Handlers ───────────────────────────────────────────

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Objective   models.Objective       `json:"objective"`
	Constraints models.Constraints     `json:"constraints"`
	Snapshot    models.LiveSnapshot    `json:"snapshot"`
	Creative    *models.CreativeResult `json:"creative,omitempty"`
}

func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Snapshot.CapturedAt.IsZero() {
		req.Snapshot.CapturedAt = time.Now().UTC()
	}
	var opts []contracts.SubmitOption
	if req.Creative != nil {
		opts = append(opts, contracts.WithCreative(*req.Creative))
	}

	handle, err := h.Pipeline.SubmitTask(r.Context(), h.tenant(r), req.Objective, req.Constraints, req.Snapshot, opts...)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidTask) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, handle)
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Tenant: middleware.GetTenant(r).Key(),
		Status: models.TaskStatus(r.URL.Query().Get("status")),
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		filter.Limit = n
	}
	runs, err := h.Pipeline.ListRuns(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.TaskResult{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r, func(handle models.TaskHandle) (*models.TaskResult, error) {
		return h.Pipeline.GetTaskResult(r.Context(), handle)
	})
	if ok {
		respondJSON(w, http.StatusOK, res)
	}
}

// AwaitTask blocks until the task finishes, up to ?timeout (default 30s).
// A task still running at the timeout is returned as PENDING.
func (h *Handlers) AwaitTask(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(r.URL.Query().Get("timeout")); err == nil && d > 0 && d <= 5*time.Minute {
		timeout = d
	}
	// Ownership is checked before waiting so a foreign id never blocks.
	res, ok := h.result(w, r, func(handle models.TaskHandle) (*models.TaskResult, error) {
		return h.Pipeline.GetTaskResult(r.Context(), handle)
	})
	if !ok {
		return
	}
	if !res.Done() {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		res, ok = h.result(w, r, func(handle models.TaskHandle) (*models.TaskResult, error) {
			res, err := h.Pipeline.Await(ctx, handle)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return h.Pipeline.GetTaskResult(r.Context(), handle)
			}
			return res, err
		})
		if !ok {
			return
		}
	}
	respondJSON(w, http.StatusOK, res)
}

// result runs get for the URL's task and answers errors. It returns false
// when a response was already written.
func (h *Handlers) result(w http.ResponseWriter, r *http.Request,
	get func(models.TaskHandle) (*models.TaskResult, error)) (*models.TaskResult, bool) {
	handle := models.TaskHandle{TaskID: chi.URLParam(r, "taskId")}
	res, err := get(handle)
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	case res.Tenant != middleware.GetTenant(r).Key():
		respondError(w, http.StatusNotFound, models.ErrTaskNotFound.Error()+": "+handle.TaskID)
		return nil, false
	}
	return res, true
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r, func(handle models.TaskHandle) (*models.TaskResult, error) {
		return h.Pipeline.GetTaskResult(r.Context(), handle)
	})
	if !ok {
		return
	}
	if !h.Pipeline.CancelTask(models.TaskHandle{TaskID: res.TaskID}) {
		respondError(w, http.StatusConflict, "task is not running")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"task_id": res.TaskID, "status": "cancelling"})
}

func (h *Handlers) TaskLog(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.entries(w, r)
	if ok {
		respondJSON(w, http.StatusOK, entries)
	}
}

// ReplayTask re-derives the task's status from its decision log.
func (h *Handlers) ReplayTask(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.entries(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "taskId")
	status, err := h.Pipeline.Replay(r.Context(), taskID)
	body := map[string]any{"task_id": taskID, "entries": len(entries), "status": status}
	switch {
	case errors.Is(err, models.ErrPending):
		body["status"] = models.TaskPending
	case err != nil:
		body["valid"] = false
		body["error"] = err.Error()
		respondJSON(w, http.StatusUnprocessableEntity, body)
		return
	}
	body["valid"] = true
	respondJSON(w, http.StatusOK, body)
}

func (h *Handlers) entries(w http.ResponseWriter, r *http.Request) ([]models.DecisionLogEntry, bool) {
	taskID := chi.URLParam(r, "taskId")
	entries, err := h.Pipeline.DecisionLog(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	tenant := middleware.GetTenant(r).Key()
	for _, e := range entries {
		if e.Tenant != tenant {
			respondError(w, http.StatusNotFound, models.ErrTaskNotFound.Error()+": "+taskID)
			return nil, false
		}
	}
	if entries == nil {
		entries = []models.DecisionLogEntry{}
	}
	return entries, true
}

// ── Metric Handlers ─────────────────────────────────────────

// MetricPoint is one observation in POST /api/v1/metrics.
type MetricPoint struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) IngestMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Points []MetricPoint `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tenant := middleware.GetTenant(r)
	accepted := 0
	var rejected []string
	for _, p := range req.Points {
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now().UTC()
		}
		if err := h.Series.Ingest(tenant, p.Metric, p.Value, p.Timestamp); err != nil {
			rejected = append(rejected, err.Error())
			continue
		}
		accepted++
	}
	status := http.StatusAccepted
	if accepted == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, map[string]any{"accepted": accepted, "rejected": rejected})
}

// QueryMetrics answers ?metric=&granularity=hourly|daily&from=&to= (RFC 3339).
// Without a metric it lists the tenant's channels.
func (h *Handlers) QueryMetrics(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenant(r)
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		respondJSON(w, http.StatusOK, map[string]any{"channels": nonNil(h.Series.Channels(tenant))})
		return
	}

	gran := models.Granularity(q.Get("granularity"))
	if gran == "" {
		gran = models.GranularityDaily
	}
	if gran != models.GranularityDaily && gran != models.GranularityHourly {
		respondError(w, http.StatusBadRequest, "granularity must be hourly or daily")
		return
	}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"metric":      metric,
		"granularity": gran,
		"buckets":     h.Series.Query(tenant, metric, gran, from, to),
	})
}

// ── Winner Handlers ─────────────────────────────────────────

func (h *Handlers) PutWinners(w http.ResponseWriter, r *http.Request) {
	var winners []models.HistoricalWinner
	if err := json.NewDecoder(r.Body).Decode(&winners); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tenant := middleware.GetTenant(r).Key()
	if err := h.Winners.PutHistoricalWinners(r.Context(), tenant, winners); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("tenant", tenant).Int("winners", len(winners)).Msg("Historical winners replaced")
	respondJSON(w, http.StatusOK, map[string]int{"stored": len(winners)})
}

func (h *Handlers) ListWinners(w http.ResponseWriter, r *http.Request) {
	winners, err := h.Winners.ListHistoricalWinners(r.Context(), middleware.GetTenant(r).Key())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if winners == nil {
		winners = []models.HistoricalWinner{}
	}
	respondJSON(w, http.StatusOK, winners)
}

// ── Review Handlers ─────────────────────────────────────────

func (h *Handlers) ListReviews(w http.ResponseWriter, r *http.Request) {
	if h.Notifier == nil {
		respondJSON(w, http.StatusOK, []notify.ReviewItem{})
		return
	}
	respondJSON(w, http.StatusOK, h.Notifier.Reviews(middleware.GetTenant(r).Key()))
}

func (h *Handlers) ResolveReview(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	tenant := middleware.GetTenant(r).Key()
	if h.Notifier != nil {
		for _, item := range h.Notifier.Reviews(tenant) {
			if item.TaskID == taskID && h.Notifier.Resolve(taskID) {
				log.Info().Str("task_id", taskID).Str("user", middleware.GetTenant(r).UserID).Msg("Review resolved")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}
	respondError(w, http.StatusNotFound, "no review queued for task "+taskID)
}

// ── Provider Handlers ───────────────────────────────────────

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	if h.Router == nil {
		respondJSON(w, http.StatusOK, map[string]any{"providers": []string{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"providers":  nonNil(h.Router.ListDrivers()),
		"latency_ms": h.Router.Latencies(),
	})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
