// Package workflow implements the task orchestrator.
//
// Every task runs through a fixed state machine in its own goroutine:
//
//  1. RESEARCH: series and forecasts are loaded and analysed; the result is
//     gated on research confidence
//  2. STRATEGY: budget channels are locked and the Strategist proposes a
//     clamped reallocation, gated on allocation confidence
//  3. CREATIVE → AUDIT: every creative result is audited
//  4. NEGOTIATE: a rewrite verdict sends hints back to CREATIVE, at most
//     MaxRounds times
//  5. APPROVED, REJECTED, ESCALATED or CANCELLED ends the task
//
// Each transition is written to the decision log before the task moves on.
// A failed write stops the task with PERSISTENCE_FAILURE.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/marketing-pipeline/internal/budget"
	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/decisionlog"
	"github.com/agentoven/marketing-pipeline/internal/forecast"
	"github.com/agentoven/marketing-pipeline/internal/notify"
	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/internal/timeseries"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// ErrInvalidTask is returned by SubmitTask for requests that can never run.
var ErrInvalidTask = errors.New("invalid task")

// Deps are the collaborators the engine drives. Notifier may be nil.
type Deps struct {
	Researcher contracts.Researcher
	Strategist contracts.Strategist
	Creative   contracts.CreativeAgent
	Auditor    contracts.Auditor

	Log      contracts.DecisionLog
	Tasks    store.TaskStore
	Series   *timeseries.Aggregator
	Forecast *forecast.Engine
	Ledger   budget.Ledger
	Notifier *notify.Service
}

// Engine runs marketing tasks. It implements contracts.Pipeline.
type Engine struct {
	deps Deps
	cfg  config.PipelineConfig
	now  func() time.Time

	// Running tasks: taskID → run
	runsMu sync.RWMutex
	runs   map[string]*run

	// Results the task store refused, so callers still see the outcome.
	unsavedMu sync.RWMutex
	unsaved   map[string]*models.TaskResult
}

type run struct {
	task   *models.Task
	cancel context.CancelFunc
	done   chan struct{}
}

var _ contracts.Pipeline = (*Engine)(nil)

// NewEngine creates the orchestrator.
func NewEngine(deps Deps, cfg config.PipelineConfig) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 28
	}
	if cfg.ForecastHorizon <= 0 {
		cfg.ForecastHorizon = 7
	}
	if deps.Forecast == nil {
		deps.Forecast = forecast.New(forecast.DefaultOptions())
	}
	if deps.Ledger == nil {
		deps.Ledger = budget.NewMemoryLedger(24 * time.Hour)
	}
	return &Engine{
		deps:    deps,
		cfg:     cfg,
		now:     time.Now,
		runs:    make(map[string]*run),
		unsaved: make(map[string]*models.TaskResult),
	}
}

// SubmitTask validates and queues a task. It returns as soon as the pending
// result is stored; the pipeline runs in the background.
func (e *Engine) SubmitTask(ctx context.Context, tenant models.TenantContext, objective models.Objective,
	constraints models.Constraints, snapshot models.LiveSnapshot, opts ...contracts.SubmitOption) (models.TaskHandle, error) {
	if !objective.Valid() {
		return models.TaskHandle{}, fmt.Errorf("%w: unknown objective %q", ErrInvalidTask, objective)
	}
	if tenant.OrganizationID == "" || tenant.BrandID == "" {
		return models.TaskHandle{}, fmt.Errorf("%w: tenant needs an organization and a brand", ErrInvalidTask)
	}
	if constraints.MaxVariancePct < 0 {
		return models.TaskHandle{}, fmt.Errorf("%w: negative variance cap", ErrInvalidTask)
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Tenant:      tenant,
		Objective:   objective,
		Constraints: constraints,
		Snapshot:    snapshot,
		CreatedAt:   e.now().UTC(),
	}
	for _, opt := range opts {
		opt(task)
	}
	switch objective {
	case models.ObjectiveAuditOnly:
		if task.Creative == nil || len(task.Creative.Variants) == 0 {
			return models.TaskHandle{}, fmt.Errorf("%w: AUDIT_ONLY needs a creative with at least one variant", ErrInvalidTask)
		}
	case models.ObjectiveOptimizeBudget:
		if len(snapshot.Channels) == 0 {
			return models.TaskHandle{}, fmt.Errorf("%w: OPTIMIZE_BUDGET needs at least one channel in the snapshot", ErrInvalidTask)
		}
	}

	if err := e.deps.Tasks.SaveTask(ctx, pendingResult(task)); err != nil {
		return models.TaskHandle{}, fmt.Errorf("%w: store task: %v", models.ErrPersistenceFailure, err)
	}

	// The task outlives the request but stays in the caller's trace.
	base := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if constraints.Deadline.IsZero() {
		execCtx, cancel = context.WithCancel(base)
	} else {
		execCtx, cancel = context.WithDeadline(base, constraints.Deadline)
	}
	r := &run{task: task, cancel: cancel, done: make(chan struct{})}
	e.runsMu.Lock()
	e.runs[task.ID] = r
	e.runsMu.Unlock()

	log.Info().
		Str("task_id", task.ID).
		Str("tenant", tenant.Key()).
		Str("objective", string(objective)).
		Int("channels", len(snapshot.Channels)).
		Msg("📣 Task submitted")

	go e.execute(execCtx, r)

	return models.TaskHandle{TaskID: task.ID}, nil
}

// GetTaskResult returns the task's result. Running tasks report PENDING. A
// task whose decision log could not be written yields ErrPersistenceFailure
// instead of a result.
func (e *Engine) GetTaskResult(ctx context.Context, handle models.TaskHandle) (*models.TaskResult, error) {
	e.runsMu.RLock()
	r, running := e.runs[handle.TaskID]
	e.runsMu.RUnlock()
	if running {
		return pendingResult(r.task), nil
	}

	e.unsavedMu.RLock()
	res, ok := e.unsaved[handle.TaskID]
	e.unsavedMu.RUnlock()
	if !ok {
		var err error
		res, err = e.deps.Tasks.GetTask(ctx, handle.TaskID)
		if err != nil {
			var nf *store.ErrNotFound
			if errors.As(err, &nf) {
				return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, handle.TaskID)
			}
			return nil, err
		}
	}
	if res.Status == models.TaskPersistenceFailure {
		return nil, fmt.Errorf("%w: %s", models.ErrPersistenceFailure, res.Reason)
	}
	return res, nil
}

// Await blocks until the task finishes or ctx is done.
func (e *Engine) Await(ctx context.Context, handle models.TaskHandle) (*models.TaskResult, error) {
	e.runsMu.RLock()
	r, running := e.runs[handle.TaskID]
	e.runsMu.RUnlock()
	if running {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.GetTaskResult(ctx, handle)
}

// CancelTask asks a running task to stop. The task records CANCELLED at its
// next stage boundary. It returns false when the task is not running.
func (e *Engine) CancelTask(handle models.TaskHandle) bool {
	e.runsMu.RLock()
	r, ok := e.runs[handle.TaskID]
	e.runsMu.RUnlock()
	if ok {
		r.cancel()
		log.Info().Str("task_id", handle.TaskID).Msg("🛑 Task cancellation requested")
	}
	return ok
}

// ListRuns lists stored task results, newest first.
func (e *Engine) ListRuns(ctx context.Context, filter store.TaskFilter) ([]models.TaskResult, error) {
	return e.deps.Tasks.ListTasks(ctx, filter)
}

// DecisionLog returns the task's decision log entries in order.
func (e *Engine) DecisionLog(ctx context.Context, taskID string) ([]models.DecisionLogEntry, error) {
	entries, err := e.deps.Log.ReadAll(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := e.deps.Tasks.GetTask(ctx, taskID); err != nil {
			return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
		}
	}
	return entries, nil
}

// Replay re-derives the task's status from its decision log alone.
func (e *Engine) Replay(ctx context.Context, taskID string) (models.TaskStatus, error) {
	entries, err := e.DecisionLog(ctx, taskID)
	if err != nil {
		return "", err
	}
	return decisionlog.Replay(entries)
}

// Shutdown cancels every running task and waits for each to record its
// final entry, or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runsMu.RLock()
	pending := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		pending = append(pending, r)
	}
	e.runsMu.RUnlock()

	for _, r := range pending {
		r.cancel()
	}
	for _, r := range pending {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %d task(s) still running: %w", e.running(), ctx.Err())
		}
	}
	return nil
}

func (e *Engine) running() int {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	return len(e.runs)
}

// ── Execution ───────────────────────────────────────────────

func (e *Engine) execute(ctx context.Context, r *run) {
	defer r.cancel()

	x := &execution{
		e:      e,
		task:   r.task,
		trail:  decisionlog.NewTrail(e.deps.Log, r.task),
		lctx:   context.WithoutCancel(ctx),
		result: pendingResult(r.task),
	}
	if err := x.run(ctx); err != nil {
		x.result.Status = models.TaskPersistenceFailure
		x.result.Reason = err.Error()
		log.Error().
			Err(err).
			Str("task_id", r.task.ID).
			Str("stage", string(x.trail.Current())).
			Int("seq", x.trail.Seq()).
			Msg("💥 Decision log write failed, task stopped")
	}
	// Channel locks are held until the final entry is durable.
	if x.unlock != nil {
		x.unlock()
	}

	completed := e.now().UTC()
	x.result.CompletedAt = &completed
	e.finish(r, x.result)
}

func (e *Engine) finish(r *run, result *models.TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Tasks.SaveTask(ctx, result); err != nil {
		log.Error().Err(err).Str("task_id", result.TaskID).Msg("Failed to store task result")
		e.unsavedMu.Lock()
		e.unsaved[result.TaskID] = result
		e.unsavedMu.Unlock()
	}

	// Review items are queued before waiters wake.
	if e.deps.Notifier != nil {
		e.deps.Notifier.Publish(result)
	}

	e.runsMu.Lock()
	delete(e.runs, result.TaskID)
	e.runsMu.Unlock()
	close(r.done)

	ev := log.Info()
	if result.Status == models.TaskPersistenceFailure {
		ev = log.Error()
	}
	ev.Str("task_id", result.TaskID).
		Str("tenant", result.Tenant).
		Str("status", string(result.Status)).
		Str("reason", result.Reason).
		Int("rounds", result.Rounds).
		Dur("duration", result.CompletedAt.Sub(result.SubmittedAt)).
		Msg("🏁 Task finished")
}

func pendingResult(t *models.Task) *models.TaskResult {
	return &models.TaskResult{
		TaskID:      t.ID,
		Tenant:      t.Tenant.Key(),
		Objective:   t.Objective,
		Status:      models.TaskPending,
		SubmittedAt: t.CreatedAt,
	}
}
