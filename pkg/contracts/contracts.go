// Package contracts defines the agent and service interfaces of the
// marketing decision pipeline.
//
// The orchestrator in internal/workflow depends only on these interfaces, so
// any agent can be swapped for a different implementation (or a test double)
// in the wiring code without touching the state machine.
package contracts

import (
	"context"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// ── Agents ──────────────────────────────────────────────────

// ResearchInput is everything the Researcher sees for one task.
type ResearchInput struct {
	// Series holds the daily ROAS series per channel.
	Series map[string][]models.Bucket
	// Forecasts holds the ROI engine's prediction per channel.
	Forecasts map[string]models.Forecast
	Snapshot  models.LiveSnapshot
	// DataErr is set when the series could not be loaded at all.
	DataErr error
}

// Researcher turns raw performance data into ranked, fact-checked findings.
// OSS implementation: internal/research.Agent
type Researcher interface {
	Analyze(ctx context.Context, tenant models.TenantContext, in ResearchInput) models.ResearchOutcome
}

// StrategyOptions tune a single Strategist call.
type StrategyOptions struct {
	// Cap is the circuit-breaker fraction already tightened by the task's
	// constraints.
	Cap float64
	// Seed makes Monte Carlo runs reproducible per task.
	Seed uint64
	// Committed is the delta already approved per channel inside the
	// ledger window.
	Committed map[string]float64
	// ResearchConfidence is the upstream confidence the allocation's own
	// confidence is blended with.
	ResearchConfidence float64
}

// Strategist proposes a budget reallocation bounded by the circuit breaker.
// OSS implementation: internal/strategy.Agent
type Strategist interface {
	Propose(ctx context.Context, tenant models.TenantContext, research models.ResearchResult,
		snapshot models.LiveSnapshot, opts StrategyOptions) models.AllocationOutcome
}

// CreativeInput carries the upstream results plus any rewrite hints from the
// previous audit round.
type CreativeInput struct {
	Allocation  *models.BudgetAllocation
	Research    *models.ResearchResult
	Constraints models.Constraints
	Hints       []models.RewriteHint
	Round       int
	Previous    *models.CreativeResult
}

// CreativeAgent produces platform-bound content variants.
// OSS implementation: internal/creative.Agent
type CreativeAgent interface {
	Generate(ctx context.Context, tenant models.TenantContext, in CreativeInput) models.CreativeOutcome
}

// Auditor decides whether creative may be published.
// OSS implementation: internal/auditor.Agent
type Auditor interface {
	Audit(ctx context.Context, tenant models.TenantContext, creative models.CreativeResult) models.AuditOutcome
}

// ── Generation capability ───────────────────────────────────

// Candidate is one scored piece of generated text. Score is only meaningful
// when Scored is set; SCORE: 0 is a real answer.
type Candidate struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Scored   bool    `json:"scored"`
	Provider string  `json:"provider,omitempty"`
}

// Generator is the text-in / scored-candidate-out generation contract.
// Errors are expected (timeouts, unavailable providers) and every caller
// must have a deterministic fallback.
// OSS implementation: internal/router.ModelRouter
type Generator interface {
	Generate(ctx context.Context, prompt string) (Candidate, error)
}

// ── Decision log ────────────────────────────────────────────

// DecisionLog is the append-only audit trail. There is no update or delete.
// OSS implementation: internal/decisionlog.Logger
type DecisionLog interface {
	// Append must be durable before it returns nil.
	Append(ctx context.Context, entry *models.DecisionLogEntry) error
	// ReadAll returns the task's entries ordered by Seq.
	ReadAll(ctx context.Context, taskID string) ([]models.DecisionLogEntry, error)
}

// ── Orchestration ───────────────────────────────────────────

// SubmitOption adjusts a task before it is queued.
type SubmitOption func(*models.Task)

// WithCreative supplies the creative an AUDIT_ONLY task audits.
func WithCreative(c models.CreativeResult) SubmitOption {
	return func(t *models.Task) { t.Creative = &c }
}

// Pipeline is the caller-facing surface of the orchestrator.
// OSS implementation: internal/workflow.Engine
type Pipeline interface {
	SubmitTask(ctx context.Context, tenant models.TenantContext, objective models.Objective,
		constraints models.Constraints, snapshot models.LiveSnapshot, opts ...SubmitOption) (models.TaskHandle, error)
	GetTaskResult(ctx context.Context, handle models.TaskHandle) (*models.TaskResult, error)
	Await(ctx context.Context, handle models.TaskHandle) (*models.TaskResult, error)
	CancelTask(handle models.TaskHandle) bool
}
