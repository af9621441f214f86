package models

import (
	"context"
	"encoding/json"
	"time"
)

// ── Tenant ───────────────────────────────────────────────────

// HistoricalData is the read-only handle into the external multi-tenant data
// layer. The pipeline never writes through it.
type HistoricalData interface {
	GetHistoricalWinners(ctx context.Context, tenant TenantContext) ([]HistoricalWinner, error)
}

// TenantContext identifies who a task runs for. It is threaded explicitly
// through every stage call and is the only tenant-isolation mechanism.
type TenantContext struct {
	OrganizationID string         `json:"organization_id"`
	BrandID        string         `json:"brand_id"`
	UserID         string         `json:"user_id"`
	History        HistoricalData `json:"-"`
}

// Key returns the isolation key used for series, locks and the budget ledger.
func (t TenantContext) Key() string {
	return t.OrganizationID + "/" + t.BrandID
}

// Winners reads historical winners through the tenant's data handle.
// A tenant without a handle simply has no history.
func (t TenantContext) Winners(ctx context.Context) ([]HistoricalWinner, error) {
	if t.History == nil {
		return nil, nil
	}
	return t.History.GetHistoricalWinners(ctx, t)
}

// HistoricalWinner is a past campaign the tenant considers a benchmark.
type HistoricalWinner struct {
	Channel  string    `json:"channel" db:"channel"`
	Platform string    `json:"platform,omitempty" db:"platform"`
	ROAS     float64   `json:"roas" db:"roas"`
	Spend    float64   `json:"spend" db:"spend"`
	Headline string    `json:"headline,omitempty" db:"headline"`
	Tone     string    `json:"tone,omitempty" db:"tone"`
	RanAt    time.Time `json:"ran_at,omitempty" db:"ran_at"`
}

// ── Task ─────────────────────────────────────────────────────

type Objective string

const (
	ObjectiveOptimizeBudget Objective = "OPTIMIZE_BUDGET"
	ObjectiveLaunchCreative Objective = "LAUNCH_CREATIVE"
	ObjectiveAuditOnly      Objective = "AUDIT_ONLY"
)

// Valid reports whether o is one of the known objectives.
func (o Objective) Valid() bool {
	switch o {
	case ObjectiveOptimizeBudget, ObjectiveLaunchCreative, ObjectiveAuditOnly:
		return true
	}
	return false
}

// PlatformConstraint holds the hard limits a creative variant must respect.
type PlatformConstraint struct {
	Platform         string `json:"platform" yaml:"platform"`
	MaxHeadlineChars int    `json:"max_headline_chars" yaml:"max_headline_chars"`
	MaxBodyChars     int    `json:"max_body_chars" yaml:"max_body_chars"`
	MaxAssets        int    `json:"max_assets" yaml:"max_assets"`
}

// Constraints bound what a task may propose.
type Constraints struct {
	// MaxVariancePct tightens the circuit breaker (0 < pct ≤ 0.35). Zero
	// means the default cap applies.
	MaxVariancePct float64              `json:"max_variance_pct,omitempty"`
	Deadline       time.Time            `json:"deadline,omitempty"`
	Platforms      []PlatformConstraint `json:"platforms,omitempty"`
}

// ChannelSnapshot is the live spend/performance of one channel.
type ChannelSnapshot struct {
	Channel     string  `json:"channel"`
	Spend       float64 `json:"spend"`
	Revenue     float64 `json:"revenue"`
	Conversions float64 `json:"conversions,omitempty"`
}

// ROAS returns revenue / spend, or 0 when nothing was spent.
func (c ChannelSnapshot) ROAS() float64 {
	if c.Spend <= 0 {
		return 0
	}
	return c.Revenue / c.Spend
}

// CPA returns spend / conversions, or 0 when nothing converted.
func (c ChannelSnapshot) CPA() float64 {
	if c.Conversions <= 0 {
		return 0
	}
	return c.Spend / c.Conversions
}

// LiveSnapshot is the current live state of every channel the task may touch.
type LiveSnapshot struct {
	Channels   []ChannelSnapshot `json:"channels"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Channel returns the snapshot for the named channel.
func (s LiveSnapshot) Channel(name string) (ChannelSnapshot, bool) {
	for _, c := range s.Channels {
		if c.Channel == name {
			return c, true
		}
	}
	return ChannelSnapshot{}, false
}

// TotalSpend sums spend across channels.
func (s LiveSnapshot) TotalSpend() float64 {
	var total float64
	for _, c := range s.Channels {
		total += c.Spend
	}
	return total
}

// Task is created once per invocation and never mutated afterwards.
type Task struct {
	ID          string        `json:"id"`
	Tenant      TenantContext `json:"tenant"`
	Objective   Objective     `json:"objective"`
	Constraints Constraints   `json:"constraints"`
	Snapshot    LiveSnapshot  `json:"snapshot"`

	// Creative is the candidate to audit for AUDIT_ONLY tasks.
	Creative  *CreativeResult `json:"creative,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskHandle is what callers hold on to after submission.
type TaskHandle struct {
	TaskID string `json:"task_id"`
}

// ── Agent results ────────────────────────────────────────────

// AgentResult wraps every agent's payload. Degraded is set when a fallback
// heuristic replaced a failed data or inference dependency.
type AgentResult[T any] struct {
	Payload    T        `json:"payload"`
	Confidence float64  `json:"confidence"`
	Degraded   bool     `json:"degraded"`
	Notes      []string `json:"notes,omitempty"`
}

type (
	ResearchOutcome   = AgentResult[ResearchResult]
	AllocationOutcome = AgentResult[BudgetAllocation]
	CreativeOutcome   = AgentResult[CreativeResult]
	AuditOutcome      = AgentResult[AuditResult]
)

// ClampConfidence bounds a score to the 0–100 range.
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}

// ── Research ─────────────────────────────────────────────────

type FindingKind string

const (
	FindingOpportunity FindingKind = "opportunity"
	FindingRisk        FindingKind = "risk"
	FindingAnomaly     FindingKind = "anomaly"
)

type StatisticMethod string

const (
	StatIQR       StatisticMethod = "iqr"
	StatZScore    StatisticMethod = "zscore"
	StatTrend     StatisticMethod = "trend"
	StatHeuristic StatisticMethod = "heuristic"
)

// Statistic is the evidence behind a finding.
type Statistic struct {
	Method StatisticMethod `json:"method"`
	Value  float64         `json:"value"`
	Lower  float64         `json:"lower,omitempty"`
	Upper  float64         `json:"upper,omitempty"`
	Z      float64         `json:"z,omitempty"`
}

// Finding is one ranked item of a research result.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	Channel     string      `json:"channel"`
	Magnitude   float64     `json:"magnitude"`
	Score       float64     `json:"score"`
	Statistic   Statistic   `json:"statistic"`
	Observed    float64     `json:"observed"`
	BucketStart time.Time   `json:"bucket_start,omitempty"`
	Description string      `json:"description"`
}

// ChannelInsight summarizes one channel for the Strategist.
type ChannelInsight struct {
	Channel      string  `json:"channel"`
	CurrentROAS  float64 `json:"current_roas"`
	MeanROAS     float64 `json:"mean_roas"`
	Volatility   float64 `json:"volatility"`
	ForecastROAS float64 `json:"forecast_roas"`
	ForecastLow  float64 `json:"forecast_low"`
	ForecastHigh float64 `json:"forecast_high"`
	Method       string  `json:"method"`
	Confidence   float64 `json:"confidence"`
	Points       int     `json:"points"`
}

// ResearchResult is the Researcher's situational analysis.
type ResearchResult struct {
	Findings     []Finding          `json:"findings"`
	Channels     []ChannelInsight   `json:"channels"`
	Correlations map[string]float64 `json:"correlations,omitempty"` // key: "a|b" with a < b
	Dropped      int                `json:"dropped"`
	Summary      string             `json:"summary,omitempty"`
}

// Insight returns the insight for the named channel.
func (r ResearchResult) Insight(channel string) (ChannelInsight, bool) {
	for _, c := range r.Channels {
		if c.Channel == channel {
			return c, true
		}
	}
	return ChannelInsight{}, false
}

// CorrelationKey builds the canonical key for a channel pair.
func CorrelationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// ── Strategy ─────────────────────────────────────────────────

// ScenarioSet holds pessimistic/expected/optimistic ROAS projections.
type ScenarioSet struct {
	Pessimistic float64 `json:"pessimistic"`
	Expected    float64 `json:"expected"`
	Optimistic  float64 `json:"optimistic"`
}

// ChannelAllocation is the proposed change for one channel.
type ChannelAllocation struct {
	Channel        string      `json:"channel"`
	CurrentSpend   float64     `json:"current_spend"`
	ProposedSpend  float64     `json:"proposed_spend"`
	Delta          float64     `json:"delta"`
	UnclampedDelta float64     `json:"unclamped_delta"`
	Clamped        bool        `json:"clamped"`
	Scenarios      ScenarioSet `json:"scenarios"`
}

// BudgetAllocation is the Strategist's proposal.
type BudgetAllocation struct {
	Channels    []ChannelAllocation `json:"channels"`
	Portfolio   ScenarioSet         `json:"portfolio"`
	Clamped     bool                `json:"clamped"`
	Annotations []string            `json:"annotations,omitempty"`
	Trials      int                 `json:"trials"`
	Rationale   string              `json:"rationale,omitempty"`
}

// Channel returns the allocation for the named channel.
func (b BudgetAllocation) Channel(name string) (ChannelAllocation, bool) {
	for _, c := range b.Channels {
		if c.Channel == name {
			return c, true
		}
	}
	return ChannelAllocation{}, false
}

// ── Creative ─────────────────────────────────────────────────

type VariantSource string

const (
	SourceGenerated VariantSource = "generated"
	SourceTemplate  VariantSource = "template"
)

// CreativeVariant is one piece of content targeting one platform.
type CreativeVariant struct {
	ID         string             `json:"id"`
	Platform   string             `json:"platform"`
	Channel    string             `json:"channel,omitempty"`
	Headline   string             `json:"headline"`
	Body       string             `json:"body"`
	Assets     []string           `json:"assets,omitempty"`
	Constraint PlatformConstraint `json:"constraint"`
	Score      float64            `json:"score"`
	Source     VariantSource      `json:"source"`
}

// Text joins headline and body for rule evaluation.
func (v CreativeVariant) Text() string {
	if v.Headline == "" {
		return v.Body
	}
	return v.Headline + "\n" + v.Body
}

// CreativeResult holds the variants that survived hard-limit validation.
type CreativeResult struct {
	Variants []CreativeVariant `json:"variants"`
	Dropped  int               `json:"dropped"`
	Round    int               `json:"round"`
	Diff     string            `json:"diff,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictNeedsRewrite Verdict = "NEEDS_REWRITE"
)

// RewriteHint tells the Creative agent what to change on the next round.
type RewriteHint struct {
	VariantID   string   `json:"variant_id,omitempty"`
	Rule        string   `json:"rule"`
	Message     string   `json:"message"`
	RemoveTerms []string `json:"remove_terms,omitempty"`
	Shorten     bool     `json:"shorten,omitempty"`
	Calmer      bool     `json:"calmer,omitempty"`
}

// AuditResult is the Auditor's verdict. PublishLock blocks publication
// unconditionally.
type AuditResult struct {
	Verdict       Verdict       `json:"verdict"`
	PublishLock   bool          `json:"publish_lock"`
	ViolatedRules []string      `json:"violated_rules,omitempty"`
	RewriteHints  []RewriteHint `json:"rewrite_hints,omitempty"`
	Reasoning     []string      `json:"reasoning"`
}

// ── Decision log ─────────────────────────────────────────────

type Stage string

const (
	StageSubmitted Stage = "SUBMITTED"
	StageResearch  Stage = "RESEARCH"
	StageStrategy  Stage = "STRATEGY"
	StageCreative  Stage = "CREATIVE"
	StageAudit     Stage = "AUDIT"
	StageNegotiate Stage = "NEGOTIATE"
	StageApproved  Stage = "APPROVED"
	StageRejected  Stage = "REJECTED"
	StageEscalated Stage = "ESCALATED"
	StageCancelled Stage = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	switch s {
	case StageApproved, StageRejected, StageEscalated, StageCancelled:
		return true
	}
	return false
}

// DecisionLogEntry records one stage transition. Entries are written once and
// never updated; the ordered sequence for a task is its audit trail.
type DecisionLogEntry struct {
	ID          string          `json:"id" db:"id"`
	TaskID      string          `json:"task_id" db:"task_id"`
	Tenant      string          `json:"tenant" db:"tenant"`
	Seq         int             `json:"seq" db:"seq"`
	Stage       Stage           `json:"stage" db:"stage"`
	From        Stage           `json:"from" db:"from_stage"`
	To          Stage           `json:"to" db:"to_stage"`
	Round       int             `json:"round,omitempty" db:"round"`
	InputDigest string          `json:"input_digest" db:"input_digest"`
	Output      json.RawMessage `json:"output,omitempty" db:"output"`
	Confidence  float64         `json:"confidence" db:"confidence"`
	Degraded    bool            `json:"degraded" db:"degraded"`
	Annotations []string        `json:"annotations,omitempty"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// ── Task results ─────────────────────────────────────────────

type TaskStatus string

const (
	TaskPending            TaskStatus = "PENDING"
	TaskApproved           TaskStatus = "APPROVED"
	TaskRejected           TaskStatus = "REJECTED"
	TaskEscalated          TaskStatus = "ESCALATED"
	TaskCancelled          TaskStatus = "CANCELLED"
	TaskPersistenceFailure TaskStatus = "PERSISTENCE_FAILURE"
)

// StatusForStage maps a terminal stage to the caller-visible status.
func StatusForStage(s Stage) TaskStatus {
	switch s {
	case StageApproved:
		return TaskApproved
	case StageRejected:
		return TaskRejected
	case StageEscalated:
		return TaskEscalated
	case StageCancelled:
		return TaskCancelled
	}
	return TaskPending
}

// TaskResult is the terminal outcome of a task as seen by callers.
type TaskResult struct {
	TaskID      string            `json:"task_id" db:"task_id"`
	Tenant      string            `json:"tenant" db:"tenant"`
	Objective   Objective         `json:"objective" db:"objective"`
	Status      TaskStatus        `json:"status" db:"status"`
	Reason      string            `json:"reason,omitempty" db:"reason"`
	Allocation  *BudgetAllocation `json:"allocation,omitempty"`
	Creative    *CreativeResult   `json:"creative,omitempty"`
	Audit       *AuditResult      `json:"audit,omitempty"`
	Rounds      int               `json:"rounds" db:"rounds"`
	SubmittedAt time.Time         `json:"submitted_at" db:"submitted_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// Done reports whether the task reached a caller-visible end state.
func (r *TaskResult) Done() bool {
	return r != nil && r.Status != TaskPending
}

// ── Time series ──────────────────────────────────────────────

type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	if g == GranularityDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate returns the start of the bucket containing ts (UTC).
func (g Granularity) Truncate(ts time.Time) time.Time {
	ts = ts.UTC()
	if g == GranularityDaily {
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	return ts.Truncate(time.Hour)
}

// Bucket is one pre-aggregated interval.
type Bucket struct {
	Start time.Time `json:"bucket_start"`
	Value float64   `json:"value"`
	Count int       `json:"count"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
}

// Values extracts bucket values in order.
func Values(buckets []Bucket) []float64 {
	out := make([]float64, len(buckets))
	for i, b := range buckets {
		out[i] = b.Value
	}
	return out
}

// ── Forecast ─────────────────────────────────────────────────

type ForecastMethod string

const (
	MethodHoltWinters      ForecastMethod = "holt_winters"
	MethodLinearRegression ForecastMethod = "linear_regression"
	MethodNaiveMean        ForecastMethod = "naive_mean"
)

// ForecastPoint is the prediction for one step ahead.
type ForecastPoint struct {
	Step       int     `json:"step"`
	Expected   float64 `json:"expected"`
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
}

// Forecast is the ROI engine's answer for a series.
type Forecast struct {
	Expected   float64         `json:"expected"`
	LowerBound float64         `json:"lower_bound"`
	UpperBound float64         `json:"upper_bound"`
	Method     ForecastMethod  `json:"method"`
	Degraded   bool            `json:"degraded"`
	Horizon    int             `json:"horizon"`
	Points     []ForecastPoint `json:"points,omitempty"`
}

// Confidence maps the relative interval width to a 0–100 score.
func (f Forecast) Confidence() float64 {
	width := f.UpperBound - f.LowerBound
	scale := f.Expected
	if scale < 0 {
		scale = -scale
	}
	if scale < 1e-9 {
		if width <= 0 {
			return 50
		}
		return 0
	}
	c := 100 * (1 - width/(2*scale))
	if f.Degraded && c > 40 {
		c = 40
	}
	return ClampConfidence(c)
}
