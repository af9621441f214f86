package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentoven/marketing-pipeline/internal/decisionlog"
	"github.com/agentoven/marketing-pipeline/internal/strategy"
	"github.com/agentoven/marketing-pipeline/internal/telemetry"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// execution is one task's walk through the state machine. It is owned by
// the task's goroutine.
type execution struct {
	e     *Engine
	task  *models.Task
	trail *decisionlog.Trail
	// lctx carries log writes; it is never cancelled so a CANCELLED entry
	// can always be written.
	lctx   context.Context
	result *models.TaskResult

	research     *models.ResearchResult
	researchConf float64
	allocation   *models.BudgetAllocation
	unlock       func()
}

// run drives the task to a terminal stage. A non-nil error means a log
// write failed and the task has no terminal entry.
func (x *execution) run(ctx context.Context) error {
	if x.task.Objective == models.ObjectiveAuditOnly {
		creative := *x.task.Creative
		x.result.Creative = &creative
		if err := x.step(models.StageAudit, decisionlog.Record{
			Input:  x.task,
			Output: submission{Objective: x.task.Objective, Variants: len(creative.Variants)},
		}); err != nil {
			return err
		}
		_, _, err := x.audit(ctx, creative, 1)
		return err
	}

	if err := x.step(models.StageResearch, decisionlog.Record{
		Input:  x.task,
		Output: submission{Objective: x.task.Objective, Channels: len(x.task.Snapshot.Channels)},
	}); err != nil {
		return err
	}
	if ok, err := x.researchStage(ctx); err != nil || !ok {
		return err
	}
	if x.task.Objective == models.ObjectiveOptimizeBudget {
		if ok, err := x.strategyStage(ctx); err != nil || !ok {
			return err
		}
	}
	return x.negotiate(ctx)
}

// submission is the output recorded on the first entry.
type submission struct {
	Objective models.Objective `json:"objective"`
	Channels  int              `json:"channels,omitempty"`
	Variants  int              `json:"variants,omitempty"`
}

// step records a non-terminal transition.
func (x *execution) step(to models.Stage, rec decisionlog.Record) error {
	return x.trail.Transition(x.lctx, to, rec)
}

// end records a terminal transition and settles the result.
func (x *execution) end(to models.Stage, reason string, rec decisionlog.Record) error {
	if reason != "" {
		rec.Annotations = append(rec.Annotations, string(to)+": "+reason)
	}
	if err := x.step(to, rec); err != nil {
		return err
	}
	x.result.Status = models.StatusForStage(to)
	x.result.Reason = reason
	return nil
}

// cancelled records CANCELLED when ctx is done. stop reports whether the
// task ended.
func (x *execution) cancelled(ctx context.Context) (stop bool, err error) {
	cause := ctx.Err()
	if cause == nil {
		return false, nil
	}
	reason := "cancelled by caller"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}
	return true, x.end(models.StageCancelled, reason, decisionlog.Record{Round: x.result.Rounds})
}

// ── Research ────────────────────────────────────────────────

func (x *execution) researchStage(ctx context.Context) (bool, error) {
	if stop, err := x.cancelled(ctx); stop {
		return false, err
	}

	in := x.e.researchInput(ctx, x.task)
	sctx, span := telemetry.StartStage(ctx, x.task, models.StageResearch, 0)
	out := x.e.deps.Researcher.Analyze(sctx, x.task.Tenant, in)
	telemetry.EndStage(span, out.Confidence, out.Degraded, in.DataErr)

	x.research = &out.Payload
	x.researchConf = out.Confidence
	if stop, err := x.cancelled(ctx); stop {
		return false, err
	}

	rec := decisionlog.Record{
		Input:       researchDigest{Series: in.Series, Snapshot: in.Snapshot, DataErr: errString(in.DataErr)},
		Output:      out,
		Confidence:  out.Confidence,
		Degraded:    out.Degraded,
		Annotations: annotate(out.Notes, out.Degraded),
	}
	if out.Confidence < x.e.cfg.ResearchThreshold {
		return false, x.end(models.StageEscalated,
			fmt.Sprintf("research confidence %.0f below threshold %.0f", out.Confidence, x.e.cfg.ResearchThreshold), rec)
	}

	next := models.StageStrategy
	if x.task.Objective == models.ObjectiveLaunchCreative {
		next = models.StageCreative
	}
	return true, x.step(next, rec)
}

// researchDigest is what the research entry's input digest covers.
type researchDigest struct {
	Series   map[string][]models.Bucket `json:"series"`
	Snapshot models.LiveSnapshot        `json:"snapshot"`
	DataErr  string                     `json:"data_err,omitempty"`
}

// researchInput loads each channel's daily ROAS series and forecast. A
// tenant with no recorded series gets DataErr set so the Researcher takes
// its heuristic path.
func (e *Engine) researchInput(ctx context.Context, task *models.Task) contracts.ResearchInput {
	in := contracts.ResearchInput{
		Series:    make(map[string][]models.Bucket),
		Forecasts: make(map[string]models.Forecast),
		Snapshot:  task.Snapshot,
	}
	if e.deps.Series == nil {
		in.DataErr = fmt.Errorf("%w: no time-series aggregator configured", models.ErrDataUnavailable)
		return in
	}

	to := e.now().UTC()
	from := to.AddDate(0, 0, -e.cfg.HistoryDays)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ch := range channelNames(task.Snapshot, e.deps.Series.Channels(task.Tenant)) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			series := e.deps.Series.ROASSeries(task.Tenant, ch, models.GranularityDaily, from, to)
			if len(series) == 0 {
				return nil
			}
			fc := e.deps.Forecast.Predict(models.Values(series), e.cfg.ForecastHorizon)
			mu.Lock()
			in.Series[ch] = series
			in.Forecasts[ch] = fc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		in.DataErr = fmt.Errorf("%w: %v", models.ErrDataUnavailable, err)
	} else if len(in.Series) == 0 {
		in.DataErr = fmt.Errorf("%w: no ROAS history for %s", models.ErrDataUnavailable, task.Tenant.Key())
	}
	return in
}

// channelNames merges snapshot channels with those the aggregator knows,
// sorted and without duplicates.
func channelNames(snap models.LiveSnapshot, known []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(c string) {
		if _, ok := seen[c]; ok || c == "" {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range snap.Channels {
		add(c.Channel)
	}
	for _, c := range known {
		add(c)
	}
	sort.Strings(out)
	return out
}

// ── Strategy ────────────────────────────────────────────────

func (x *execution) strategyStage(ctx context.Context) (bool, error) {
	if stop, err := x.cancelled(ctx); stop {
		return false, err
	}

	tenantKey := x.task.Tenant.Key()
	channels := make([]string, 0, len(x.task.Snapshot.Channels))
	for _, c := range x.task.Snapshot.Channels {
		channels = append(channels, c.Channel)
	}

	unlock, err := x.e.deps.Ledger.Lock(ctx, tenantKey, channels)
	if err != nil {
		if stop, err := x.cancelled(ctx); stop {
			return false, err
		}
		return false, x.end(models.StageEscalated, fmt.Sprintf("budget ledger unavailable: %v", err), decisionlog.Record{})
	}
	x.unlock = unlock

	committed, err := x.e.deps.Ledger.Committed(ctx, tenantKey, channels)
	if err != nil {
		return false, x.end(models.StageEscalated, fmt.Sprintf("budget ledger unavailable: %v", err), decisionlog.Record{})
	}

	capPct := strategy.EffectiveCap(x.task.Constraints)
	if x.e.cfg.VarianceCap > 0 && x.e.cfg.VarianceCap < capPct {
		capPct = x.e.cfg.VarianceCap
	}
	opts := contracts.StrategyOptions{
		Cap:                capPct,
		Seed:               strategy.Seed(x.task.ID),
		Committed:          committed,
		ResearchConfidence: x.researchConf,
	}

	sctx, span := telemetry.StartStage(ctx, x.task, models.StageStrategy, 0)
	out := x.e.deps.Strategist.Propose(sctx, x.task.Tenant, *x.research, x.task.Snapshot, opts)
	telemetry.EndStage(span, out.Confidence, out.Degraded, nil)

	x.allocation = &out.Payload
	x.result.Allocation = x.allocation
	if stop, err := x.cancelled(ctx); stop {
		return false, err
	}

	if out.Payload.Clamped {
		clamp := decisionlog.Record{
			Input:      opts,
			Output:     clampReport(out.Payload),
			Confidence: out.Confidence,
			Degraded:   out.Degraded,
			Annotations: append([]string{"CLAMP: " + models.ErrBudgetCapExceeded.Error()},
				out.Payload.Annotations...),
		}
		if err := x.step(models.StageStrategy, clamp); err != nil {
			return false, err
		}
	}

	rec := decisionlog.Record{
		Input:       opts,
		Output:      out,
		Confidence:  out.Confidence,
		Degraded:    out.Degraded,
		Annotations: annotate(out.Notes, out.Degraded),
	}
	if out.Confidence < x.e.cfg.StrategyThreshold {
		return false, x.end(models.StageEscalated,
			fmt.Sprintf("allocation confidence %.0f below threshold %.0f", out.Confidence, x.e.cfg.StrategyThreshold), rec)
	}
	return true, x.step(models.StageCreative, rec)
}

// clampedChannel is one row of a CLAMP entry.
type clampedChannel struct {
	Channel   string  `json:"channel"`
	Requested float64 `json:"requested_delta"`
	Applied   float64 `json:"applied_delta"`
}

func clampReport(b models.BudgetAllocation) []clampedChannel {
	var out []clampedChannel
	for _, c := range b.Channels {
		if c.Clamped {
			out = append(out, clampedChannel{Channel: c.Channel, Requested: c.UnclampedDelta, Applied: c.Delta})
		}
	}
	return out
}

// ── Creative ↔ Audit ────────────────────────────────────────

// negotiate runs creative and audit rounds until the audit settles the task
// or the round budget runs out.
func (x *execution) negotiate(ctx context.Context) error {
	var (
		hints    []models.RewriteHint
		previous *models.CreativeResult
	)
	for round := 1; ; round++ {
		if stop, err := x.cancelled(ctx); stop {
			return err
		}

		in := contracts.CreativeInput{
			Allocation:  x.allocation,
			Research:    x.research,
			Constraints: x.task.Constraints,
			Hints:       hints,
			Round:       round,
			Previous:    previous,
		}
		sctx, span := telemetry.StartStage(ctx, x.task, models.StageCreative, round)
		out := x.e.deps.Creative.Generate(sctx, x.task.Tenant, in)
		telemetry.EndStage(span, out.Confidence, out.Degraded, nil)

		creative := out.Payload
		x.result.Rounds = round
		x.result.Creative = &creative
		if stop, err := x.cancelled(ctx); stop {
			return err
		}

		rec := decisionlog.Record{
			Round:       round,
			Input:       in,
			Output:      out,
			Confidence:  out.Confidence,
			Degraded:    out.Degraded,
			Annotations: annotate(out.Notes, out.Degraded),
		}
		if len(creative.Variants) == 0 {
			return x.end(models.StageEscalated, "no creative variant satisfied the platform limits", rec)
		}
		if err := x.step(models.StageAudit, rec); err != nil {
			return err
		}

		next, done, err := x.audit(ctx, creative, round)
		if err != nil || done {
			return err
		}
		hints = next
		previous = &creative
	}
}

// audit runs one audit round. done reports whether the task ended; when it
// did not, the returned hints feed the next creative round.
func (x *execution) audit(ctx context.Context, creative models.CreativeResult, round int) ([]models.RewriteHint, bool, error) {
	if stop, err := x.cancelled(ctx); stop {
		return nil, true, err
	}

	sctx, span := telemetry.StartStage(ctx, x.task, models.StageAudit, round)
	out := x.e.deps.Auditor.Audit(sctx, x.task.Tenant, creative)
	telemetry.EndStage(span, out.Confidence, out.Degraded, nil)

	verdict := out.Payload
	x.result.Audit = &verdict
	if stop, err := x.cancelled(ctx); stop {
		return nil, true, err
	}

	rec := decisionlog.Record{
		Round:       round,
		Input:       creative,
		Output:      out,
		Confidence:  out.Confidence,
		Degraded:    out.Degraded,
		Annotations: annotate(out.Notes, out.Degraded),
	}

	switch {
	case verdict.Verdict == models.VerdictFail:
		reason := fmt.Sprintf("%v: %s", models.ErrHardPolicyViolation, strings.Join(verdict.ViolatedRules, ", "))
		return nil, true, x.end(models.StageRejected, reason, rec)

	case verdict.Verdict == models.VerdictPass && !verdict.PublishLock:
		if out.Confidence < x.e.cfg.AuditThreshold {
			return nil, true, x.end(models.StageEscalated,
				fmt.Sprintf("audit confidence %.0f below threshold %.0f", out.Confidence, x.e.cfg.AuditThreshold), rec)
		}
		return nil, true, x.approve(rec)

	case verdict.Verdict == models.VerdictPass:
		return nil, true, x.end(models.StageEscalated, "passing verdict still holds the publish lock", rec)
	}

	// NEEDS_REWRITE
	rec.Annotations = append(rec.Annotations,
		fmt.Sprintf("%v: %d rewrite hint(s)", models.ErrComplianceViolation, len(verdict.RewriteHints)))
	if x.task.Objective == models.ObjectiveAuditOnly {
		return nil, true, x.end(models.StageEscalated, "supplied creative needs a rewrite", rec)
	}
	if round >= x.e.cfg.MaxRounds {
		return nil, true, x.end(models.StageEscalated,
			fmt.Sprintf("%v after %d rounds", models.ErrNegotiationExhausted, round), rec)
	}
	if err := x.step(models.StageNegotiate, rec); err != nil {
		return nil, true, err
	}
	if stop, err := x.cancelled(ctx); stop {
		return nil, true, err
	}
	if err := x.step(models.StageCreative, decisionlog.Record{
		Round:       round + 1,
		Input:       verdict,
		Output:      verdict.RewriteHints,
		Annotations: []string{fmt.Sprintf("REWRITE: round %d of %d", round+1, x.e.cfg.MaxRounds)},
	}); err != nil {
		return nil, true, err
	}
	return verdict.RewriteHints, false, nil
}

// approve commits the allocation's deltas to the budget ledger and records
// APPROVED. A ledger that refuses the commit escalates instead, since later
// tasks could no longer see this change.
func (x *execution) approve(rec decisionlog.Record) error {
	if x.allocation != nil && x.unlock != nil {
		deltas := make(map[string]float64, len(x.allocation.Channels))
		for _, c := range x.allocation.Channels {
			if c.Delta != 0 {
				deltas[c.Channel] = c.Delta
			}
		}
		if err := x.e.deps.Ledger.Commit(x.lctx, x.task.Tenant.Key(), deltas); err != nil {
			return x.end(models.StageEscalated, fmt.Sprintf("budget ledger commit failed: %v", err), rec)
		}
	}
	return x.end(models.StageApproved, "", rec)
}

// annotate turns agent notes into log annotations.
func annotate(notes []string, degraded bool) []string {
	out := make([]string, 0, len(notes)+1)
	if degraded {
		out = append(out, "DEGRADED")
	}
	return append(out, notes...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
