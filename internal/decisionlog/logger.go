// Package decisionlog is the append-only audit trail of the pipeline.
//
// Every stage transition of a task is written as exactly one
// DecisionLogEntry before the orchestrator moves on. Writes are synchronous:
// when the store cannot take an entry the task stops with
// ErrPersistenceFailure instead of reporting a state that was never
// recorded.
package decisionlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/pkg/contracts"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// ── Transition table ────────────────────────────────────────

var transitions = map[models.Stage][]models.Stage{
	models.StageSubmitted: {models.StageResearch, models.StageAudit, models.StageCancelled},
	models.StageResearch:  {models.StageStrategy, models.StageCreative, models.StageEscalated, models.StageCancelled},
	models.StageStrategy:  {models.StageStrategy, models.StageCreative, models.StageEscalated, models.StageCancelled},
	models.StageCreative:  {models.StageAudit, models.StageEscalated, models.StageCancelled},
	models.StageAudit:     {models.StageApproved, models.StageRejected, models.StageNegotiate, models.StageEscalated, models.StageCancelled},
	models.StageNegotiate: {models.StageCreative, models.StageEscalated, models.StageCancelled},
}

// Allowed reports whether the pipeline may move from one stage to another.
// STRATEGY → STRATEGY is the circuit-breaker clamp record.
func Allowed(from, to models.Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ── Logger ──────────────────────────────────────────────────

type Options struct {
	// Retries is how many times a failed store write is retried before the
	// entry is declared lost.
	Retries        int
	InitialBackoff time.Duration
}

// Logger writes entries through a DecisionStore.
type Logger struct {
	store store.DecisionStore
	opts  Options
}

func New(s store.DecisionStore, opts Options) *Logger {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	return &Logger{store: s, opts: opts}
}

var _ contracts.DecisionLog = (*Logger)(nil)

// Append durably writes one entry. Any failure is reported wrapped in
// ErrPersistenceFailure.
func (l *Logger) Append(ctx context.Context, entry *models.DecisionLogEntry) error {
	if entry.TaskID == "" || entry.Seq < 1 {
		return fmt.Errorf("%w: entry needs a task id and seq >= 1", models.ErrPersistenceFailure)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.InitialBackoff
	op := func() error {
		err := l.store.AppendDecision(ctx, entry)
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.opts.Retries)), ctx))
	if err != nil {
		log.Error().Err(err).Str("task_id", entry.TaskID).Int("seq", entry.Seq).
			Str("stage", string(entry.Stage)).Msg("❌ Decision log write failed")
		return fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)
	}
	return nil
}

// ReadAll returns the task's entries ordered by Seq.
func (l *Logger) ReadAll(ctx context.Context, taskID string) ([]models.DecisionLogEntry, error) {
	return l.store.ListDecisions(ctx, taskID)
}

// ── Trail ───────────────────────────────────────────────────

// Record is what a stage hands to the trail for one transition.
type Record struct {
	Round       int
	Input       any
	Output      any
	Confidence  float64
	Degraded    bool
	Annotations []string
}

// Trail tracks one task's position in the state machine and numbers its
// entries. It is owned by the task's goroutine and not safe for concurrent
// use.
type Trail struct {
	log     contracts.DecisionLog
	taskID  string
	tenant  string
	seq     int
	current models.Stage
}

// NewTrail starts a trail at SUBMITTED.
func NewTrail(dl contracts.DecisionLog, task *models.Task) *Trail {
	return &Trail{log: dl, taskID: task.ID, tenant: task.Tenant.Key(), current: models.StageSubmitted}
}

// Current is the stage the task is in.
func (t *Trail) Current() models.Stage { return t.current }

// Seq is the number of entries written so far.
func (t *Trail) Seq() int { return t.seq }

// Transition validates and records current → to. The trail only advances
// once the entry is durable.
func (t *Trail) Transition(ctx context.Context, to models.Stage, rec Record) error {
	from := t.current
	if !Allowed(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	digest, err := Digest(rec.Input)
	if err != nil {
		return fmt.Errorf("%w: digest input: %v", models.ErrPersistenceFailure, err)
	}
	var output json.RawMessage
	if rec.Output != nil {
		if output, err = json.Marshal(rec.Output); err != nil {
			return fmt.Errorf("%w: encode output: %v", models.ErrPersistenceFailure, err)
		}
	}
	entry := &models.DecisionLogEntry{
		TaskID:      t.taskID,
		Tenant:      t.tenant,
		Seq:         t.seq + 1,
		Stage:       from,
		From:        from,
		To:          to,
		Round:       rec.Round,
		InputDigest: digest,
		Output:      output,
		Confidence:  models.ClampConfidence(rec.Confidence),
		Degraded:    rec.Degraded,
		Annotations: rec.Annotations,
	}
	if err := t.log.Append(ctx, entry); err != nil {
		return err
	}
	t.seq++
	t.current = to
	log.Debug().Str("task_id", t.taskID).Int("seq", t.seq).
		Str("from", string(from)).Str("to", string(to)).Msg("Transition recorded")
	return nil
}

// ── Digest & replay ─────────────────────────────────────────

// Digest is the hex SHA-256 of v's JSON encoding. encoding/json sorts map
// keys, so equal values always produce equal digests.
func Digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Replay re-derives a task's status from its entries alone. It fails when
// the sequence has gaps, mixes tasks, breaks the transition table or
// continues past a terminal stage. An unfinished trail yields ErrPending.
func Replay(entries []models.DecisionLogEntry) (models.TaskStatus, error) {
	if len(entries) == 0 {
		return models.TaskPending, models.ErrPending
	}
	taskID := entries[0].TaskID
	prev := models.StageSubmitted
	for i, e := range entries {
		switch {
		case e.Seq != i+1:
			return "", fmt.Errorf("entry %d: seq %d, want %d", i, e.Seq, i+1)
		case e.TaskID != taskID:
			return "", fmt.Errorf("seq %d: task %s in the trail of %s", e.Seq, e.TaskID, taskID)
		case e.From != prev || e.Stage != e.From:
			return "", fmt.Errorf("seq %d: starts at %s, previous entry ended at %s", e.Seq, e.From, prev)
		case !Allowed(e.From, e.To):
			return "", fmt.Errorf("seq %d: illegal transition %s -> %s", e.Seq, e.From, e.To)
		}
		prev = e.To
		if prev.Terminal() && i != len(entries)-1 {
			return "", fmt.Errorf("seq %d: entries after terminal stage %s", e.Seq, prev)
		}
	}
	if !prev.Terminal() {
		return models.TaskPending, models.ErrPending
	}
	return models.StatusForStage(prev), nil
}
