package decisionlog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// flakyStore fails the first n appends.
type flakyStore struct {
	store.DecisionStore
	fail  int32
	calls atomic.Int32
}

func (f *flakyStore) AppendDecision(ctx context.Context, e *models.DecisionLogEntry) error {
	if f.calls.Add(1) <= f.fail {
		return errors.New("disk full")
	}
	return f.DecisionStore.AppendDecision(ctx, e)
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return New(s, Options{Retries: 2})
}

var task = &models.Task{ID: "task-1", Tenant: models.TenantContext{OrganizationID: "acme", BrandID: "stride"}}

func TestTrail_RecordsTransitionsInOrder(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()
	trail := NewTrail(l, task)

	steps := []models.Stage{models.StageResearch, models.StageStrategy, models.StageStrategy, models.StageCreative,
		models.StageAudit, models.StageApproved}
	for _, to := range steps {
		if err := trail.Transition(ctx, to, Record{Input: map[string]string{"to": string(to)}, Confidence: 80}); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}

	entries, err := l.ReadAll(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(steps) {
		t.Fatalf("entries = %d, want %d", len(entries), len(steps))
	}
	if entries[0].From != models.StageSubmitted || entries[0].Tenant != "acme/stride" || entries[0].InputDigest == "" {
		t.Errorf("first entry = %+v", entries[0])
	}
	status, err := Replay(entries)
	if err != nil || status != models.TaskApproved {
		t.Errorf("Replay() = %s, %v; want APPROVED", status, err)
	}
}

func TestTrail_RejectsIllegalTransition(t *testing.T) {
	trail := NewTrail(newTestLogger(t), task)
	if err := trail.Transition(context.Background(), models.StageApproved, Record{}); err == nil {
		t.Error("SUBMITTED -> APPROVED should be rejected")
	}
	if trail.Current() != models.StageSubmitted || trail.Seq() != 0 {
		t.Errorf("trail moved on a rejected transition: %s/%d", trail.Current(), trail.Seq())
	}
}

func TestAppend_RetriesTransientFailures(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	fs := &flakyStore{DecisionStore: mem, fail: 2}
	l := New(fs, Options{Retries: 2})

	err := l.Append(context.Background(), &models.DecisionLogEntry{TaskID: "t", Seq: 1, Stage: models.StageSubmitted})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if fs.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", fs.calls.Load())
	}
}

func TestAppend_PersistenceFailure(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	l := New(&flakyStore{DecisionStore: mem, fail: 100}, Options{Retries: 1})

	trail := NewTrail(l, task)
	err := trail.Transition(context.Background(), models.StageResearch, Record{})
	if !errors.Is(err, models.ErrPersistenceFailure) {
		t.Errorf("error = %v, want ErrPersistenceFailure", err)
	}
	if trail.Current() != models.StageSubmitted {
		t.Errorf("trail advanced past an unrecorded transition")
	}
}

func TestAppend_DuplicateIsNotRetried(t *testing.T) {
	mem := store.NewMemoryStore("")
	defer mem.Close()
	fs := &flakyStore{DecisionStore: mem}
	l := New(fs, Options{Retries: 3})
	ctx := context.Background()

	_ = l.Append(ctx, &models.DecisionLogEntry{TaskID: "t", Seq: 1})
	err := l.Append(ctx, &models.DecisionLogEntry{TaskID: "t", Seq: 1})
	if !errors.Is(err, models.ErrPersistenceFailure) {
		t.Errorf("error = %v", err)
	}
	if fs.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", fs.calls.Load())
	}
}

func TestDigest_Stable(t *testing.T) {
	a, _ := Digest(map[string]int{"b": 2, "a": 1})
	b, _ := Digest(map[string]int{"a": 1, "b": 2})
	if a != b || len(a) != 64 {
		t.Errorf("Digest() = %q vs %q", a, b)
	}
}

func trail(stages ...models.Stage) []models.DecisionLogEntry {
	var out []models.DecisionLogEntry
	prev := models.StageSubmitted
	for i, s := range stages {
		out = append(out, models.DecisionLogEntry{TaskID: "t", Seq: i + 1, Stage: prev, From: prev, To: s})
		prev = s
	}
	return out
}

func TestReplay(t *testing.T) {
	gap := trail(models.StageResearch, models.StageStrategy)
	gap[1].Seq = 3

	afterTerminal := trail(models.StageResearch, models.StageEscalated)
	afterTerminal = append(afterTerminal, models.DecisionLogEntry{TaskID: "t", Seq: 3,
		Stage: models.StageEscalated, From: models.StageEscalated, To: models.StageResearch})

	tests := []struct {
		name    string
		entries []models.DecisionLogEntry
		want    models.TaskStatus
		wantErr bool
	}{
		{"escalated after research", trail(models.StageResearch, models.StageEscalated), models.TaskEscalated, false},
		{"rejected in round 3", trail(models.StageResearch, models.StageStrategy, models.StageCreative, models.StageAudit,
			models.StageNegotiate, models.StageCreative, models.StageAudit,
			models.StageNegotiate, models.StageCreative, models.StageAudit, models.StageRejected), models.TaskRejected, false},
		{"audit only", trail(models.StageAudit, models.StageApproved), models.TaskApproved, false},
		{"cancelled", trail(models.StageResearch, models.StageCancelled), models.TaskCancelled, false},
		{"gap", gap, "", true},
		{"skips a stage", trail(models.StageResearch, models.StageAudit), "", true},
		{"entries after terminal", afterTerminal, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Replay(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Replay() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Replay() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReplay_Unfinished(t *testing.T) {
	status, err := Replay(trail(models.StageResearch))
	if status != models.TaskPending || !errors.Is(err, models.ErrPending) {
		t.Errorf("Replay() = %s, %v", status, err)
	}
}
