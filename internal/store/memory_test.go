package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs fn against every store that is available here. Postgres is
// included only when PIPELINE_TEST_DATABASE_URL points at a database.
func backends(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	if url := os.Getenv("PIPELINE_TEST_DATABASE_URL"); url != "" {
		t.Run("postgres", func(t *testing.T) {
			s, err := store.NewPostgresStore(context.Background(), url, 2)
			if err != nil {
				t.Fatalf("NewPostgresStore() error = %v", err)
			}
			if err := s.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func entry(taskID string, seq int, stage models.Stage) *models.DecisionLogEntry {
	return &models.DecisionLogEntry{
		ID:          taskID + "-" + string(stage),
		TaskID:      taskID,
		Tenant:      "acme/stride",
		Seq:         seq,
		Stage:       stage,
		From:        models.StageSubmitted,
		To:          stage,
		InputDigest: "abc",
		Output:      json.RawMessage(`{"ok":true}`),
		Confidence:  72.5,
		Annotations: []string{"CLAMP search"},
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// ─── Decisions ──────────────────────────────────────────────

func TestAppendAndListDecisions(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		// Appended out of order on purpose; reads come back by seq.
		for _, e := range []*models.DecisionLogEntry{
			entry("task-1", 2, models.StageStrategy),
			entry("task-1", 1, models.StageResearch),
			entry("task-2", 1, models.StageResearch),
		} {
			if err := s.AppendDecision(ctx, e); err != nil {
				t.Fatalf("AppendDecision() error = %v", err)
			}
		}

		got, err := s.ListDecisions(ctx, "task-1")
		if err != nil {
			t.Fatalf("ListDecisions() error = %v", err)
		}
		if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
			t.Fatalf("ListDecisions() = %+v, want seq 1,2", got)
		}
		e := got[0]
		if e.Stage != models.StageResearch || e.From != models.StageSubmitted || e.Confidence != 72.5 {
			t.Errorf("entry = %+v", e)
		}
		if len(e.Annotations) != 1 || e.Annotations[0] != "CLAMP search" {
			t.Errorf("Annotations = %v", e.Annotations)
		}
		if !e.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("Timestamp = %v", e.Timestamp)
		}
		var out map[string]bool
		if err := json.Unmarshal(e.Output, &out); err != nil || !out["ok"] {
			t.Errorf("Output = %s", e.Output)
		}
	})
}

func TestAppendDecision_DuplicateSeqConflicts(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.AppendDecision(ctx, entry("task-1", 1, models.StageResearch)); err != nil {
			t.Fatal(err)
		}
		dup := entry("task-1", 1, models.StageStrategy)
		dup.ID = "other"
		err := s.AppendDecision(ctx, dup)
		var conflict *store.ErrConflict
		if !errors.As(err, &conflict) {
			t.Errorf("AppendDecision() error = %v, want ErrConflict", err)
		}
	})
}

func TestListDecisions_UnknownTaskIsEmpty(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		got, err := s.ListDecisions(context.Background(), "nope")
		if err != nil || len(got) != 0 {
			t.Errorf("ListDecisions() = %v, %v", got, err)
		}
	})
}

// ─── Tasks ──────────────────────────────────────────────────

func TestSaveAndGetTask(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		r := &models.TaskResult{
			TaskID:      "task-1",
			Tenant:      "acme/stride",
			Objective:   models.ObjectiveOptimizeBudget,
			Status:      models.TaskPending,
			SubmittedAt: time.Now().UTC(),
		}
		if err := s.SaveTask(ctx, r); err != nil {
			t.Fatalf("SaveTask() error = %v", err)
		}
		r.Status = models.TaskApproved
		r.Rounds = 2
		if err := s.SaveTask(ctx, r); err != nil {
			t.Fatalf("SaveTask() update error = %v", err)
		}

		got, err := s.GetTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if got.Status != models.TaskApproved || got.Rounds != 2 {
			t.Errorf("GetTask() = %+v", got)
		}

		_, err = s.GetTask(ctx, "missing")
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) || nf.Entity != "task" {
			t.Errorf("GetTask(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestListTasks_Filters(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, tc := range []struct {
			tenant string
			status models.TaskStatus
		}{
			{"acme/a", models.TaskApproved},
			{"acme/a", models.TaskEscalated},
			{"acme/b", models.TaskApproved},
		} {
			_ = s.SaveTask(ctx, &models.TaskResult{
				TaskID: string(rune('a' + i)), Tenant: tc.tenant, Status: tc.status,
				SubmittedAt: base.Add(time.Duration(i) * time.Hour),
			})
		}

		all, _ := s.ListTasks(ctx, store.TaskFilter{})
		if len(all) != 3 || all[0].TaskID != "c" {
			t.Errorf("ListTasks() = %d tasks, first %q; want 3, newest first", len(all), all[0].TaskID)
		}
		a, _ := s.ListTasks(ctx, store.TaskFilter{Tenant: "acme/a"})
		if len(a) != 2 {
			t.Errorf("tenant filter = %d, want 2", len(a))
		}
		esc, _ := s.ListTasks(ctx, store.TaskFilter{Status: models.TaskEscalated})
		if len(esc) != 1 || esc[0].TaskID != "b" {
			t.Errorf("status filter = %+v", esc)
		}
		one, _ := s.ListTasks(ctx, store.TaskFilter{Limit: 1})
		if len(one) != 1 {
			t.Errorf("limit = %d, want 1", len(one))
		}
	})
}

// ─── Winners ────────────────────────────────────────────────

func TestHistoricalWinners(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		tenant := models.TenantContext{OrganizationID: "acme", BrandID: "stride"}

		got, err := store.History(s).GetHistoricalWinners(ctx, tenant)
		if err != nil || len(got) != 0 {
			t.Fatalf("no winners yet = %v, %v", got, err)
		}

		winners := []models.HistoricalWinner{{Channel: "search", ROAS: 4.2, Spend: 9000}}
		if err := s.PutHistoricalWinners(ctx, tenant.Key(), winners); err != nil {
			t.Fatal(err)
		}
		got, err = store.History(s).GetHistoricalWinners(ctx, tenant)
		if err != nil || len(got) != 1 || got[0].ROAS != 4.2 {
			t.Errorf("GetHistoricalWinners() = %+v, %v", got, err)
		}
	})
}

// ─── Persistence ────────────────────────────────────────────

func TestMemoryStore_JournalSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	if err := s.AppendDecision(ctx, entry("task-1", 1, models.StageResearch)); err != nil {
		t.Fatal(err)
	}
	_ = s.SaveTask(ctx, &models.TaskResult{TaskID: "task-1", Status: models.TaskEscalated})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := store.NewMemoryStore(dir)
	defer reopened.Close()
	got, _ := reopened.ListDecisions(ctx, "task-1")
	if len(got) != 1 || got[0].Stage != models.StageResearch {
		t.Errorf("after restart decisions = %+v", got)
	}
	task, err := reopened.GetTask(ctx, "task-1")
	if err != nil || task.Status != models.TaskEscalated {
		t.Errorf("after restart task = %+v, %v", task, err)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := store.Open(context.Background(), config.DatabaseConfig{Backend: "cassandra"}); err == nil {
		t.Error("Open() with unknown backend should fail")
	}
}
