package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// seed writes an approved AUDIT_ONLY task into a fresh SQLite file.
func seed(t *testing.T, recorded models.TaskStatus) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	defer s.Close()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, step := range []struct{ from, to models.Stage }{
		{models.StageSubmitted, models.StageAudit},
		{models.StageAudit, models.StageApproved},
	} {
		require.NoError(t, s.AppendDecision(ctx, &models.DecisionLogEntry{
			ID: "e" + string(rune('1'+i)), TaskID: "t1", Tenant: "acme/outdoor", Seq: i + 1,
			Stage: step.from, From: step.from, To: step.to, Confidence: 70,
			Timestamp: at.Add(time.Duration(i) * time.Second),
		}))
	}
	done := at.Add(time.Minute)
	require.NoError(t, s.SaveTask(ctx, &models.TaskResult{
		TaskID: "t1", Tenant: "acme/outdoor", Objective: models.ObjectiveAuditOnly,
		Status: recorded, SubmittedAt: at, CompletedAt: &done,
	}))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := execute(context.Background(), args, &out, &errOut)
	return out.String(), err
}

func TestReplay(t *testing.T) {
	path := seed(t, models.TaskApproved)

	out, err := run(t, "replay", "t1", "--store", "sqlite", "--sqlite-path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "task t1: APPROVED after 2 entries")

	out, err = run(t, "replay", "t1", "--store", "sqlite", "--sqlite-path", path, "--json")
	require.NoError(t, err)
	var report replayReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, models.TaskApproved, report.Recorded)
}

func TestReplay_MismatchFails(t *testing.T) {
	path := seed(t, models.TaskRejected)

	_, err := run(t, "replay", "t1", "--store", "sqlite", "--sqlite-path", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stored result is REJECTED")
}

func TestLogAndTasks(t *testing.T) {
	path := seed(t, models.TaskApproved)

	out, err := run(t, "log", "t1", "--store", "sqlite", "--sqlite-path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SUBMITTED -> AUDIT")
	assert.Contains(t, out, "AUDIT -> APPROVED")

	_, err = run(t, "log", "missing", "--store", "sqlite", "--sqlite-path", path)
	assert.Error(t, err)

	out, err = run(t, "tasks", "--store", "sqlite", "--sqlite-path", path, "--status", "approved", "--json")
	require.NoError(t, err)
	var tasks []models.TaskResult
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "acme/outdoor", tasks[0].Tenant)
}

func TestMemoryStoreNeedsDataDir(t *testing.T) {
	_, err := run(t, "tasks", "--store", "memory", "--data-dir", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--data-dir")
}

func TestPolicyCheck(t *testing.T) {
	out, err := run(t, "policy", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "policy ok: 3 platforms")

	out, err = run(t, "policy", "check", "--text", "Soft wool knits for cooler mornings.")
	require.NoError(t, err)
	assert.Contains(t, out, "copy is clear")

	out, err = run(t, "policy", "check", "--text", "A miracle jacket, risk-free!")
	require.Error(t, err)
	assert.Contains(t, out, "platform_blocklist")

	_, err = run(t, "policy", "check", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
