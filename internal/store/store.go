// Package store provides the storage interface and implementations for the
// marketing pipeline: the append-only decision log, task results and the
// per-tenant historical winners.
//
// The in-memory store serves tests and local runs; SQLite and PostgreSQL
// back durable deployments.
package store

import (
	"context"
	"fmt"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// Store is the primary storage interface. The decision logger, the
// orchestrator and the HTTP handlers all depend on this interface.
type Store interface {
	DecisionStore
	TaskStore
	WinnerStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema when it does not exist.
	Migrate(ctx context.Context) error
}

// ── Decision Store ──────────────────────────────────────────

// DecisionStore is append-only. There is deliberately no update or delete.
type DecisionStore interface {
	// AppendDecision durably writes one entry. A second entry with the same
	// (TaskID, Seq) fails with *ErrConflict.
	AppendDecision(ctx context.Context, entry *models.DecisionLogEntry) error

	// ListDecisions returns a task's entries ordered by Seq.
	ListDecisions(ctx context.Context, taskID string) ([]models.DecisionLogEntry, error)
}

// ── Task Store ──────────────────────────────────────────────

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Tenant string            // exact match on tenant key
	Status models.TaskStatus // exact match on status
	Limit  int               // max results (default 100)
}

type TaskStore interface {
	// SaveTask inserts or replaces the task's caller-visible result.
	SaveTask(ctx context.Context, result *models.TaskResult) error
	GetTask(ctx context.Context, taskID string) (*models.TaskResult, error)
	// ListTasks returns newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.TaskResult, error)
}

// ── Winner Store ────────────────────────────────────────────

type WinnerStore interface {
	// PutHistoricalWinners replaces the tenant's winners.
	PutHistoricalWinners(ctx context.Context, tenantKey string, winners []models.HistoricalWinner) error
	ListHistoricalWinners(ctx context.Context, tenantKey string) ([]models.HistoricalWinner, error)
}

// History adapts a WinnerStore to the read-only HistoricalData interface
// carried by TenantContext.
func History(s WinnerStore) models.HistoricalData {
	return history{s}
}

type history struct{ s WinnerStore }

func (h history) GetHistoricalWinners(ctx context.Context, tenant models.TenantContext) ([]models.HistoricalWinner, error) {
	return h.s.ListHistoricalWinners(ctx, tenant.Key())
}

// ── Factory ─────────────────────────────────────────────────

// Open builds the configured backend and runs its migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", "memory":
		s = NewMemoryStore(cfg.DataDir)
	case "sqlite":
		s, err = NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		s, err = NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Backend, err)
	}
	return s, nil
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an append would overwrite an existing entry.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

func decisionKey(taskID string, seq int) string {
	return fmt.Sprintf("%s#%d", taskID, seq)
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
