package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// sqliteTime is fixed-width so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file. Writes are
// serialized through one connection; WAL keeps readers unblocked.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure sqlite dir: %w", err)
	}
	dsn := absPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	log.Info().Str("path", absPath).Msg("SQLite store opened")
	return &SQLiteStore{db: db, path: absPath}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS decisions (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			tenant       TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			stage        TEXT NOT NULL,
			from_stage   TEXT NOT NULL DEFAULT '',
			to_stage     TEXT NOT NULL DEFAULT '',
			round        INTEGER NOT NULL DEFAULT 0,
			input_digest TEXT NOT NULL DEFAULT '',
			output       TEXT,
			confidence   REAL NOT NULL DEFAULT 0,
			degraded     INTEGER NOT NULL DEFAULT 0,
			annotations  TEXT NOT NULL DEFAULT '[]',
			timestamp    TEXT NOT NULL,
			UNIQUE (task_id, seq)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			task_id      TEXT PRIMARY KEY,
			tenant       TEXT NOT NULL,
			status       TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			payload      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks (tenant, submitted_at);

		CREATE TABLE IF NOT EXISTS winners (
			tenant  TEXT PRIMARY KEY,
			payload TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Decision Store ──────────────────────────────────────────

func (s *SQLiteStore) AppendDecision(ctx context.Context, e *models.DecisionLogEntry) error {
	annotations, err := json.Marshal(nonNil(e.Annotations))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, task_id, tenant, seq, stage, from_stage, to_stage, round,
			input_digest, output, confidence, degraded, annotations, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Tenant, e.Seq, string(e.Stage), string(e.From), string(e.To), e.Round,
		e.InputDigest, nullableJSON(e.Output), e.Confidence, e.Degraded, string(annotations),
		e.Timestamp.UTC().Format(sqliteTime),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &ErrConflict{Entity: "decision", Key: decisionKey(e.TaskID, e.Seq)}
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, taskID string) ([]models.DecisionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, tenant, seq, stage, from_stage, to_stage, round,
			input_digest, output, confidence, degraded, annotations, timestamp
		FROM decisions WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionLogEntry
	for rows.Next() {
		var (
			e                  models.DecisionLogEntry
			stage, from, to    string
			output             sql.NullString
			annotations, tsStr string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Tenant, &e.Seq, &stage, &from, &to, &e.Round,
			&e.InputDigest, &output, &e.Confidence, &e.Degraded, &annotations, &tsStr); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Stage, e.From, e.To = models.Stage(stage), models.Stage(from), models.Stage(to)
		if output.Valid && output.String != "" {
			e.Output = json.RawMessage(output.String)
		}
		if err := json.Unmarshal([]byte(annotations), &e.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations: %w", err)
		}
		if len(e.Annotations) == 0 {
			e.Annotations = nil
		}
		if e.Timestamp, err = time.Parse(sqliteTime, tsStr); err != nil {
			return nil, fmt.Errorf("decode timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Task Store ──────────────────────────────────────────────

func (s *SQLiteStore) SaveTask(ctx context.Context, r *models.TaskResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, tenant, status, submitted_at, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		r.TaskID, r.Tenant, string(r.Status), r.SubmittedAt.UTC().Format(sqliteTime), string(payload))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*models.TaskResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM tasks WHERE task_id = ?`, taskID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task", Key: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	var r models.TaskResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.TaskResult, error) {
	query := `SELECT payload FROM tasks WHERE 1 = 1`
	var args []any
	if filter.Tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, filter.Tenant)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY submitted_at DESC, task_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []models.TaskResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r models.TaskResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Winner Store ────────────────────────────────────────────

func (s *SQLiteStore) PutHistoricalWinners(ctx context.Context, tenantKey string, winners []models.HistoricalWinner) error {
	payload, err := json.Marshal(winners)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO winners (tenant, payload) VALUES (?, ?)
		ON CONFLICT (tenant) DO UPDATE SET payload = excluded.payload`, tenantKey, string(payload))
	return err
}

func (s *SQLiteStore) ListHistoricalWinners(ctx context.Context, tenantKey string) ([]models.HistoricalWinner, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM winners WHERE tenant = ?`, tenantKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query winners: %w", err)
	}
	var out []models.HistoricalWinner
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("decode winners: %w", err)
	}
	return out, nil
}

// ── Helpers ─────────────────────────────────────────────────

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
