package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Str("host", cfg.ConnConfig.Host).Int32("max_conns", cfg.MaxConns).Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mp_decisions (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			tenant       TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			stage        TEXT NOT NULL,
			from_stage   TEXT NOT NULL DEFAULT '',
			to_stage     TEXT NOT NULL DEFAULT '',
			round        INTEGER NOT NULL DEFAULT 0,
			input_digest TEXT NOT NULL DEFAULT '',
			output       JSONB,
			confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
			degraded     BOOLEAN NOT NULL DEFAULT FALSE,
			annotations  JSONB NOT NULL DEFAULT '[]',
			timestamp    TIMESTAMPTZ NOT NULL,
			UNIQUE (task_id, seq)
		);

		CREATE TABLE IF NOT EXISTS mp_tasks (
			task_id      TEXT PRIMARY KEY,
			tenant       TEXT NOT NULL,
			status       TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			payload      JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_mp_tasks_tenant ON mp_tasks (tenant, submitted_at DESC);

		CREATE TABLE IF NOT EXISTS mp_winners (
			tenant  TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Decision Store ──────────────────────────────────────────

func (s *PostgresStore) AppendDecision(ctx context.Context, e *models.DecisionLogEntry) error {
	annotations, err := json.Marshal(nonNil(e.Annotations))
	if err != nil {
		return err
	}
	var output []byte
	if len(e.Output) > 0 {
		output = e.Output
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mp_decisions (id, task_id, tenant, seq, stage, from_stage, to_stage, round,
			input_digest, output, confidence, degraded, annotations, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.TaskID, e.Tenant, e.Seq, string(e.Stage), string(e.From), string(e.To), e.Round,
		e.InputDigest, output, e.Confidence, e.Degraded, annotations, e.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &ErrConflict{Entity: "decision", Key: decisionKey(e.TaskID, e.Seq)}
	}
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, taskID string) ([]models.DecisionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, tenant, seq, stage, from_stage, to_stage, round,
			input_digest, output, confidence, degraded, annotations, timestamp
		FROM mp_decisions WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionLogEntry
	for rows.Next() {
		var (
			e                   models.DecisionLogEntry
			stage, from, to     string
			output, annotations []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Tenant, &e.Seq, &stage, &from, &to, &e.Round,
			&e.InputDigest, &output, &e.Confidence, &e.Degraded, &annotations, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Stage, e.From, e.To = models.Stage(stage), models.Stage(from), models.Stage(to)
		if len(output) > 0 {
			e.Output = json.RawMessage(output)
		}
		if err := json.Unmarshal(annotations, &e.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations: %w", err)
		}
		if len(e.Annotations) == 0 {
			e.Annotations = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Task Store ──────────────────────────────────────────────

func (s *PostgresStore) SaveTask(ctx context.Context, r *models.TaskResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mp_tasks (task_id, tenant, status, submitted_at, payload) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload`,
		r.TaskID, r.Tenant, string(r.Status), r.SubmittedAt, payload)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.TaskResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM mp_tasks WHERE task_id = $1`, taskID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task", Key: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	var r models.TaskResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]models.TaskResult, error) {
	query := `SELECT payload FROM mp_tasks WHERE ($1 = '' OR tenant = $1) AND ($2 = '' OR status = $2)
		ORDER BY submitted_at DESC, task_id LIMIT $3`
	rows, err := s.pool.Query(ctx, query, filter.Tenant, string(filter.Status), limitOrDefault(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []models.TaskResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r models.TaskResult
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Winner Store ────────────────────────────────────────────

func (s *PostgresStore) PutHistoricalWinners(ctx context.Context, tenantKey string, winners []models.HistoricalWinner) error {
	payload, err := json.Marshal(winners)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mp_winners (tenant, payload) VALUES ($1, $2)
		ON CONFLICT (tenant) DO UPDATE SET payload = EXCLUDED.payload`, tenantKey, payload)
	return err
}

func (s *PostgresStore) ListHistoricalWinners(ctx context.Context, tenantKey string) ([]models.HistoricalWinner, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM mp_winners WHERE tenant = $1`, tenantKey).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query winners: %w", err)
	}
	var out []models.HistoricalWinner
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode winners: %w", err)
	}
	return out, nil
}
