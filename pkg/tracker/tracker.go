package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Tracker is the usage ledger: one row per output record, grouped by run.
type Tracker interface {
	// StartRun registers a run.
	StartRun(ctx context.Context, run models.Run) error
	// FinishRun stores the final record count and cost of a run.
	FinishRun(ctx context.Context, runID string, records int, cost float64) error
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryRun returns the usage records of a run in record order.
	QueryRun(ctx context.Context, runID string) ([]models.UsageRecord, error)
	// TotalTokens returns billed tokens since a given time. Cache hits are
	// not billed. An empty model sums all models.
	TotalTokens(ctx context.Context, model string, since time.Time) (int64, error)
	// Summary returns aggregated usage per run and model, optionally
	// filtered by run.
	Summary(ctx context.Context, runID string) ([]models.UsageSummary, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	records INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0
);
`

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	record_index INTEGER NOT NULL,
	model TEXT NOT NULL,
	cache_key TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cache_write_tokens INTEGER NOT NULL,
	cache_read_tokens INTEGER NOT NULL,
	billed_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	cache_hit INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id, record_index);
CREATE INDEX IF NOT EXISTS idx_usage_model_time ON usage_records(model, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate runs table: %w", err)
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// StartRun registers a run. Starting an existing run is a no-op.
func (t *SQLiteTracker) StartRun(ctx context.Context, run models.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		run.ID, run.Model, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters of a run.
func (t *SQLiteTracker) FinishRun(ctx context.Context, runID string, records int, cost float64) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE runs SET records = ?, cost = ? WHERE id = ?`, records, cost, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	billed := 0
	if !rec.CacheHit {
		billed = rec.Usage.Total()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (run_id, record_index, model, cache_key,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, billed_tokens,
			cost, cache_hit, attempts, error_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.RecordIndex, rec.Model, rec.CacheKey,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CacheWriteTokens, rec.Usage.CacheReadTokens, billed,
		rec.Cost, rec.CacheHit, rec.Attempts, string(rec.ErrorKind), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryRun returns the usage records of a run in record order.
func (t *SQLiteTracker) QueryRun(ctx context.Context, runID string) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, run_id, record_index, model, cache_key,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			cost, cache_hit, attempts, error_kind, created_at
		 FROM usage_records WHERE run_id = ? ORDER BY record_index, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var (
			r    models.UsageRecord
			kind string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.RecordIndex, &r.Model, &r.CacheKey,
			&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Usage.CacheWriteTokens, &r.Usage.CacheReadTokens,
			&r.Cost, &r.CacheHit, &r.Attempts, &kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.ErrorKind = models.ErrorKind(kind)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalTokens returns billed tokens since a given time.
func (t *SQLiteTracker) TotalTokens(ctx context.Context, model string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(billed_tokens), 0) FROM usage_records WHERE created_at >= ?`
	args := []any{since.UTC()}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	var total int64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by run and model.
func (t *SQLiteTracker) Summary(ctx context.Context, runID string) ([]models.UsageSummary, error) {
	query := `SELECT run_id, model, COUNT(*), SUM(cache_hit), SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END),
			SUM(input_tokens), SUM(output_tokens), SUM(cache_write_tokens), SUM(cache_read_tokens), SUM(cost)
		 FROM usage_records`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY run_id, model ORDER BY MIN(created_at), run_id, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.RunID, &s.Model, &s.RequestCount, &s.CacheHits, &s.Failed,
			&s.Usage.InputTokens, &s.Usage.OutputTokens, &s.Usage.CacheWriteTokens, &s.Usage.CacheReadTokens,
			&s.Cost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListRuns returns runs, newest first. A non-positive limit returns all.
func (t *SQLiteTracker) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	query := `SELECT id, model, started_at, records, cost FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.Model, &r.StartedAt, &r.Records, &r.Cost); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
