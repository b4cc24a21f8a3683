// Package history records every run in a SQL database: SQLite by default,
// PostgreSQL when configured.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"deployer/internal/config"
	"deployer/internal/orchestrator"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		task TEXT NOT NULL,
		ref TEXT,
		commit_sha TEXT,
		fingerprint TEXT,
		status TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS host_results (
		run_id TEXT NOT NULL,
		host TEXT NOT NULL,
		status TEXT NOT NULL,
		failed_task TEXT,
		error TEXT,
		duration_ms BIGINT NOT NULL,
		PRIMARY KEY (run_id, host)
	)`,
}

// Run is one stored run.
type Run struct {
	ID         string
	Project    string
	Task       string
	Ref        string
	Commit     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Hosts      []HostResult
}

// HostResult is a stored per-host outcome.
type HostResult struct {
	Host       string
	Status     string
	FailedTask string
	Error      string
	Duration   time.Duration
}

// Store writes and reads run history.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open opens the database described by cfg and creates the tables. For
// SQLite an empty DSN means config.DefaultHistoryPath.
func Open(ctx context.Context, cfg config.History) (*Store, error) {
	driver, dsn := "sqlite", cfg.DSN
	postgres := cfg.Driver == "postgres"
	if postgres {
		driver = "pgx"
	} else {
		if dsn == "" {
			dsn = config.DefaultHistoryPath
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %v", err)
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Store{db: db, postgres: postgres}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create history schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func status(ok bool) string {
	if ok {
		return "succeeded"
	}
	return "failed"
}

// Record stores report in one transaction.
func (s *Store) Record(ctx context.Context, report *orchestrator.RunReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO runs (id, project, task, ref, commit_sha, fingerprint, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		report.RunID,
		report.Project,
		report.Task,
		report.Revision.Ref,
		report.Revision.Commit,
		report.Fingerprint,
		status(report.OK()),
		report.StartedAt.UnixNano(),
		report.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO host_results (run_id, host, status, failed_task, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare host insert: %w", err)
	}
	defer stmt.Close()
	for _, hr := range report.Hosts {
		var failedTask, errText string
		if hr.Err != nil {
			errText = hr.Err.Error()
			if tr := hr.FailedTask(); tr != nil {
				failedTask = tr.Task
			}
		}
		if _, err := stmt.ExecContext(ctx, report.RunID, hr.Host, status(!hr.Failed()), failedTask, errText, hr.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert host result: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the latest runs of project, newest first.
func (s *Store) Recent(ctx context.Context, project string, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, project, task, ref, commit_sha, status, started_at, finished_at
		FROM runs WHERE project = ? ORDER BY started_at DESC LIMIT ?`), project, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ref, commit sql.NullString
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Project, &r.Task, &ref, &commit, &r.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Ref, r.Commit = ref.String, commit.String
		r.StartedAt, r.FinishedAt = time.Unix(0, started), time.Unix(0, finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		hosts, err := s.hosts(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Hosts = hosts
	}
	return runs, nil
}

func (s *Store) hosts(ctx context.Context, runID string) ([]HostResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT host, status, failed_task, error, duration_ms
		FROM host_results WHERE run_id = ? ORDER BY host`), runID)
	if err != nil {
		return nil, fmt.Errorf("query host results: %w", err)
	}
	defer rows.Close()
	var out []HostResult
	for rows.Next() {
		var h HostResult
		var failedTask, errText sql.NullString
		var ms int64
		if err := rows.Scan(&h.Host, &h.Status, &failedTask, &errText, &ms); err != nil {
			return nil, fmt.Errorf("scan host result: %w", err)
		}
		h.FailedTask, h.Error = failedTask.String, errText.String
		h.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, h)
	}
	return out, rows.Err()
}

// Hook records runs through a Store opened per run.
type Hook struct {
	cfg config.History
}

// NewHook returns a history hook for cfg.
func NewHook(cfg config.History) *Hook { return &Hook{cfg: cfg} }

func (h *Hook) Name() string { return "history" }

func (h *Hook) AfterRun(ctx context.Context, report *orchestrator.RunReport) error {
	s, err := Open(ctx, h.cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Record(ctx, report)
}
