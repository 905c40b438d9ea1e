package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Spool persists accepted jobs until they are settled.
type Spool interface {
	Save(ctx context.Context, job Job) error
	MarkAttempt(ctx context.Context, entryID uuid.UUID, attempts int) error
	Remove(ctx context.Context, entryID uuid.UUID) error
	Pending(ctx context.Context) ([]SpooledJob, error)
	Close() error
}

// SpooledJob is a job read back from the spool with its delivery count.
type SpooledJob struct {
	Job
	Attempts int
}

// SQLiteSpool is a Spool backed by a local SQLite file.
type SQLiteSpool struct {
	db *sql.DB
}

// OpenSQLiteSpool opens (or creates) the spool database at path.
func OpenSQLiteSpool(ctx context.Context, path string) (*SQLiteSpool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool %q: %w", path, err)
	}

	// Single writer; WAL lets the recovery read run alongside it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping spool %q: %w", path, err)
	}

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS spooled_job (
			entry_id    TEXT PRIMARY KEY,
			raw         TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init spool: %w", err)
		}
	}

	return &SQLiteSpool{db: db}, nil
}

func (s *SQLiteSpool) Save(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spooled_job (entry_id, raw, enqueued_at, attempts) VALUES (?, ?, ?, 0)
		 ON CONFLICT(entry_id) DO UPDATE SET raw = excluded.raw, enqueued_at = excluded.enqueued_at, attempts = 0`,
		job.EntryID.String(), job.Raw, job.EnqueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("spool save %s: %w", job.EntryID, err)
	}
	return nil
}

func (s *SQLiteSpool) MarkAttempt(ctx context.Context, entryID uuid.UUID, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE spooled_job SET attempts = ? WHERE entry_id = ?`, attempts, entryID.String())
	return err
}

func (s *SQLiteSpool) Remove(ctx context.Context, entryID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spooled_job WHERE entry_id = ?`, entryID.String())
	return err
}

// Pending returns every unsettled job, oldest first.
func (s *SQLiteSpool) Pending(ctx context.Context) ([]SpooledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, raw, enqueued_at, attempts FROM spooled_job ORDER BY enqueued_at, entry_id`)
	if err != nil {
		return nil, fmt.Errorf("spool pending: %w", err)
	}
	defer rows.Close()

	var jobs []SpooledJob
	for rows.Next() {
		var (
			id       string
			sj       SpooledJob
			enqueued int64
		)
		if err := rows.Scan(&id, &sj.Raw, &enqueued, &sj.Attempts); err != nil {
			return nil, fmt.Errorf("scan spooled job: %w", err)
		}
		if sj.EntryID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("spooled job id %q: %w", id, err)
		}
		sj.EnqueuedAt = time.Unix(0, enqueued).UTC()
		jobs = append(jobs, sj)
	}
	return jobs, rows.Err()
}

func (s *SQLiteSpool) Close() error {
	return s.db.Close()
}
