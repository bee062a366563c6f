// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"verifyrunner/src/logging"
)

const schema = `
	CREATE TABLE IF NOT EXISTS task_runs (
		session_id  UUID        NOT NULL,
		task_id     INTEGER     NOT NULL,
		name        TEXT        NOT NULL,
		command     TEXT        NOT NULL,
		status      TEXT        NOT NULL,
		outcome     TEXT,
		exit_code   INTEGER,
		started     TIMESTAMPTZ NOT NULL,
		finished    TIMESTAMPTZ,
		PRIMARY KEY (session_id, task_id)
	)`

// DSN builds a lib/pq connection string.
func DSN(user, password, name, host, port, sslmode string) string {
	if sslmode == "" {
		sslmode = "require"
	}
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		user, password, name, host, port, sslmode)
}

// Postgres records runs in the task_runs table, one row per task of the
// current session.
type Postgres struct {
	db      *sql.DB
	session uuid.UUID
}

// OpenPostgres connects, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string, session uuid.UUID) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := NewPostgres(db, session)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing handle. The caller keeps ownership only if it
// never calls Close.
func NewPostgres(db *sql.DB, session uuid.UUID) *Postgres {
	return &Postgres{db: db, session: session}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create task_runs: %w", err)
	}
	return nil
}

func (p *Postgres) TaskStarted(ctx context.Context, rec RunRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO task_runs (session_id, task_id, name, command, status, started)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.session, rec.TaskID, rec.Name, rec.Command, StatusRunning, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run %d: %w", rec.TaskID, err)
	}
	return nil
}

func (p *Postgres) TaskFinished(ctx context.Context, rec RunRecord) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE task_runs
		 SET status = $1, outcome = $2, exit_code = $3, finished = COALESCE($4::timestamptz, NOW())
		 WHERE session_id = $5 AND task_id = $6`,
		StatusStopped, rec.Outcome, rec.ExitCode, rec.FinishedAt, p.session, rec.TaskID)
	if err != nil {
		return fmt.Errorf("update run %d: %w", rec.TaskID, err)
	}
	return nil
}

// RecoverInterrupted marks rows that earlier sessions left running. Those
// sessions died without finishing their tasks, so the rows can never
// complete on their own.
func (p *Postgres) RecoverInterrupted(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = $1,
		    finished = NOW()
		WHERE status = $2
		AND session_id <> $3`,
		StatusInterrupted, StatusRunning, p.session)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	count, _ := res.RowsAffected()
	if count > 0 {
		logging.Log(fmt.Sprintf("Marked %d runs from earlier sessions as interrupted", count), slog.LevelInfo)
	}
	return count, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
