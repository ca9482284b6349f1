// Package store keeps the history of executions in sqlite. Only metadata is
// stored, never the captured output.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Execution struct {
	UUID          string
	Kind          string
	PlanPath      string
	ConfigID      string
	LaunchState   string
	LogPath       *string
	InProgress    bool
	StartedAt     time.Time
	FinishedAt    *time.Time
	ExitCode      *int
	FailureReason *string
}

type ExecutionRow struct {
	Execution
	ID int
}

func (e ExecutionRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, kind: %s, state: %s, in_progress: %t", e.UUID, e.Kind, e.LaunchState, e.InProgress)
	if e.LogPath != nil {
		fmt.Fprintf(&sb, ", log_path: %q", *e.LogPath)
	}
	if e.ExitCode != nil {
		fmt.Fprintf(&sb, ", exit_code: %d", *e.ExitCode)
	}
	if e.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *e.FailureReason)
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			plan_path TEXT NOT NULL,
			config_id TEXT NOT NULL,
			launch_state TEXT NOT NULL,
			log_path TEXT DEFAULT NULL,
			in_progress BOOLEAN NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL,
			exit_code INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start persists a new execution in progress.
// If the execution identified by `uuid` is still in progress, no error is returned,
// if it has already finished ErrAlreadyFinished is returned.
func Start(ctx context.Context, db *sql.DB, e Execution) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, e.UUID)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM executions WHERE uuid=?`, e.UUID,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (uuid, kind, plan_path, config_id, launch_state, in_progress, started_at)
		 VALUES (?,?,?,?,?,?,?);`,
		e.UUID, e.Kind, e.PlanPath, e.ConfigID, e.LaunchState, true, e.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Launched records the launch state and the log path of a running execution.
func Launched(ctx context.Context, db *sql.DB, uuid, state, logPath string) error {
	return update(ctx, db, uuid,
		`UPDATE executions SET launch_state = ?, log_path = ? WHERE uuid = ?;`,
		state, logPath, uuid,
	)
}

// FinishOK stores the exit code of an execution which ran to the end.
func FinishOK(ctx context.Context, db *sql.DB, uuid string, finished time.Time, exitCode int) error {
	return update(ctx, db, uuid,
		`UPDATE executions
		 SET
			in_progress = false,
			finished_at = ?,
			exit_code = ?
		WHERE uuid = ?;
		`, finished.UnixNano(), exitCode, uuid,
	)
}

// FinishErr stores the failure of an execution. The state is the final
// launch state, exitCode is nil when the runner did not exit on its own.
func FinishErr(ctx context.Context, db *sql.DB, uuid, state string, finished time.Time, exitCode *int, reason string) error {
	return update(ctx, db, uuid,
		`UPDATE executions
		 SET
			in_progress = false,
			launch_state = ?,
			finished_at = ?,
			exit_code = ?,
			failure_reason = ?
		WHERE uuid = ?;
		`, state, finished.UnixNano(), exitCode, reason, uuid,
	)
}

// update runs stmt on an execution in progress,
// ErrNotFound or ErrAlreadyFinished are returned otherwise.
func update(ctx context.Context, db *sql.DB, uuid string, stmt string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM executions WHERE uuid=?`, uuid,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if _, err = tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const columns = `id, uuid, kind, plan_path, config_id, launch_state, log_path,
	in_progress, started_at, finished_at, exit_code, failure_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (ExecutionRow, error) {
	var r ExecutionRow
	var started int64
	var finished sql.NullInt64
	var exitCode sql.NullInt64
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.Kind,
		&r.PlanPath,
		&r.ConfigID,
		&r.LaunchState,
		&r.LogPath,
		&r.InProgress,
		&started,
		&finished,
		&exitCode,
		&r.FailureReason,
	)
	if err != nil {
		return ExecutionRow{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	return r, nil
}

// Get returns info about an execution identified by 'uuid' on success,
// ErrNotFound when it does not exist, error otherwise.
func Get(ctx context.Context, db *sql.DB, uuid string) (ExecutionRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM executions WHERE uuid=?`, uuid,
	)
	r, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ExecutionRow{}, ErrNotFound
	case err != nil:
		return ExecutionRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns up to limit most recent executions, newest first.
// Non positive limit returns all of them.
func List(ctx context.Context, db *sql.DB, limit int) ([]ExecutionRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM executions ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ret []ExecutionRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return ret, nil
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM executions WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}
