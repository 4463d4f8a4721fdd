package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rowmill/rowmill/common"
)

// RunStatus is the lifecycle status of one execution attempt.
type RunStatus string

const (
	RunInProgress RunStatus = "IN_PROGRESS"
	RunSuccess    RunStatus = "SUCCESS"
	RunFailed     RunStatus = "FAILED"
	RunCancelled  RunStatus = "CANCELLED"
)

// CheckpointCompleted is the sentinel checkpoint value written at SUCCESS.
// It tells a later run not to resume from a stale marker.
const CheckpointCompleted = "COMPLETED"

// Run is one row of the run log.
type Run struct {
	RunID              uuid.UUID
	RequestID          uuid.UUID
	MappingRef         string
	Status             RunStatus
	RowsRead           int64
	RowsSucceeded      int64
	RowsFailed         int64
	RowErrorsTruncated bool
	StartedAt          time.Time
	EndedAt            *time.Time
	CheckpointValue    *string
}

// RowError is one failed row recorded for diagnostics.
type RowError struct {
	RunID        uuid.UUID
	RowOrdinal   int64
	ErrorCode    string
	ErrorMessage string
	RowData      []byte
}

const runColumns = `run_id, request_id, mapping_ref, status, rows_read, rows_succeeded,
	rows_failed, row_errors_truncated, started_at, ended_at, checkpoint_value`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.RunID, &r.RequestID, &r.MappingRef, &r.Status, &r.RowsRead, &r.RowsSucceeded,
		&r.RowsFailed, &r.RowErrorsTruncated, &r.StartedAt, &r.EndedAt, &r.CheckpointValue)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// OpenRun creates an IN_PROGRESS run for the request, carrying the resume
// checkpoint read at start. A partial unique index on the run log keeps at
// most one non-terminal run per mapping; a second open fails with
// ErrRunConflict.
func (g *Gateway) OpenRun(ctx context.Context, requestID uuid.UUID, mappingRef string, checkpoint *string) (*Run, error) {
	id := uuid.New()
	sql := fmt.Sprintf(`
		INSERT INTO %s (run_id, request_id, mapping_ref, status, checkpoint_value)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+runColumns,
		g.table("run_log"))
	run, err := scanRun(g.pool.QueryRow(ctx, sql, id, requestID, mappingRef, RunInProgress, checkpoint))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("open run for %s: %w", mappingRef, ErrRunConflict)
		}
		return nil, fmt.Errorf("failed to open run for %s: %w", mappingRef, err)
	}
	g.log.WithFields(common.RunFields(requestID.String(), id.String(), mappingRef)).Info("run.start")
	return run, nil
}

// UpdateRunCounters writes the aggregated row counters onto the run.
func (g *Gateway) UpdateRunCounters(ctx context.Context, runID uuid.UUID, read, succeeded, failed int64) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET rows_read = $1, rows_succeeded = $2, rows_failed = $3
		WHERE run_id = $4`,
		g.table("run_log"))
	if _, err := g.pool.Exec(ctx, sql, read, succeeded, failed, runID); err != nil {
		return fmt.Errorf("failed to update counters of run %s: %w", runID, err)
	}
	return nil
}

// WriteCheckpoint stores the resume marker on the run. Only an in-progress
// run accepts checkpoint writes.
func (g *Gateway) WriteCheckpoint(ctx context.Context, runID uuid.UUID, value string) error {
	sql := fmt.Sprintf(
		`UPDATE %s SET checkpoint_value = $1 WHERE run_id = $2 AND status = $3`,
		g.table("run_log"))
	tag, err := g.pool.Exec(ctx, sql, value, runID, RunInProgress)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint of run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint write on closed run %s: %w", runID, ErrConcurrentTransition)
	}
	return nil
}

// CloseRun moves the run to a terminal status with final counters. At
// SUCCESS the checkpoint is overwritten with CheckpointCompleted.
func (g *Gateway) CloseRun(ctx context.Context, runID uuid.UUID, status RunStatus, read, succeeded, failed int64, truncated bool) error {
	var sql string
	var args []any
	if status == RunSuccess {
		sql = fmt.Sprintf(`
			UPDATE %s SET status = $1, rows_read = $2, rows_succeeded = $3, rows_failed = $4,
				row_errors_truncated = $5, ended_at = now(), checkpoint_value = $6
			WHERE run_id = $7 AND status = $8`,
			g.table("run_log"))
		args = []any{status, read, succeeded, failed, truncated, CheckpointCompleted, runID, RunInProgress}
	} else {
		sql = fmt.Sprintf(`
			UPDATE %s SET status = $1, rows_read = $2, rows_succeeded = $3, rows_failed = $4,
				row_errors_truncated = $5, ended_at = now()
			WHERE run_id = $6 AND status = $7`,
			g.table("run_log"))
		args = []any{status, read, succeeded, failed, truncated, runID, RunInProgress}
	}
	tag, err := g.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to close run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close of run %s as %s: %w", runID, status, ErrConcurrentTransition)
	}
	g.log.WithField("run_id", runID.String()).WithField("status", string(status)).Info("run.end")
	return nil
}

// LatestRun returns the most recent run for a mapping, or ErrNotFound.
func (g *Gateway) LatestRun(ctx context.Context, mappingRef string) (*Run, error) {
	sql := fmt.Sprintf(`
		SELECT `+runColumns+` FROM %s
		WHERE mapping_ref = $1 ORDER BY started_at DESC, run_id DESC LIMIT 1`,
		g.table("run_log"))
	run, err := scanRun(g.pool.QueryRow(ctx, sql, mappingRef))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("runs of %s: %w", mappingRef, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run of %s: %w", mappingRef, err)
	}
	return run, nil
}

// LatestRunForRequest returns the most recent run for a request, or
// ErrNotFound.
func (g *Gateway) LatestRunForRequest(ctx context.Context, requestID uuid.UUID) (*Run, error) {
	sql := fmt.Sprintf(`
		SELECT `+runColumns+` FROM %s
		WHERE request_id = $1 ORDER BY started_at DESC, run_id DESC LIMIT 1`,
		g.table("run_log"))
	run, err := scanRun(g.pool.QueryRow(ctx, sql, requestID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("runs of request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run of request %s: %w", requestID, err)
	}
	return run, nil
}

// ResumeCheckpoint returns the checkpoint value of the mapping's latest run
// whatever its status, so a FAILED or CANCELLED run keeps its progress for
// the next request. (nil, nil) means start from scratch: no run at all, a
// successful latest run, or the CheckpointCompleted sentinel.
func (g *Gateway) ResumeCheckpoint(ctx context.Context, mappingRef string) (*string, error) {
	sql := fmt.Sprintf(`
		SELECT status, checkpoint_value FROM %s
		WHERE mapping_ref = $1
		ORDER BY started_at DESC, run_id DESC LIMIT 1`,
		g.table("run_log"))
	var status RunStatus
	var value *string
	err := g.pool.QueryRow(ctx, sql, mappingRef).Scan(&status, &value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint of %s: %w", mappingRef, err)
	}
	if status == RunSuccess {
		return nil, nil
	}
	if value != nil && *value == CheckpointCompleted {
		return nil, nil
	}
	return value, nil
}

// AbandonRun closes a stale IN_PROGRESS run as FAILED while keeping its
// checkpoint. Called before opening a new run for a reclaimed request so the
// one-non-terminal-run invariant holds.
func (g *Gateway) AbandonRun(ctx context.Context, mappingRef string) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $1, ended_at = now()
		WHERE mapping_ref = $2 AND status = $3`,
		g.table("run_log"))
	if _, err := g.pool.Exec(ctx, sql, RunFailed, mappingRef, RunInProgress); err != nil {
		return fmt.Errorf("failed to abandon stale run of %s: %w", mappingRef, err)
	}
	return nil
}

// InsertRowErrors stores a batch of per-row failures.
func (g *Gateway) InsertRowErrors(ctx context.Context, errs []RowError) error {
	if len(errs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	sql := fmt.Sprintf(`
		INSERT INTO %s (run_id, row_ordinal, error_code, error_message, row_data_json)
		VALUES ($1, $2, $3, $4, $5)`,
		g.table("row_error"))
	for _, e := range errs {
		batch.Queue(sql, e.RunID, e.RowOrdinal, e.ErrorCode, e.ErrorMessage, e.RowData)
	}
	if err := g.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store row errors: %w", err)
	}
	return nil
}

// ListRowErrors returns up to limit row errors of a run in ordinal order.
func (g *Gateway) ListRowErrors(ctx context.Context, runID uuid.UUID, limit int) ([]RowError, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(`
		SELECT run_id, row_ordinal, error_code, error_message, row_data_json
		FROM %s WHERE run_id = $1 ORDER BY row_ordinal LIMIT $2`,
		g.table("row_error"))
	rows, err := g.pool.Query(ctx, sql, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list row errors of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []RowError
	for rows.Next() {
		var e RowError
		if err := rows.Scan(&e.RunID, &e.RowOrdinal, &e.ErrorCode, &e.ErrorMessage, &e.RowData); err != nil {
			return nil, fmt.Errorf("failed to scan row error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
