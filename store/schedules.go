package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ScheduleStatus is the lifecycle status of a schedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "ACTIVE"
	SchedulePaused ScheduleStatus = "PAUSED"
	ScheduleEnded  ScheduleStatus = "ENDED"
)

// Schedule is one recurrence row.
type Schedule struct {
	ScheduleID uuid.UUID
	MappingRef string
	Frequency  string
	TimeParam  string
	StartDate  time.Time
	EndDate    *time.Time
	NextRunAt  time.Time
	LastRunAt  *time.Time
	Status     ScheduleStatus
}

// InsertSchedule stores a new schedule row.
func (g *Gateway) InsertSchedule(ctx context.Context, s *Schedule) error {
	if s.ScheduleID == uuid.Nil {
		s.ScheduleID = uuid.New()
	}
	if s.Status == "" {
		s.Status = ScheduleActive
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s (schedule_id, mapping_ref, frequency, time_param,
			start_date, end_date, next_run_at, last_run_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.table("schedule"))
	_, err := g.pool.Exec(ctx, sql, s.ScheduleID, s.MappingRef, s.Frequency, s.TimeParam,
		s.StartDate, s.EndDate, s.NextRunAt, s.LastRunAt, s.Status)
	if err != nil {
		return fmt.Errorf("failed to insert schedule for %s: %w", s.MappingRef, err)
	}
	return nil
}

// ScheduleTick is a transaction handle passed to the evaluator's per-tick
// callback. Enqueue and Advance run on the same transaction that holds the
// row locks, so a crashed tick fires no occurrence twice.
type ScheduleTick struct {
	g  *Gateway
	tx pgx.Tx
}

// Enqueue inserts a NEW request on the tick transaction.
func (t *ScheduleTick) Enqueue(ctx context.Context, mappingRef string, parameters map[string]string) (uuid.UUID, error) {
	if parameters == nil {
		parameters = map[string]string{}
	}
	id := uuid.New()
	sql := fmt.Sprintf(
		`INSERT INTO %s (request_id, mapping_ref, status, parameters) VALUES ($1, $2, $3, $4)`,
		t.g.table("request_queue"))
	if _, err := t.tx.Exec(ctx, sql, id, mappingRef, StatusNew, parameters); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue scheduled request for %s: %w", mappingRef, err)
	}
	return id, nil
}

// Advance writes the outcome of one fired occurrence: last_run_at, the new
// next_run_at, and the (possibly ENDED) status.
func (t *ScheduleTick) Advance(ctx context.Context, scheduleID uuid.UUID, lastRun, nextRun time.Time, status ScheduleStatus) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET last_run_at = $1, next_run_at = $2, status = $3
		WHERE schedule_id = $4`,
		t.g.table("schedule"))
	if _, err := t.tx.Exec(ctx, sql, lastRun, nextRun, status, scheduleID); err != nil {
		return fmt.Errorf("failed to advance schedule %s: %w", scheduleID, err)
	}
	return nil
}

// DueSchedules first retires ACTIVE schedules that outlived their end date,
// then selects the ones whose next_run_at has passed, locks them with
// skip-locked semantics, and invokes handle once per schedule inside one
// transaction. Two evaluator instances never fire the same occurrence.
func (g *Gateway) DueSchedules(ctx context.Context, at time.Time, handle func(ctx context.Context, tick *ScheduleTick, s *Schedule) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin schedule tick: %w", err)
	}
	defer tx.Rollback(ctx)

	// An ACTIVE schedule whose next occurrence already lies past its end
	// date will never fire again; move it to ENDED.
	endSQL := fmt.Sprintf(
		`UPDATE %s SET status = $1 WHERE status = $2 AND end_date IS NOT NULL AND next_run_at > end_date`,
		g.table("schedule"))
	if _, err := tx.Exec(ctx, endSQL, ScheduleEnded, ScheduleActive); err != nil {
		return fmt.Errorf("failed to end expired schedules: %w", err)
	}

	sql := fmt.Sprintf(`
		SELECT schedule_id, mapping_ref, frequency, time_param, start_date,
			end_date, next_run_at, last_run_at, status
		FROM %s
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at
		%s`,
		g.table("schedule"), g.dialect.SkipLocked())
	rows, err := tx.Query(ctx, sql, ScheduleActive, at)
	if err != nil {
		return fmt.Errorf("failed to select due schedules: %w", err)
	}
	var due []*Schedule
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(&s.ScheduleID, &s.MappingRef, &s.Frequency, &s.TimeParam, &s.StartDate,
			&s.EndDate, &s.NextRunAt, &s.LastRunAt, &s.Status); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan schedule: %w", err)
		}
		due = append(due, &s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tick := &ScheduleTick{g: g, tx: tx}
	for _, s := range due {
		if err := handle(ctx, tick, s); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetSchedule loads one schedule, or ErrNotFound.
func (g *Gateway) GetSchedule(ctx context.Context, scheduleID uuid.UUID) (*Schedule, error) {
	sql := fmt.Sprintf(`
		SELECT schedule_id, mapping_ref, frequency, time_param, start_date,
			end_date, next_run_at, last_run_at, status
		FROM %s WHERE schedule_id = $1`,
		g.table("schedule"))
	var s Schedule
	err := g.pool.QueryRow(ctx, sql, scheduleID).Scan(&s.ScheduleID, &s.MappingRef, &s.Frequency,
		&s.TimeParam, &s.StartDate, &s.EndDate, &s.NextRunAt, &s.LastRunAt, &s.Status)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return &s, nil
}
