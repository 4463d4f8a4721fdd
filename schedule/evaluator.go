package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/config"
	"github.com/rowmill/rowmill/store"
)

// Tick is the transaction-scoped handle a fired schedule uses: the enqueue
// and the advance land atomically with the tick's row locks.
type Tick interface {
	Enqueue(ctx context.Context, mappingRef string, parameters map[string]string) (uuid.UUID, error)
	Advance(ctx context.Context, scheduleID uuid.UUID, lastRun, nextRun time.Time, status store.ScheduleStatus) error
}

// DueFunc selects and locks the due schedules at a point in time and invokes
// handle once per schedule. The production implementation wraps the
// gateway's DueSchedules.
type DueFunc func(ctx context.Context, at time.Time, handle func(ctx context.Context, tick Tick, s *store.Schedule) error) error

// Evaluator is the recurrence engine: a single loop that wakes on a fixed
// interval and fires every due schedule exactly once.
type Evaluator struct {
	due DueFunc
	cfg config.ScheduleConfig
	loc *time.Location
	log *logrus.Logger
	now func() time.Time
}

// NewEvaluator builds an evaluator ticking in the configured timezone.
func NewEvaluator(due DueFunc, cfg config.ScheduleConfig, log *logrus.Logger) *Evaluator {
	if log == nil {
		log = common.Logger
	}
	return &Evaluator{
		due: due,
		cfg: cfg,
		loc: cfg.Location(),
		log: log,
		now: time.Now,
	}
}

// Run is the tick loop. It blocks until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.log.WithError(err).Warn("schedule tick failed")
			}
		}
	}
}

// Tick fires every due schedule once. Overdue schedules skip their missed
// occurrences: the next-run time is advanced from the stored occurrence, not
// backfilled.
func (e *Evaluator) Tick(ctx context.Context) error {
	at := e.now().In(e.loc)
	e.log.WithField("at", at.Format(time.RFC3339)).Debug("schedule.tick")
	return e.due(ctx, at, e.fire)
}

func (e *Evaluator) fire(ctx context.Context, tick Tick, s *store.Schedule) error {
	fields := logrus.Fields{
		"schedule_id": s.ScheduleID.String(),
		"mapping_ref": s.MappingRef,
	}

	freq := Frequency(s.Frequency)
	tp, err := ParseTimeParam(freq, s.TimeParam)
	if err != nil {
		// A row with an unparsable parameter cannot recur; end it rather
		// than refiring the same occurrence every tick.
		e.log.WithFields(fields).WithError(err).Error("schedule parameter invalid")
		return tick.Advance(ctx, s.ScheduleID, s.NextRunAt, s.NextRunAt, store.ScheduleEnded)
	}

	requestID, err := tick.Enqueue(ctx, s.MappingRef, map[string]string{
		"source":      "SCHEDULE",
		"schedule_id": s.ScheduleID.String(),
	})
	if err != nil {
		return err
	}

	next, recurs := Advance(freq, tp, s.NextRunAt, e.loc)
	status := store.ScheduleActive
	if !recurs {
		next = s.NextRunAt
		status = store.ScheduleEnded
	} else if s.EndDate != nil && next.After(*s.EndDate) {
		status = store.ScheduleEnded
	}
	if err := tick.Advance(ctx, s.ScheduleID, s.NextRunAt, next, status); err != nil {
		return err
	}

	e.log.WithFields(fields).
		WithField("request_id", requestID.String()).
		WithField("next_run_at", next.Format(time.RFC3339)).
		WithField("status", string(status)).
		Info("schedule.enqueue")
	return nil
}
