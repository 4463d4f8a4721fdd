package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmill/rowmill/config"
	"github.com/rowmill/rowmill/store"
)

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		name    string
		freq    Frequency
		param   string
		want    TimeParam
		wantErr bool
	}{
		{name: "daily", freq: FreqDaily, param: "02:30", want: TimeParam{Hour: 2, Minute: 30}},
		{name: "immediate", freq: FreqImmediate, param: "23:59", want: TimeParam{Hour: 23, Minute: 59}},
		{name: "weekly", freq: FreqWeekly, param: "MON_06:00", want: TimeParam{Hour: 6, Weekday: time.Monday}},
		{name: "fortnightly sunday", freq: FreqFortnightly, param: "SUN_18:15", want: TimeParam{Hour: 18, Minute: 15, Weekday: time.Sunday}},
		{name: "monthly", freq: FreqMonthly, param: "31_00:05", want: TimeParam{Minute: 5, Day: 31}},
		{name: "yearly", freq: FreqYearly, param: "1_12:00", want: TimeParam{Hour: 12, Day: 1}},
		{name: "bad hour", freq: FreqDaily, param: "24:00", wantErr: true},
		{name: "bad minute", freq: FreqDaily, param: "12:60", wantErr: true},
		{name: "missing colon", freq: FreqDaily, param: "1200", wantErr: true},
		{name: "single digit hour", freq: FreqDaily, param: "2:30", wantErr: true},
		{name: "weekly without weekday", freq: FreqWeekly, param: "06:00", wantErr: true},
		{name: "weekly bad weekday", freq: FreqWeekly, param: "LUN_06:00", wantErr: true},
		{name: "monthly day zero", freq: FreqMonthly, param: "0_06:00", wantErr: true},
		{name: "monthly day 32", freq: FreqMonthly, param: "32_06:00", wantErr: true},
		{name: "unknown frequency", freq: Frequency("HOURLY"), param: "06:00", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeParam(tt.freq, tt.param)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func mustParse(t *testing.T, freq Frequency, param string) TimeParam {
	t.Helper()
	tp, err := ParseTimeParam(freq, param)
	require.NoError(t, err)
	return tp
}

func TestAdvance_Daily(t *testing.T) {
	tp := mustParse(t, FreqDaily, "02:30")
	from := time.Date(2026, 3, 14, 2, 30, 0, 0, time.UTC)

	next, ok := Advance(FreqDaily, tp, from, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 15, 2, 30, 0, 0, time.UTC), next)
}

func TestAdvance_WeeklyStrictlyAfter(t *testing.T) {
	tp := mustParse(t, FreqWeekly, "MON_06:00")
	// From a Monday 06:00 occurrence, the next one is a week later, not the
	// same instant.
	from := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC) // Monday
	next, ok := Advance(FreqWeekly, tp, from, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC), next)

	// From mid-week the next Monday is chosen.
	from = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) // Wednesday
	next, _ = Advance(FreqWeekly, tp, from, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC), next)
}

func TestAdvance_Fortnightly(t *testing.T) {
	tp := mustParse(t, FreqFortnightly, "FRI_20:00")
	from := time.Date(2026, 8, 21, 20, 0, 0, 0, time.UTC) // Friday
	next, ok := Advance(FreqFortnightly, tp, from, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 4, 20, 0, 0, 0, time.UTC), next)
}

func TestAdvance_MonthlyClampsShortMonths(t *testing.T) {
	tp := mustParse(t, FreqMonthly, "31_01:00")

	from := time.Date(2026, 1, 31, 1, 0, 0, 0, time.UTC)
	next, ok := Advance(FreqMonthly, tp, from, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 28, 1, 0, 0, 0, time.UTC), next)

	// Leap year February keeps the 29th.
	from = time.Date(2028, 1, 31, 1, 0, 0, 0, time.UTC)
	next, _ = Advance(FreqMonthly, tp, from, time.UTC)
	assert.Equal(t, time.Date(2028, 2, 29, 1, 0, 0, 0, time.UTC), next)

	// After a clamped month the day springs back to 31 where it fits.
	next, _ = Advance(FreqMonthly, tp, next, time.UTC)
	assert.Equal(t, time.Date(2028, 3, 31, 1, 0, 0, 0, time.UTC), next)
}

func TestAdvance_MonthlyYearRollover(t *testing.T) {
	tp := mustParse(t, FreqMonthly, "15_09:00")
	from := time.Date(2026, 12, 15, 9, 0, 0, 0, time.UTC)
	next, _ := Advance(FreqMonthly, tp, from, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 15, 9, 0, 0, 0, time.UTC), next)
}

func TestAdvance_HalfYearlyAndYearly(t *testing.T) {
	tp := mustParse(t, FreqHalfYearly, "31_06:00")
	from := time.Date(2026, 3, 31, 6, 0, 0, 0, time.UTC)
	next, _ := Advance(FreqHalfYearly, tp, from, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 30, 6, 0, 0, 0, time.UTC), next)

	tp = mustParse(t, FreqYearly, "29_06:00")
	from = time.Date(2028, 2, 29, 6, 0, 0, 0, time.UTC)
	next, _ = Advance(FreqYearly, tp, from, time.UTC)
	assert.Equal(t, time.Date(2029, 2, 28, 6, 0, 0, 0, time.UTC), next)
}

func TestAdvance_ImmediateHasNoNext(t *testing.T) {
	tp := mustParse(t, FreqImmediate, "06:00")
	_, ok := Advance(FreqImmediate, tp, time.Now(), time.UTC)
	assert.False(t, ok)
}

func TestAdvance_StrictlyIncreasing(t *testing.T) {
	cases := []struct {
		freq  Frequency
		param string
	}{
		{FreqDaily, "00:00"},
		{FreqWeekly, "SUN_23:59"},
		{FreqFortnightly, "WED_12:00"},
		{FreqMonthly, "31_06:00"},
		{FreqHalfYearly, "30_06:00"},
		{FreqYearly, "29_02:00"},
	}
	for _, c := range cases {
		t.Run(string(c.freq), func(t *testing.T) {
			tp := mustParse(t, c.freq, c.param)
			cur := time.Date(2026, 1, 31, 6, 0, 0, 0, time.UTC)
			for i := 0; i < 50; i++ {
				next, ok := Advance(c.freq, tp, cur, time.UTC)
				require.True(t, ok)
				require.True(t, next.After(cur), "occurrence %d: %s not after %s", i, next, cur)
				cur = next
			}
		})
	}
}

type fakeTick struct {
	enqueued   []string
	enqueueErr error
	advances   []store.ScheduleStatus
	lastNext   time.Time
}

func (f *fakeTick) Enqueue(_ context.Context, mappingRef string, params map[string]string) (uuid.UUID, error) {
	if f.enqueueErr != nil {
		return uuid.Nil, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, mappingRef+"/"+params["source"])
	return uuid.New(), nil
}

func (f *fakeTick) Advance(_ context.Context, _ uuid.UUID, _, next time.Time, status store.ScheduleStatus) error {
	f.advances = append(f.advances, status)
	f.lastNext = next
	return nil
}

func evalWith(due DueFunc) *Evaluator {
	return NewEvaluator(due, config.ScheduleConfig{
		TickInterval: 15 * time.Second,
		Timezone:     "UTC",
	}, nil)
}

func dailySchedule() *store.Schedule {
	return &store.Schedule{
		ScheduleID: uuid.New(),
		MappingRef: "ORDERS",
		Frequency:  string(FreqDaily),
		TimeParam:  "02:00",
		NextRunAt:  time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC),
		Status:     store.ScheduleActive,
	}
}

func TestTick_FiresDueSchedule(t *testing.T) {
	tick := &fakeTick{}
	s := dailySchedule()
	e := evalWith(func(ctx context.Context, _ time.Time, handle func(context.Context, Tick, *store.Schedule) error) error {
		return handle(ctx, tick, s)
	})

	require.NoError(t, e.Tick(context.Background()))
	assert.Equal(t, []string{"ORDERS/SCHEDULE"}, tick.enqueued)
	assert.Equal(t, []store.ScheduleStatus{store.ScheduleActive}, tick.advances)
	assert.Equal(t, time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC), tick.lastNext)
}

func TestTick_ImmediateEndsAfterOneShot(t *testing.T) {
	tick := &fakeTick{}
	s := dailySchedule()
	s.Frequency = string(FreqImmediate)
	e := evalWith(func(ctx context.Context, _ time.Time, handle func(context.Context, Tick, *store.Schedule) error) error {
		return handle(ctx, tick, s)
	})

	require.NoError(t, e.Tick(context.Background()))
	assert.Len(t, tick.enqueued, 1)
	assert.Equal(t, []store.ScheduleStatus{store.ScheduleEnded}, tick.advances)
}

func TestTick_EndsPastEndDate(t *testing.T) {
	tick := &fakeTick{}
	s := dailySchedule()
	end := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	s.EndDate = &end
	e := evalWith(func(ctx context.Context, _ time.Time, handle func(context.Context, Tick, *store.Schedule) error) error {
		return handle(ctx, tick, s)
	})

	require.NoError(t, e.Tick(context.Background()))
	// The due occurrence still fires; only the one after the end date is cut.
	assert.Len(t, tick.enqueued, 1)
	assert.Equal(t, []store.ScheduleStatus{store.ScheduleEnded}, tick.advances)
}

func TestTick_BadParameterEndsScheduleWithoutEnqueue(t *testing.T) {
	tick := &fakeTick{}
	s := dailySchedule()
	s.TimeParam = "nonsense"
	e := evalWith(func(ctx context.Context, _ time.Time, handle func(context.Context, Tick, *store.Schedule) error) error {
		return handle(ctx, tick, s)
	})

	require.NoError(t, e.Tick(context.Background()))
	assert.Empty(t, tick.enqueued)
	assert.Equal(t, []store.ScheduleStatus{store.ScheduleEnded}, tick.advances)
}

func TestTick_EnqueueFailureAbortsAdvance(t *testing.T) {
	tick := &fakeTick{enqueueErr: context.DeadlineExceeded}
	s := dailySchedule()
	e := evalWith(func(ctx context.Context, _ time.Time, handle func(context.Context, Tick, *store.Schedule) error) error {
		return handle(ctx, tick, s)
	})

	assert.Error(t, e.Tick(context.Background()))
	assert.Empty(t, tick.advances)
}
