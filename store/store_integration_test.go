//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rowmill/rowmill/mapping"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgresql://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func setupGateway(t *testing.T) (*Gateway, func()) {
	ctx := context.Background()
	dsn, cleanup := setupPostgresContainer(t)

	g, err := NewGateway(ctx, dsn, "etl", nil)
	require.NoError(t, err, "Failed to connect gateway")
	require.NoError(t, g.EnsureSchema(ctx))

	return g, func() {
		g.Close()
		cleanup()
	}
}

func TestGateway_Integration_RequestLifecycle(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	id, err := g.InsertRequest(ctx, "ORDERS", map[string]string{"load_mode": "INSERT"})
	require.NoError(t, err)

	req, err := g.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, StatusClaimed, req.Status)
	assert.Equal(t, "worker-1", *req.ClaimOwner)

	// Queue drained.
	none, err := g.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, g.Transition(ctx, id, StatusClaimed, StatusProcessing))
	require.NoError(t, g.Heartbeat(ctx, id, "worker-1", time.Minute))
	assert.ErrorIs(t, g.Heartbeat(ctx, id, "worker-2", time.Minute), ErrNotClaimOwner)

	require.NoError(t, g.Transition(ctx, id, StatusProcessing, StatusDone))

	// Terminal immutability.
	err = g.Transition(ctx, id, StatusDone, StatusProcessing)
	assert.ErrorIs(t, err, ErrConcurrentTransition)
	err = g.CancelRequest(ctx, id)
	assert.ErrorIs(t, err, ErrConcurrentTransition)
}

func TestGateway_Integration_ConcurrentClaim(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	const requests = 3
	const workers = 8
	for i := 0; i < requests; i++ {
		_, err := g.InsertRequest(ctx, fmt.Sprintf("MAP_%d", i), nil)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[uuid.UUID]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			req, err := g.ClaimNext(ctx, fmt.Sprintf("worker-%d", w), time.Minute)
			require.NoError(t, err)
			if req == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := claimed[req.RequestID]
			assert.False(t, dup, "request %s claimed twice", req.RequestID)
			claimed[req.RequestID] = fmt.Sprintf("worker-%d", w)
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, requests)
}

func TestGateway_Integration_ReclaimExpired(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	id, err := g.InsertRequest(ctx, "ORDERS", nil)
	require.NoError(t, err)

	// Claim with an already-expired lease, simulating a crashed worker.
	req, err := g.ClaimNext(ctx, "worker-1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, req)

	n, err := g.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := g.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.Status)
	assert.Nil(t, got.ClaimOwner)

	// Terminal rows are never reverted.
	req, err = g.ClaimNext(ctx, "worker-2", -time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Transition(ctx, req.RequestID, StatusClaimed, StatusProcessing))
	require.NoError(t, g.Transition(ctx, req.RequestID, StatusProcessing, StatusDone))
	n, err = g.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGateway_Integration_RunLifecycle(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	id, err := g.InsertRequest(ctx, "ORDERS", nil)
	require.NoError(t, err)

	run, err := g.OpenRun(ctx, id, "ORDERS", nil)
	require.NoError(t, err)
	assert.Equal(t, RunInProgress, run.Status)

	// One non-terminal run per mapping.
	_, err = g.OpenRun(ctx, id, "ORDERS", nil)
	assert.ErrorIs(t, err, ErrRunConflict)

	require.NoError(t, g.WriteCheckpoint(ctx, run.RunID, "2000"))
	cp, err := g.ResumeCheckpoint(ctx, "ORDERS")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "2000", *cp)

	require.NoError(t, g.CloseRun(ctx, run.RunID, RunSuccess, 3500, 3500, 0, false))

	// COMPLETED marker means start from scratch.
	cp, err = g.ResumeCheckpoint(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Nil(t, cp)

	latest, err := g.LatestRun(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, latest.Status)
	require.NotNil(t, latest.CheckpointValue)
	assert.Equal(t, CheckpointCompleted, *latest.CheckpointValue)

	// A closed run accepts no further checkpoints.
	assert.ErrorIs(t, g.WriteCheckpoint(ctx, run.RunID, "9999"), ErrConcurrentTransition)
}

func TestGateway_Integration_ResumeAfterFailedOrCancelledRun(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	id, err := g.InsertRequest(ctx, "ORDERS", nil)
	require.NoError(t, err)
	run, err := g.OpenRun(ctx, id, "ORDERS", nil)
	require.NoError(t, err)
	require.NoError(t, g.WriteCheckpoint(ctx, run.RunID, "2000"))
	require.NoError(t, g.CloseRun(ctx, run.RunID, RunFailed, 2000, 1800, 200, false))

	// A failed run keeps its progress; the next request resumes from it.
	cp, err := g.ResumeCheckpoint(ctx, "ORDERS")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "2000", *cp)

	id2, err := g.InsertRequest(ctx, "ORDERS", nil)
	require.NoError(t, err)
	run2, err := g.OpenRun(ctx, id2, "ORDERS", cp)
	require.NoError(t, err)
	require.NoError(t, g.WriteCheckpoint(ctx, run2.RunID, "3000"))
	require.NoError(t, g.CloseRun(ctx, run2.RunID, RunCancelled, 1000, 1000, 0, false))

	// Same for a cancelled run.
	cp, err = g.ResumeCheckpoint(ctx, "ORDERS")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "3000", *cp)

	// Success wipes the marker for good.
	id3, err := g.InsertRequest(ctx, "ORDERS", nil)
	require.NoError(t, err)
	run3, err := g.OpenRun(ctx, id3, "ORDERS", cp)
	require.NoError(t, err)
	require.NoError(t, g.CloseRun(ctx, run3.RunID, RunSuccess, 500, 500, 0, false))

	cp, err = g.ResumeCheckpoint(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestGateway_Integration_RowErrors(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	id, err := g.InsertRequest(ctx, "ORDERS", nil)
	require.NoError(t, err)
	run, err := g.OpenRun(ctx, id, "ORDERS", nil)
	require.NoError(t, err)

	errs := []RowError{
		{RunID: run.RunID, RowOrdinal: 7, ErrorCode: "TYPE_COERCION", ErrorMessage: "bad value", RowData: []byte(`{"id":7}`)},
		{RunID: run.RunID, RowOrdinal: 3, ErrorCode: "DUPLICATE_KEY", ErrorMessage: "dup", RowData: []byte(`{"id":3}`)},
	}
	require.NoError(t, g.InsertRowErrors(ctx, errs))

	got, err := g.ListRowErrors(ctx, run.RunID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].RowOrdinal)
	assert.Equal(t, int64(7), got[1].RowOrdinal)
	assert.Equal(t, "TYPE_COERCION", got[1].ErrorCode)
}

func TestGateway_Integration_ScheduleTick(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	s := &Schedule{
		MappingRef: "ORDERS",
		Frequency:  "DAILY",
		TimeParam:  "02:30",
		StartDate:  past.Add(-24 * time.Hour),
		NextRunAt:  past,
	}
	require.NoError(t, g.InsertSchedule(ctx, s))

	fired := 0
	err := g.DueSchedules(ctx, time.Now(), func(ctx context.Context, tick *ScheduleTick, due *Schedule) error {
		fired++
		_, err := tick.Enqueue(ctx, due.MappingRef, map[string]string{"source": "SCHEDULE"})
		if err != nil {
			return err
		}
		return tick.Advance(ctx, due.ScheduleID, due.NextRunAt, due.NextRunAt.Add(24*time.Hour), ScheduleActive)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// Advanced past now, the next tick fires nothing.
	err = g.DueSchedules(ctx, time.Now(), func(ctx context.Context, tick *ScheduleTick, due *Schedule) error {
		t.Fatalf("schedule fired twice")
		return nil
	})
	require.NoError(t, err)

	req, err := g.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "ORDERS", req.MappingRef)
	assert.Equal(t, "SCHEDULE", req.Parameters["source"])
}

func TestGateway_Integration_ScheduleEndsPastEndDate(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	// next_run_at already lies past the end date: the schedule must never
	// fire again and the tick retires it.
	end := time.Now().Add(-48 * time.Hour)
	s := &Schedule{
		MappingRef: "ORDERS",
		Frequency:  "DAILY",
		TimeParam:  "02:30",
		StartDate:  end.Add(-7 * 24 * time.Hour),
		EndDate:    &end,
		NextRunAt:  end.Add(24 * time.Hour),
	}
	require.NoError(t, g.InsertSchedule(ctx, s))

	err := g.DueSchedules(ctx, time.Now(), func(ctx context.Context, tick *ScheduleTick, due *Schedule) error {
		t.Fatalf("expired schedule fired")
		return nil
	})
	require.NoError(t, err)

	got, err := g.GetSchedule(ctx, s.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, ScheduleEnded, got.Status)
}

func TestGateway_Integration_MappingRoundTrip(t *testing.T) {
	g, cleanup := setupGateway(t)
	defer cleanup()
	ctx := context.Background()

	def := &mapping.Definition{
		MappingRef:    "ORDERS",
		SourceConnRef: "SRC",
		SourceQuery:   "SELECT order_id, amount FROM orders ORDER BY order_id",
		TargetConnRef: "TGT",
		TargetTable:   "orders",
		LoadMode:      mapping.LoadUpsert,
		Strategy:      mapping.StrategyKey,
		CheckpointColumn: "order_id",
		Columns: []mapping.Column{
			{SourceColumn: "order_id", TargetColumn: "order_id", TargetType: mapping.TypeInteger, Key: true, KeySequence: 1, Sequence: 1},
			{SourceColumn: "amount", TargetColumn: "amount", TargetType: mapping.TypeDecimal, Sequence: 2},
			{TargetColumn: "loaded_at", TargetType: mapping.TypeTimestamp, Audit: mapping.AuditCreatedAt, Sequence: 3},
		},
	}
	require.NoError(t, g.PutMapping(ctx, def))

	got, err := g.GetMapping(ctx, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, mapping.LoadUpsert, got.LoadMode)
	assert.Equal(t, "order_id", got.CheckpointColumn)
	require.Len(t, got.Columns, 3)
	assert.Equal(t, []string{"order_id"}, got.KeyColumns())
	// Audit columns sort last.
	assert.Equal(t, mapping.AuditCreatedAt, got.Columns[2].Audit)

	_, err = g.GetMapping(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}
