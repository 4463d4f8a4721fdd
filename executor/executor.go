// Package executor runs one claimed request end to end: it reads the resume
// checkpoint, plans chunks, fans them out over a bounded worker pool, and
// drives the run log to a terminal status. Checkpoints advance only on the
// highest contiguous prefix of committed chunks.
package executor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rowmill/rowmill/checkpoint"
	"github.com/rowmill/rowmill/chunk"
	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/config"
	"github.com/rowmill/rowmill/mapping"
	"github.com/rowmill/rowmill/progress"
	"github.com/rowmill/rowmill/retry"
	"github.com/rowmill/rowmill/store"
)

// RowFailure is one failed row inside a chunk.
type RowFailure struct {
	Ordinal int64
	Code    string
	Message string
	Data    []byte
}

// ChunkResult reports one chunk attempt's outcome.
type ChunkResult struct {
	Index         int
	RowsRead      int64
	RowsSucceeded int64
	RowsFailed    int64
	RowErrors     []RowFailure

	// LastKey is the checkpoint column value of the chunk's last row, set
	// under the KEY strategy.
	LastKey string

	// Err is the chunk-level failure, nil when committed.
	Err error
}

// Runner executes chunks for one mapping. The production implementation is
// the Processor; tests substitute fakes.
type Runner interface {
	// Plan estimates the source and builds the chunk list from the resume
	// marker.
	Plan(ctx context.Context, checkpointValue *string) ([]chunk.Descriptor, chunk.Stats, error)

	// TruncateTarget empties the target table. Called once before chunk 0
	// under TRUNCATE_LOAD, never on resume.
	TruncateTarget(ctx context.Context) error

	// Process runs one chunk: extract, transform, load, commit.
	Process(ctx context.Context, c chunk.Descriptor) ChunkResult
}

// RunnerFactory builds a Runner for one mapping snapshot.
type RunnerFactory func(def *mapping.Definition) (Runner, error)

// RunStore is the slice of the metadata gateway the executor needs.
type RunStore interface {
	OpenRun(ctx context.Context, requestID uuid.UUID, mappingRef string, checkpointValue *string) (*store.Run, error)
	CloseRun(ctx context.Context, runID uuid.UUID, status store.RunStatus, read, succeeded, failed int64, truncated bool) error
	WriteCheckpoint(ctx context.Context, runID uuid.UUID, value string) error
	ResumeCheckpoint(ctx context.Context, mappingRef string) (*string, error)
	UpdateRunCounters(ctx context.Context, runID uuid.UUID, read, succeeded, failed int64) error
	InsertRowErrors(ctx context.Context, errs []store.RowError) error
	AbandonRun(ctx context.Context, mappingRef string) error
}

// Summary is the terminal outcome of one run.
type Summary struct {
	RunID              uuid.UUID
	Status             store.RunStatus
	RowsRead           int64
	RowsSucceeded      int64
	RowsFailed         int64
	ChunksPlanned      int
	ChunksCommitted    int
	Workers            int
	RowErrorsTruncated bool
}

// Executor owns per-run worker pools.
type Executor struct {
	store   RunStore
	factory RunnerFactory
	retrier *retry.Controller
	cfg     config.ExecutorConfig
	prog    config.ProgressConfig
	log     *logrus.Logger

	sinkMu sync.Mutex
	sinks  []progress.Sink
}

// New wires an executor. The factory builds the production chunk processor
// unless a test injects its own.
func New(runStore RunStore, factory RunnerFactory, retrier *retry.Controller,
	cfg config.ExecutorConfig, prog config.ProgressConfig, log *logrus.Logger) *Executor {
	if log == nil {
		log = common.Logger
	}
	return &Executor{
		store:   runStore,
		factory: factory,
		retrier: retrier,
		cfg:     cfg,
		prog:    prog,
		log:     log,
	}
}

// RegisterProgressSink streams snapshots of every subsequent run to sink.
func (e *Executor) RegisterProgressSink(sink progress.Sink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Run executes one claimed request. ctx doubles as the cancellation token:
// when it fires, workers stop between chunks, in-flight chunks get the
// configured grace period, and the run closes as CANCELLED.
func (e *Executor) Run(ctx context.Context, req *store.Request, def *mapping.Definition) (*Summary, error) {
	snap := def.Snapshot()
	if lm := req.Parameters["load_mode"]; lm != "" {
		snap.LoadMode = mapping.LoadMode(lm)
	}

	runner, err := e.factory(snap)
	if err != nil {
		return nil, err
	}

	cp := checkpoint.New(e.store, snap)
	marker, err := cp.Read(ctx, snap.MappingRef)
	if err != nil {
		return nil, err
	}

	plan, stats, err := runner.Plan(ctx, marker)
	if err != nil {
		return nil, err
	}

	run, err := e.store.OpenRun(ctx, req.RequestID, snap.MappingRef, marker)
	if errors.Is(err, store.ErrRunConflict) {
		// A reclaimed request can find the crashed run still open. Close it
		// as FAILED (the marker was already read from it) and reopen.
		if err := e.store.AbandonRun(ctx, snap.MappingRef); err != nil {
			return nil, err
		}
		run, err = e.store.OpenRun(ctx, req.RequestID, snap.MappingRef, marker)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	workers := e.workerCount(plan, stats)
	e.log.WithFields(common.RunFields(req.RequestID.String(), run.RunID.String(), snap.MappingRef)).
		WithField("chunks", len(plan)).
		WithField("workers", workers).
		WithField("rows_estimated", stats.Count).
		Info("run.start")

	if snap.LoadMode == mapping.LoadTruncate && marker == nil {
		if err := runner.TruncateTarget(ctx); err != nil {
			_ = e.store.CloseRun(ctx, run.RunID, store.RunFailed, 0, 0, 0, false)
			return nil, err
		}
	}

	tracker := progress.NewTracker(req.RequestID.String(), run.RunID.String(), snap.MappingRef,
		stats.Count, e.prog.WriteMinInterval)
	tracker.AddSink(progress.NewLogSink(e.log))
	tracker.AddSink(progress.NewRunLogSink(e.store, e.log))
	e.sinkMu.Lock()
	for _, s := range e.sinks {
		tracker.AddSink(s)
	}
	e.sinkMu.Unlock()

	summary := e.execute(ctx, runner, cp, run, snap, plan, workers, tracker)
	summary.Workers = workers
	summary.ChunksPlanned = len(plan)

	// The terminal close must land even after cancellation.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	tracker.Flush(closeCtx)
	if err := e.store.CloseRun(closeCtx, run.RunID, summary.Status,
		summary.RowsRead, summary.RowsSucceeded, summary.RowsFailed, summary.RowErrorsTruncated); err != nil {
		return summary, err
	}
	return summary, nil
}

// workerCount applies the parallelism decision: the pool only widens past 1
// when the source is large enough and the plan actually partitions.
func (e *Executor) workerCount(plan []chunk.Descriptor, stats chunk.Stats) int {
	if len(plan) <= 1 {
		return 1
	}
	if plan[0].Strategy == mapping.StrategyNone {
		return 1
	}
	if stats.Count < int64(e.cfg.MinRowsForParallel) {
		return 1
	}
	w := e.cfg.MaxWorkers
	if w < 1 {
		w = 1
	}
	if w > len(plan) {
		w = len(plan)
	}
	return w
}

func (e *Executor) execute(ctx context.Context, runner Runner, cp *checkpoint.Controller,
	run *store.Run, snap *mapping.Definition, plan []chunk.Descriptor, workers int,
	tracker *progress.Tracker) *Summary {

	summary := &Summary{RunID: run.RunID, Status: store.RunSuccess}
	if len(plan) == 0 {
		return summary
	}

	// Workers run on a context that survives the cancel token so in-flight
	// chunks can drain; hardStop fires after the grace period.
	procCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()
	graceDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			timer := time.NewTimer(e.cfg.CancelGrace)
			defer timer.Stop()
			select {
			case <-timer.C:
				hardStop()
			case <-graceDone:
			}
		case <-graceDone:
		}
	}()
	defer close(graceDone)

	// dispatchCtx stops the feeder on cancellation or permanent failure.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	chunks := make(chan chunk.Descriptor)
	results := make(chan ChunkResult, workers)

	var g errgroup.Group
	g.Go(func() error {
		defer close(chunks)
		for _, c := range plan {
			select {
			case chunks <- c:
			case <-dispatchCtx.Done():
				return nil
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for c := range chunks {
				// Cancellation is observed between chunks.
				if dispatchCtx.Err() != nil {
					return nil
				}
				results <- e.runChunk(dispatchCtx, procCtx, runner, run, snap, c)
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	prefix := checkpoint.NewPrefix()
	storedErrors := 0
	for res := range results {
		if res.Err != nil {
			// A chunk cut short by the cancel token (between attempts or at
			// grace expiry) is a cancellation, not a failure.
			if ctx.Err() == nil || retry.Classify(res.Err) != retry.Cancelled {
				summary.Status = store.RunFailed
			}
			summary.RowsRead += res.RowsRead
			summary.RowsFailed += res.RowsFailed
			tracker.Record(procCtx, res.RowsRead, res.RowsSucceeded, res.RowsFailed, true)
			// Stop dispatching; chunks already in flight drain.
			stopDispatch()
			continue
		}

		summary.RowsRead += res.RowsRead
		summary.RowsSucceeded += res.RowsSucceeded
		summary.RowsFailed += res.RowsFailed
		summary.ChunksCommitted++
		tracker.Record(procCtx, res.RowsRead, res.RowsSucceeded, res.RowsFailed, false)

		e.storeRowErrors(procCtx, run.RunID, res, summary, &storedErrors)

		marker, advanced := prefix.Commit(res.Index, chunkMarker(plan[res.Index], res))
		if advanced && marker != "" {
			if err := cp.Write(procCtx, run.RunID, marker); err != nil {
				e.log.WithField("run_id", run.RunID.String()).WithError(err).Warn("checkpoint write failed")
			}
		}
	}
	_ = g.Wait()

	if ctx.Err() != nil && summary.Status != store.RunFailed {
		summary.Status = store.RunCancelled
	}
	return summary
}

// runChunk drives one chunk through the retry controller. The controller
// waits on runCtx so cancellation is observed between attempts; the attempt
// itself runs on procCtx and drains until the grace period hard-stops it.
func (e *Executor) runChunk(runCtx, procCtx context.Context, runner Runner, run *store.Run,
	snap *mapping.Definition, c chunk.Descriptor) ChunkResult {

	fields := e.log.WithField("run_id", run.RunID.String()).
		WithFields(logrus.Fields{"mapping_ref": snap.MappingRef, "chunk_index": c.Index})
	fields.Debug("chunk.start")

	var last ChunkResult
	_, err := e.retrier.Do(runCtx, "chunk "+strconv.Itoa(c.Index), func(context.Context) error {
		attemptCtx := procCtx
		if e.cfg.ChunkTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(procCtx, e.cfg.ChunkTimeout)
			defer cancel()
		}
		last = runner.Process(attemptCtx, c)
		return last.Err
	})
	last.Index = c.Index
	last.Err = err

	fields.WithFields(logrus.Fields{
		"rows_read": last.RowsRead,
		"outcome":   outcome(err),
	}).Info("chunk.end")
	return last
}

func (e *Executor) storeRowErrors(ctx context.Context, runID uuid.UUID, res ChunkResult,
	summary *Summary, stored *int) {

	if len(res.RowErrors) == 0 {
		return
	}
	room := e.cfg.RowErrorCap - *stored
	if room <= 0 {
		summary.RowErrorsTruncated = true
		return
	}
	batch := res.RowErrors
	if len(batch) > room {
		batch = batch[:room]
		summary.RowErrorsTruncated = true
	}
	rows := make([]store.RowError, len(batch))
	for i, f := range batch {
		rows[i] = store.RowError{
			RunID:        runID,
			RowOrdinal:   f.Ordinal,
			ErrorCode:    f.Code,
			ErrorMessage: f.Message,
			RowData:      f.Data,
		}
	}
	if err := e.store.InsertRowErrors(ctx, rows); err != nil {
		e.log.WithField("run_id", runID.String()).WithError(err).Warn("row error write failed")
		return
	}
	*stored += len(batch)
}

// chunkMarker picks the checkpoint value a committed chunk contributes: the
// observed last key under KEY, the cumulative row position under ORDINAL,
// nothing under NONE.
func chunkMarker(c chunk.Descriptor, res ChunkResult) string {
	switch c.Strategy {
	case mapping.StrategyKey:
		if res.LastKey != "" {
			return res.LastKey
		}
		return strconv.FormatInt(c.Upper, 10)
	case mapping.StrategyOrdinal:
		return strconv.FormatInt(c.Upper, 10)
	}
	return ""
}

func outcome(err error) string {
	if err == nil {
		return "committed"
	}
	return "failed"
}
