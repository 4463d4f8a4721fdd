// Package progress aggregates per-chunk completions into run snapshots
// with percentage, throughput, and ETA, and pushes them to sinks on a
// coalesced schedule.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time progress record. Percent and ETA are nil
// when the source size is unknown.
type Snapshot struct {
	RequestID  string        `json:"request_id"`
	RunID      string        `json:"run_id"`
	MappingRef string        `json:"mapping_ref"`

	ChunksCompleted int64 `json:"chunks_completed"`
	ChunksFailed    int64 `json:"chunks_failed"`
	RowsRead        int64 `json:"rows_read"`
	RowsSucceeded   int64 `json:"rows_succeeded"`
	RowsFailed      int64 `json:"rows_failed"`

	Percent    *float64       `json:"percent,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
	ETA        *time.Duration `json:"eta,omitempty"`
	Throughput float64        `json:"throughput"`

	Terminal bool `json:"terminal"`
}

// Sink receives snapshots. Publication must not block the run; slow sinks
// drop or buffer on their own.
type Sink interface {
	Publish(ctx context.Context, s Snapshot)
}

// Tracker keeps the counters of one run.
type Tracker struct {
	requestID  string
	runID      string
	mappingRef string
	total      int64 // estimated source rows, 0 when unknown
	start      time.Time
	minGap     time.Duration

	chunksCompleted atomic.Int64
	chunksFailed    atomic.Int64
	rowsRead        atomic.Int64
	rowsSucceeded   atomic.Int64
	rowsFailed      atomic.Int64

	mu          sync.Mutex
	sinks       []Sink
	lastPublish time.Time
}

// NewTracker starts tracking a run. estimatedTotal of 0 means unknown;
// snapshots then carry a nil percentage. minGap coalesces publication.
func NewTracker(requestID, runID, mappingRef string, estimatedTotal int64, minGap time.Duration) *Tracker {
	return &Tracker{
		requestID:  requestID,
		runID:      runID,
		mappingRef: mappingRef,
		total:      estimatedTotal,
		start:      time.Now(),
		minGap:     minGap,
	}
}

// AddSink registers a snapshot consumer.
func (t *Tracker) AddSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Record folds one chunk result into the counters and publishes a snapshot
// unless one was published within the coalescing window.
func (t *Tracker) Record(ctx context.Context, read, succeeded, failed int64, chunkFailed bool) {
	t.rowsRead.Add(read)
	t.rowsSucceeded.Add(succeeded)
	t.rowsFailed.Add(failed)
	if chunkFailed {
		t.chunksFailed.Add(1)
	} else {
		t.chunksCompleted.Add(1)
	}
	t.publish(ctx, false)
}

// Snapshot computes the current progress record.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		RequestID:       t.requestID,
		RunID:           t.runID,
		MappingRef:      t.mappingRef,
		ChunksCompleted: t.chunksCompleted.Load(),
		ChunksFailed:    t.chunksFailed.Load(),
		RowsRead:        t.rowsRead.Load(),
		RowsSucceeded:   t.rowsSucceeded.Load(),
		RowsFailed:      t.rowsFailed.Load(),
		Elapsed:         time.Since(t.start),
	}
	if s.Elapsed > 0 {
		s.Throughput = float64(s.RowsRead) / s.Elapsed.Seconds()
	}
	if t.total > 0 {
		p := float64(s.RowsRead) / float64(t.total) * 100
		if p > 100 {
			p = 100
		}
		s.Percent = &p
		if p > 0 && p < 100 {
			eta := time.Duration(float64(s.Elapsed) * (100 - p) / p)
			s.ETA = &eta
		}
	}
	return s
}

// Flush publishes a final snapshot regardless of the coalescing window.
// Called once when the run reaches a terminal status.
func (t *Tracker) Flush(ctx context.Context) Snapshot {
	return t.publish(ctx, true)
}

func (t *Tracker) publish(ctx context.Context, terminal bool) Snapshot {
	t.mu.Lock()
	if !terminal && time.Since(t.lastPublish) < t.minGap {
		t.mu.Unlock()
		return Snapshot{}
	}
	t.lastPublish = time.Now()
	sinks := make([]Sink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	s := t.Snapshot()
	s.Terminal = terminal
	for _, sink := range sinks {
		sink.Publish(ctx, s)
	}
	return s
}
