package progress

import (
	"context"
	"encoding/json"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/common"
)

// LogSink writes one structured log line per snapshot.
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink uses the given logger, falling back to the global one.
func NewLogSink(log *logrus.Logger) *LogSink {
	if log == nil {
		log = common.Logger
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, snap Snapshot) {
	entry := s.log.WithFields(common.RunFields(snap.RequestID, snap.RunID, snap.MappingRef)).
		WithField("rows", humanize.Comma(snap.RowsRead)).
		WithField("failed", snap.RowsFailed).
		WithField("throughput", humanize.CommafWithDigits(snap.Throughput, 0)+" rows/s")
	if snap.Percent != nil {
		entry = entry.WithField("percent", humanize.FtoaWithDigits(*snap.Percent, 1))
	}
	if snap.ETA != nil {
		entry = entry.WithField("eta", snap.ETA.Round(1e9).String())
	}
	entry.Info("run.progress")
}

// RunCounterStore is the slice of the metadata gateway the run-log sink
// needs.
type RunCounterStore interface {
	UpdateRunCounters(ctx context.Context, runID uuid.UUID, read, succeeded, failed int64) error
}

// RunLogSink persists counters onto the run log row. The tracker's
// coalescing keeps this to at most one write per window plus the terminal
// write.
type RunLogSink struct {
	store RunCounterStore
	log   *logrus.Logger
}

func NewRunLogSink(store RunCounterStore, log *logrus.Logger) *RunLogSink {
	if log == nil {
		log = common.Logger
	}
	return &RunLogSink{store: store, log: log}
}

func (s *RunLogSink) Publish(ctx context.Context, snap Snapshot) {
	runID, err := uuid.Parse(snap.RunID)
	if err != nil {
		return
	}
	if err := s.store.UpdateRunCounters(ctx, runID, snap.RowsRead, snap.RowsSucceeded, snap.RowsFailed); err != nil {
		s.log.WithField("run_id", snap.RunID).WithError(err).Warn("progress write failed")
	}
}

// RedisSink publishes JSON snapshots on a pub/sub channel for external
// dashboards. Publish failures are logged and dropped, never blocking the
// run.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *logrus.Logger
}

func NewRedisSink(addr, channel string, log *logrus.Logger) *RedisSink {
	if log == nil {
		log = common.Logger
	}
	return &RedisSink{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		log:     log,
	}
}

func (s *RedisSink) Publish(ctx context.Context, snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.log.WithField("channel", s.channel).WithError(err).Warn("progress publish failed")
	}
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
