// Package queue drives the durable request queue: it enqueues validated
// requests, claims them with lease heartbeats, hands them to the executor,
// and settles the terminal status.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/config"
	"github.com/rowmill/rowmill/executor"
	"github.com/rowmill/rowmill/mapping"
	"github.com/rowmill/rowmill/notify"
	"github.com/rowmill/rowmill/store"
)

// Store is the slice of the metadata gateway the dispatcher needs.
type Store interface {
	InsertRequest(ctx context.Context, mappingRef string, parameters map[string]string) (uuid.UUID, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*store.Request, error)
	Transition(ctx context.Context, requestID uuid.UUID, from, to store.RequestStatus) error
	Heartbeat(ctx context.Context, requestID uuid.UUID, workerID string, extend time.Duration) error
	ReclaimExpired(ctx context.Context) (int64, error)
	CancelRequest(ctx context.Context, requestID uuid.UUID) error
	GetRequest(ctx context.Context, requestID uuid.UUID) (*store.Request, error)
	GetMapping(ctx context.Context, mappingRef string) (*mapping.Definition, error)
}

// RunFunc executes one claimed request to a terminal run status. The
// production implementation is Executor.Run.
type RunFunc func(ctx context.Context, req *store.Request, def *mapping.Definition) (*executor.Summary, error)

// Dispatcher claims NEW requests one at a time and runs them. Parallelism
// lives inside the executor's chunk pool, not across requests.
type Dispatcher struct {
	store    Store
	run      RunFunc
	notifier notify.Notifier
	cfg      config.QueueConfig
	workerID string
	log      *logrus.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewDispatcher wires a dispatcher. notifier may be the NopNotifier.
func NewDispatcher(st Store, run RunFunc, notifier notify.Notifier,
	cfg config.QueueConfig, workerID string, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = common.Logger
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Dispatcher{
		store:    st,
		run:      run,
		notifier: notifier,
		cfg:      cfg,
		workerID: workerID,
		log:      log,
		running:  map[uuid.UUID]context.CancelFunc{},
	}
}

// Enqueue validates the mapping and inserts a NEW request. Configuration
// problems surface here, synchronously, as a *mapping.ConfigError; nothing
// reaches the queue for a broken mapping.
func (d *Dispatcher) Enqueue(ctx context.Context, mappingRef string, parameters map[string]string) (uuid.UUID, error) {
	def, err := d.store.GetMapping(ctx, mappingRef)
	if err != nil {
		return uuid.Nil, err
	}
	if lm := parameters["load_mode"]; lm != "" {
		override := *def
		override.LoadMode = mapping.LoadMode(lm)
		def = &override
	}
	if cfgErr := mapping.Validate(def); cfgErr != nil {
		return uuid.Nil, cfgErr
	}
	return d.store.InsertRequest(ctx, mappingRef, parameters)
}

// Cancel marks the request CANCELLED and, when this instance is running it,
// fires the run's cancellation token so workers drain.
func (d *Dispatcher) Cancel(ctx context.Context, requestID uuid.UUID) error {
	if err := d.store.CancelRequest(ctx, requestID); err != nil {
		return err
	}
	d.mu.Lock()
	cancel := d.running[requestID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Run is the claim loop. It blocks until ctx is cancelled, claiming and
// executing requests back to back and sleeping the poll interval when the
// queue is empty.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := d.store.ClaimNext(ctx, d.workerID, d.cfg.LeaseDuration)
		if err != nil {
			d.log.WithError(err).Warn("claim failed")
			if !d.sleep(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if req == nil {
			if !d.sleep(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		d.dispatch(ctx, req)
	}
}

// RunReclaim is the expired-claim sweep loop.
func (d *Dispatcher) RunReclaim(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.store.ReclaimExpired(ctx); err != nil {
				d.log.WithError(err).Warn("reclaim failed")
			}
		}
	}
}

// dispatch runs one claimed request to a terminal request status.
func (d *Dispatcher) dispatch(ctx context.Context, req *store.Request) {
	fields := common.RequestFields(req.RequestID.String(), req.MappingRef)

	if err := d.store.Transition(ctx, req.RequestID, store.StatusClaimed, store.StatusProcessing); err != nil {
		// Cancelled between claim and start; the claim is already released.
		d.log.WithFields(fields).WithError(err).Info("request not started")
		return
	}

	def, err := d.store.GetMapping(ctx, req.MappingRef)
	if err != nil {
		d.log.WithFields(fields).WithError(err).Error("mapping load failed")
		d.settle(ctx, req, store.StatusFailed, nil)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.running[req.RequestID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, req.RequestID)
		d.mu.Unlock()
	}()

	// The heartbeat keeps the lease alive; losing it (another instance
	// reclaimed the row, or the request was cancelled and the owner
	// cleared) cancels the run.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go d.heartbeat(runCtx, req.RequestID, cancel, hbDone)

	d.publish(notify.RunEvent{
		Kind:       notify.EventRunStarted,
		RequestID:  req.RequestID.String(),
		MappingRef: req.MappingRef,
	})

	summary, err := d.run(runCtx, req, def)
	if err != nil {
		d.log.WithFields(fields).WithError(err).Error("run failed to start")
		d.settle(ctx, req, store.StatusFailed, nil)
		return
	}

	d.settle(ctx, req, requestStatus(summary.Status), summary)
}

func (d *Dispatcher) heartbeat(ctx context.Context, requestID uuid.UUID, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Heartbeat(ctx, requestID, d.workerID, d.cfg.LeaseDuration); err != nil {
				d.log.WithField("request_id", requestID.String()).WithError(err).Warn("lease lost")
				cancel()
				return
			}
		}
	}
}

// settle writes the terminal request status and emits the run event. It runs
// on a detached context so shutdown or cancellation cannot strand a
// PROCESSING row.
func (d *Dispatcher) settle(ctx context.Context, req *store.Request, to store.RequestStatus, summary *executor.Summary) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := d.store.Transition(settleCtx, req.RequestID, store.StatusProcessing, to)
	if err != nil && !errors.Is(err, store.ErrConcurrentTransition) {
		d.log.WithFields(common.RequestFields(req.RequestID.String(), req.MappingRef)).
			WithError(err).Error("terminal transition failed")
	}

	ev := notify.RunEvent{
		Kind:       terminalEvent(to),
		RequestID:  req.RequestID.String(),
		MappingRef: req.MappingRef,
	}
	if summary != nil {
		ev.RunID = summary.RunID.String()
		ev.RowsRead = summary.RowsRead
		ev.RowsSucceeded = summary.RowsSucceeded
		ev.RowsFailed = summary.RowsFailed
	}
	d.publish(ev)
}

func (d *Dispatcher) publish(ev notify.RunEvent) {
	if err := d.notifier.PublishRunEvent(ev); err != nil {
		d.log.WithField("kind", string(ev.Kind)).WithError(err).Warn("run event publish failed")
	}
}

// sleep waits the poll interval; false means ctx fired first.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func requestStatus(rs store.RunStatus) store.RequestStatus {
	switch rs {
	case store.RunSuccess:
		return store.StatusDone
	case store.RunCancelled:
		return store.StatusCancelled
	}
	return store.StatusFailed
}

func terminalEvent(s store.RequestStatus) notify.EventKind {
	switch s {
	case store.StatusDone:
		return notify.EventRunSucceeded
	case store.StatusCancelled:
		return notify.EventRunCancelled
	}
	return notify.EventRunFailed
}
