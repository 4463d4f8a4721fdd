// Package orchestrator wires the metadata store, connection pools, executor,
// queue dispatcher, and schedule evaluator into one service and exposes the
// worker-facing API.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/config"
	"github.com/rowmill/rowmill/executor"
	"github.com/rowmill/rowmill/notify"
	"github.com/rowmill/rowmill/pool"
	"github.com/rowmill/rowmill/progress"
	"github.com/rowmill/rowmill/queue"
	"github.com/rowmill/rowmill/retry"
	"github.com/rowmill/rowmill/schedule"
	"github.com/rowmill/rowmill/store"
)

const poolAcquireTimeout = 30 * time.Second

// Orchestrator owns every long-running component and their shared
// dependencies.
type Orchestrator struct {
	cfg *config.Config
	log *logrus.Logger

	gateway    *store.Gateway
	pools      *pool.Manager
	executor   *executor.Executor
	dispatcher *queue.Dispatcher
	evaluator  *schedule.Evaluator
	notifier   notify.Notifier
	redisSink  *progress.RedisSink
}

// New connects to the metadata store, ensures the schema, and wires all
// components. Close must be called when done.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Orchestrator, error) {
	if log == nil {
		log = common.Logger
	}

	gateway, err := store.NewGateway(ctx, cfg.Metadata.DSN, cfg.Metadata.Schema, log)
	if err != nil {
		return nil, err
	}
	if err := gateway.EnsureSchema(ctx); err != nil {
		gateway.Close()
		return nil, err
	}

	pools := pool.NewManager(gateway, log)
	retrier := retry.NewController(cfg.Retry, log)
	factory := executor.NewRunnerFactory(pools, cfg.Service.WorkerID, poolAcquireTimeout, log)
	exec := executor.New(gateway, factory, retrier, cfg.Executor, cfg.Progress, log)

	var redisSink *progress.RedisSink
	if cfg.Progress.RedisAddr != "" {
		redisSink = progress.NewRedisSink(cfg.Progress.RedisAddr, cfg.Progress.RedisChannel, log)
		exec.RegisterProgressSink(redisSink)
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Progress.AMQPURL != "" {
		notifier, err = notify.NewRabbitNotifier(cfg.Progress.AMQPURL, cfg.Progress.AMQPQueue, log)
		if err != nil {
			pools.Close()
			gateway.Close()
			return nil, fmt.Errorf("failed to connect run-event notifier: %w", err)
		}
	}

	dispatcher := queue.NewDispatcher(gateway, exec.Run, notifier, cfg.Queue, cfg.Service.WorkerID, log)

	due := func(ctx context.Context, at time.Time, handle func(ctx context.Context, tick schedule.Tick, s *store.Schedule) error) error {
		return gateway.DueSchedules(ctx, at, func(ctx context.Context, tick *store.ScheduleTick, s *store.Schedule) error {
			return handle(ctx, tick, s)
		})
	}
	evaluator := schedule.NewEvaluator(due, cfg.Schedule, log)

	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		gateway:    gateway,
		pools:      pools,
		executor:   exec,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		notifier:   notifier,
		redisSink:  redisSink,
	}, nil
}

// Serve runs the dispatcher, reclaim, and schedule loops until ctx is
// cancelled.
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.log.WithField("worker_id", o.cfg.Service.WorkerID).Info("orchestrator started")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.dispatcher.Run(ctx) })
	g.Go(func() error { return o.dispatcher.RunReclaim(ctx) })
	g.Go(func() error { return o.evaluator.Run(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Enqueue validates the mapping and inserts a NEW request.
func (o *Orchestrator) Enqueue(ctx context.Context, mappingRef string, parameters map[string]string) (uuid.UUID, error) {
	return o.dispatcher.Enqueue(ctx, mappingRef, parameters)
}

// Cancel marks the request CANCELLED; a running execution drains.
func (o *Orchestrator) Cancel(ctx context.Context, requestID uuid.UUID) error {
	return o.dispatcher.Cancel(ctx, requestID)
}

// RequestStatus is the Status answer: the queue row plus its latest run,
// when one exists.
type RequestStatus struct {
	Request *store.Request
	Run     *store.Run
}

// Status reports a request's queue status and latest run counters.
func (o *Orchestrator) Status(ctx context.Context, requestID uuid.UUID) (*RequestStatus, error) {
	req, err := o.gateway.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	run, err := o.gateway.LatestRunForRequest(ctx, requestID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &RequestStatus{Request: req, Run: run}, nil
}

// RegisterProgressSink streams progress snapshots of every run to sink.
func (o *Orchestrator) RegisterProgressSink(sink progress.Sink) {
	o.executor.RegisterProgressSink(sink)
}

// Gateway exposes the metadata store for administrative commands.
func (o *Orchestrator) Gateway() *store.Gateway {
	return o.gateway
}

// Close releases broker connections, pools, and the metadata store.
func (o *Orchestrator) Close() {
	if o.notifier != nil {
		o.notifier.Close()
	}
	if o.redisSink != nil {
		o.redisSink.Close()
	}
	o.pools.Close()
	o.gateway.Close()
}
