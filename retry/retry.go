// Package retry wraps chunk execution with bounded exponential backoff and
// classifies errors into transient, permanent, and cancelled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/config"
)

// Class is the retry decision for an error.
type Class int

const (
	// Transient errors are retried with backoff.
	Transient Class = iota
	// Permanent errors fail the chunk immediately.
	Permanent
	// Cancelled means the run's cancellation fired during the attempt.
	Cancelled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Classify maps an error to its retry class. Connection faults, timeouts,
// deadlocks, lock waits, and resource exhaustion are transient; schema,
// syntax, permission, and constraint errors are permanent. Unknown errors
// default to permanent so a broken chunk never loops.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014": // query_canceled (statement timeout)
			return Transient
		}
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08": // connection exceptions
				return Transient
			case "53": // insufficient resources
				return Transient
			case "57": // operator intervention (shutdown in progress)
				return Transient
			}
		}
		return Permanent
	}
	if pgconn.Timeout(err) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}
	if strings.Contains(err.Error(), "connection reset") {
		return Transient
	}
	return Permanent
}

// Controller retries an operation according to the configured policy.
type Controller struct {
	cfg config.RetryConfig
	log *logrus.Logger
}

// NewController builds a controller from the retry configuration.
func NewController(cfg config.RetryConfig, log *logrus.Logger) *Controller {
	if log == nil {
		log = common.Logger
	}
	return &Controller{cfg: cfg, log: log}
}

// Do runs fn, retrying transient failures up to MaxRetries times with
// exponential backoff. It returns the number of attempts made and the last
// error. Permanent errors and cancellation stop immediately.
func (c *Controller) Do(ctx context.Context, label string, fn func(ctx context.Context) error) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialDelay
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Multiplier = c.cfg.Multiplier
	if !c.cfg.Jitter {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}

		switch Classify(err) {
		case Cancelled:
			return attempts, err
		case Permanent:
			return attempts, err
		}

		if attempts > c.cfg.MaxRetries {
			return attempts, fmt.Errorf("%s failed after %d attempts: %w", label, attempts, err)
		}

		delay := bo.NextBackOff()
		c.log.WithField("target", label).
			WithField("attempt", attempts).
			WithField("delay", delay.String()).
			WithField("error", err.Error()).
			Warn("chunk.retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
	}
}
