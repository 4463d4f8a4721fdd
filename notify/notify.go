// Package notify publishes run lifecycle events to RabbitMQ so downstream
// consumers (alerting, audit trails) can react to started, finished, and
// failed runs without polling the metadata store.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/rowmill/rowmill/common"
)

// EventKind names a run lifecycle transition.
type EventKind string

const (
	EventRunStarted   EventKind = "run.started"
	EventRunSucceeded EventKind = "run.succeeded"
	EventRunFailed    EventKind = "run.failed"
	EventRunCancelled EventKind = "run.cancelled"
)

// RunEvent is the message published per transition.
type RunEvent struct {
	Kind          EventKind `json:"kind"`
	RequestID     string    `json:"request_id"`
	RunID         string    `json:"run_id"`
	MappingRef    string    `json:"mapping_ref"`
	RowsRead      int64     `json:"rows_read"`
	RowsSucceeded int64     `json:"rows_succeeded"`
	RowsFailed    int64     `json:"rows_failed"`
	At            time.Time `json:"at"`
}

// Notifier publishes run events. Failures must not fail the run; callers
// log and continue.
type Notifier interface {
	PublishRunEvent(event RunEvent) error
	Close() error
}

// RabbitNotifier publishes events to a durable queue on the default
// exchange.
type RabbitNotifier struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
	log        *logrus.Logger
}

// NewRabbitNotifier connects to RabbitMQ and declares the event queue.
func NewRabbitNotifier(url, queueName string, log *logrus.Logger) (*RabbitNotifier, error) {
	return NewRabbitNotifierWithDialer(url, queueName, &RealAMQPDialer{}, log)
}

// NewRabbitNotifierWithDialer allows injecting a dialer for tests.
func NewRabbitNotifierWithDialer(url, queueName string, dialer AMQPDialer, log *logrus.Logger) (*RabbitNotifier, error) {
	if log == nil {
		log = common.Logger
	}
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	// Durable queue: events survive broker restarts.
	_, err = ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &RabbitNotifier{
		connection: conn,
		channel:    ch,
		queueName:  queueName,
		log:        log,
	}, nil
}

// PublishRunEvent serializes the event to JSON and publishes it with the
// queue name as routing key.
func (n *RabbitNotifier) PublishRunEvent(event RunEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}
	err = n.channel.Publish(
		"",          // default exchange
		n.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	n.log.WithFields(common.RunFields(event.RequestID, event.RunID, event.MappingRef)).
		WithField("kind", string(event.Kind)).Debug("run event published")
	return nil
}

// Close closes the channel and connection.
func (n *RabbitNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.connection != nil {
		n.connection.Close()
	}
	return nil
}

// NopNotifier drops all events. Used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) PublishRunEvent(RunEvent) error { return nil }
func (NopNotifier) Close() error                   { return nil }
