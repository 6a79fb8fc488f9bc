package broker

import (
	"context"
)

// Exchange and queue names. The topology is compatibility-critical:
// external workers bind to these exact names.
const (
	ExchangeMain    = "drone.archive"
	ExchangeDelayed = "drone.archive.delayed"
	ExchangeDLX     = "drone.archive.dlx"

	QueueArchivePositions = "archive.positions"
	QueueArchiveCommands  = "archive.commands"
	QueueArchiveStatus    = "archive.status"
	QueueCleanupExpired   = "cleanup.expired"
	QueueResultSuccess    = "result.success"
	QueueResultFailed     = "result.failed"
	QueueResultPartial    = "result.partial"
	QueueDeadLetter       = "archive.dead_letter"
)

// ResultQueues lists the queues external workers publish callbacks to.
var ResultQueues = []string{QueueResultSuccess, QueueResultFailed, QueueResultPartial}

// PublishOptions controls message properties for one publish.
// Persistent delivery is always set; it is not optional in this system.
type PublishOptions struct {
	Priority     uint8
	MessageID    string
	Type         string
	RetryCount   int
	MaxRetries   int
	ExpirationMs int64
	DelayMs      int64 // >0 routes through the delayed exchange
	Headers      map[string]any
}

// Delivery is one decoded inbound message handed to a consumer.
type Delivery struct {
	Body       []byte
	MessageID  string
	Type       string
	RetryCount int
	MaxRetries int
	Headers    map[string]any
}

// AckFunc acknowledges the delivery.
type AckFunc func() error

// NackFunc rejects the delivery; requeue=false routes it to the DLX.
type NackFunc func(requeue bool) error

// Handler processes one delivery. The handler owns ack/nack; an error
// escaping the handler makes the adapter nack on its behalf:
// requeue while retries remain, dead-letter once they are exhausted.
type Handler func(ctx context.Context, d Delivery, ack AckFunc, nack NackFunc) error

// Broker is the durable publish/consume contract. Exactly one adapter owns
// the connection and channel; no other component holds broker handles.
type Broker interface {
	// Publish sends payload (JSON-encoded) to exchange with routingKey.
	// Returns domain.ErrNotConnected while disconnected and
	// domain.ErrPublishRefused on channel back-pressure.
	Publish(ctx context.Context, exchange, routingKey string, payload any, opts PublishOptions) error

	// Consume subscribes handler to queue. The subscription dies with the
	// connection; the owner re-invokes Consume after a reconnect event.
	Consume(ctx context.Context, queue string, handler Handler) error

	// NotifyReconnect returns a channel that receives after every
	// successful reconnect (topology already re-declared).
	NotifyReconnect() <-chan struct{}

	Connected() bool
	Ping(ctx context.Context) error
	Close() error
}
