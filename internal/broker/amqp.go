package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// AMQPBroker is the RabbitMQ implementation of Broker. It owns exactly one
// connection and one channel, redeclares the topology after every
// reconnect, and fails publishes fast while disconnected.
type AMQPBroker struct {
	url            string
	reconnectDelay time.Duration
	maxAttempts    int
	prefetch       int
	logger         *zap.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool
	closed    bool

	reconnectCh chan struct{}
	done        chan struct{}
}

// Options tune the adapter's reconnect and consume behaviour.
type Options struct {
	ReconnectDelay time.Duration
	MaxAttempts    int
	Prefetch       int
}

// Connect dials the broker, declares the topology, and starts the
// reconnect watcher.
func Connect(url string, opts Options, logger *zap.Logger) (*AMQPBroker, error) {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}

	b := &AMQPBroker{
		url:            url,
		reconnectDelay: opts.ReconnectDelay,
		maxAttempts:    opts.MaxAttempts,
		prefetch:       opts.Prefetch,
		logger:         logger,
		reconnectCh:    make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	if err := b.dial(); err != nil {
		return nil, err
	}
	go b.watch()
	return b, nil
}

func (b *AMQPBroker) dial() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("declare topology: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.connected = true
	b.mu.Unlock()

	return nil
}

// declareTopology declares all exchanges, queues, and bindings. Every
// declaration is idempotent: redeclaring with identical arguments is a
// no-op on the server.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeMain, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeMain, err)
	}
	// Delayed delivery via the delayed-message plugin; messages carry the
	// delay in an x-delay header and are routed as direct after it elapses.
	if err := ch.ExchangeDeclare(ExchangeDelayed, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"}); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeDelayed, err)
	}
	if err := ch.ExchangeDeclare(ExchangeDLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeDLX, err)
	}

	queues := []string{
		QueueArchivePositions, QueueArchiveCommands, QueueArchiveStatus,
		QueueCleanupExpired,
		QueueResultSuccess, QueueResultFailed, QueueResultPartial,
	}
	for _, q := range queues {
		args := amqp.Table{
			"x-max-priority":         int32(10),
			"x-dead-letter-exchange": ExchangeDLX,
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		// Routing key equals the queue name on both the main and the
		// delayed exchange.
		if err := ch.QueueBind(q, q, ExchangeMain, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q, ExchangeMain, err)
		}
		if err := ch.QueueBind(q, q, ExchangeDelayed, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q, ExchangeDelayed, err)
		}
		if err := ch.QueueBind(q, q, ExchangeDLX, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q, ExchangeDLX, err)
		}
	}

	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDeadLetter, err)
	}
	if err := ch.QueueBind(QueueDeadLetter, "#", ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", QueueDeadLetter, err)
	}

	return nil
}

// watch blocks on connection-closed notifications and drives the reconnect
// loop. Consumers are lost on disconnect; owners re-subscribe when the
// reconnect channel fires.
func (b *AMQPBroker) watch() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.done:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				// Clean shutdown.
				return
			}
			b.logger.Warn("broker connection lost", zap.Error(amqpErr))
		}

		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()

		if !b.reconnect() {
			return
		}
	}
}

// reconnect retries dial with linear backoff up to maxAttempts. Returns
// false when the adapter is closed or attempts are exhausted.
func (b *AMQPBroker) reconnect() bool {
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		select {
		case <-b.done:
			return false
		case <-time.After(b.reconnectDelay):
		}

		b.logger.Info("broker reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", b.maxAttempts),
		)
		if err := b.dial(); err != nil {
			b.logger.Error("broker reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		b.logger.Info("broker reconnected", zap.Int("attempt", attempt))
		select {
		case b.reconnectCh <- struct{}{}:
		default:
		}
		return true
	}

	b.logger.Error("broker reconnect attempts exhausted", zap.Int("max_attempts", b.maxAttempts))
	return false
}

func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, payload any, opts PublishOptions) error {
	b.mu.RLock()
	ch := b.ch
	connected := b.connected
	b.mu.RUnlock()

	if !connected {
		return domain.ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	headers := amqp.Table{
		"retryCount": int32(opts.RetryCount),
		"maxRetries": int32(opts.MaxRetries),
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	targetExchange := exchange
	if opts.DelayMs > 0 {
		targetExchange = ExchangeDelayed
		headers["x-delay"] = opts.DelayMs
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     opts.Priority,
		MessageId:    opts.MessageID,
		Type:         opts.Type,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	if opts.ExpirationMs > 0 {
		pub.Expiration = fmt.Sprintf("%d", opts.ExpirationMs)
	}

	if err := ch.PublishWithContext(ctx, targetExchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublishRefused, err)
	}
	return nil
}

func (b *AMQPBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	b.mu.RLock()
	ch := b.ch
	connected := b.connected
	b.mu.RUnlock()

	if !connected {
		return domain.ErrNotConnected
	}

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-deliveries:
				if !ok {
					// Channel closed by the server; the reconnect watcher
					// handles recovery and the owner re-subscribes.
					b.logger.Warn("consumer channel closed", zap.String("queue", queue))
					return
				}
				b.dispatch(ctx, queue, msg, handler)
			}
		}
	}()

	return nil
}

func (b *AMQPBroker) dispatch(ctx context.Context, queue string, msg amqp.Delivery, handler Handler) {
	d := Delivery{
		Body:       msg.Body,
		MessageID:  msg.MessageId,
		Type:       msg.Type,
		RetryCount: headerInt(msg.Headers, "retryCount"),
		MaxRetries: headerInt(msg.Headers, "maxRetries"),
		Headers:    msg.Headers,
	}
	ack := func() error { return msg.Ack(false) }
	nack := func(requeue bool) error { return msg.Nack(false, requeue) }

	if err := handler(ctx, d, ack, nack); err != nil {
		// Escaped handler error: requeue while retries remain, dead-letter
		// once they are exhausted.
		requeue := d.RetryCount < d.MaxRetries
		b.logger.Error("handler error",
			zap.String("queue", queue),
			zap.String("message_id", d.MessageID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		if nackErr := msg.Nack(false, requeue); nackErr != nil {
			b.logger.Error("nack failed", zap.String("queue", queue), zap.Error(nackErr))
		}
	}
}

func (b *AMQPBroker) NotifyReconnect() <-chan struct{} {
	return b.reconnectCh
}

func (b *AMQPBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Ping reports connection liveness for health probes. AMQP has no
// request/response ping; a live, registered connection is the check.
func (b *AMQPBroker) Ping(_ context.Context) error {
	if !b.Connected() {
		return domain.ErrNotConnected
	}
	return nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.connected = false
	close(b.done)
	if b.ch != nil {
		b.ch.Close() //nolint:errcheck
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func headerInt(t amqp.Table, key string) int {
	switch v := t[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

// compile-time check that AMQPBroker implements Broker
var _ Broker = (*AMQPBroker)(nil)
