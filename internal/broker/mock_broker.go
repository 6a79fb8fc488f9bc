package broker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// PublishedMessage records one Publish call on the mock.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Options    PublishOptions
}

// MockBroker is a hand-written, in-memory implementation of Broker used in
// unit tests. Published messages are recorded; deliveries are injected with
// Deliver.
type MockBroker struct {
	mu        sync.Mutex
	published []PublishedMessage
	handlers  map[string]Handler
	connected bool

	reconnectCh chan struct{}

	// Optional error overrides, set in tests to simulate failure paths.
	PublishErr error
	ConsumeErr error
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		handlers:    make(map[string]Handler),
		connected:   true,
		reconnectCh: make(chan struct{}, 1),
	}
}

func (m *MockBroker) Publish(_ context.Context, exchange, routingKey string, payload any, opts PublishOptions) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.published = append(m.published, PublishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
		Options:    opts,
	})
	return nil
}

func (m *MockBroker) Consume(_ context.Context, queue string, handler Handler) error {
	if m.ConsumeErr != nil {
		return m.ConsumeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.ErrNotConnected
	}
	m.handlers[queue] = handler
	return nil
}

func (m *MockBroker) NotifyReconnect() <-chan struct{} { return m.reconnectCh }

func (m *MockBroker) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockBroker) Ping(_ context.Context) error {
	if !m.Connected() {
		return domain.ErrNotConnected
	}
	return nil
}

func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// ---- test helpers ----

// Published returns a copy of all recorded publishes.
func (m *MockBroker) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// PublishedTo filters recorded publishes by routing key.
func (m *MockBroker) PublishedTo(routingKey string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, p := range m.published {
		if p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

// Deliver synchronously invokes the handler subscribed to queue and
// reports how the message was settled.
func (m *MockBroker) Deliver(ctx context.Context, queue string, d Delivery) (acked, nacked, requeued bool, handlerErr error) {
	m.mu.Lock()
	handler, ok := m.handlers[queue]
	m.mu.Unlock()
	if !ok {
		return false, false, false, nil
	}

	ack := func() error { acked = true; return nil }
	nack := func(requeue bool) error { nacked = true; requeued = requeue; return nil }

	handlerErr = handler(ctx, d, ack, nack)
	if handlerErr != nil && !acked && !nacked {
		// Mirror the adapter's escaped-error settlement.
		nacked = true
		requeued = d.RetryCount < d.MaxRetries
	}
	return acked, nacked, requeued, handlerErr
}

// SetConnected flips the simulated connection state.
func (m *MockBroker) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// FireReconnect emits a reconnect event as the adapter would.
func (m *MockBroker) FireReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// Subscribed reports whether a handler is registered for queue.
func (m *MockBroker) Subscribed(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[queue]
	return ok
}

var _ Broker = (*MockBroker)(nil)
