package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/broker"
	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// Component is the lifecycle contract every scheduler child implements.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy() bool
}

// child pairs a component with its name for logs and the status view.
type child struct {
	name      string
	component Component
}

// Status is the coordinator's aggregated health view.
type Status struct {
	Overall    domain.HealthStatus          `json:"overall"`
	Components map[string]domain.HealthStatus `json:"components"`
}

// Coordinator owns the start/stop order of the scheduler's children and
// re-subscribes broker consumers after reconnects.
//
// Start order puts the result handler first so it is consuming before any
// producer can create a task that completes quickly; stop order is the
// exact reverse.
type Coordinator struct {
	children []child
	bk       broker.Broker
	logger   *zap.Logger

	// resubscribe re-registers broker consumers after a reconnect.
	resubscribe func(ctx context.Context) error

	mu      sync.Mutex
	started []child // successfully started, in start order
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(bk broker.Broker, logger *zap.Logger, resubscribe func(ctx context.Context) error) *Coordinator {
	if resubscribe == nil {
		resubscribe = func(context.Context) error { return nil }
	}
	return &Coordinator{bk: bk, logger: logger, resubscribe: resubscribe}
}

// Register appends a component to the start order.
func (c *Coordinator) Register(name string, component Component) {
	c.children = append(c.children, child{name: name, component: component})
}

// Start brings every child up in registration order. A failure triggers a
// best-effort stop of whatever already started, then propagates.
func (c *Coordinator) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, ch := range c.children {
		c.logger.Info("starting component", zap.String("component", ch.name))
		if err := ch.component.Start(ctx); err != nil {
			c.logger.Error("component start failed",
				zap.String("component", ch.name), zap.Error(err))
			c.stopStarted(ctx)
			cancel()
			return fmt.Errorf("start %s: %w", ch.name, err)
		}
		c.mu.Lock()
		c.started = append(c.started, ch)
		c.mu.Unlock()
	}

	c.wg.Add(1)
	go c.watchReconnects(watchCtx)

	c.logger.Info("coordinator started", zap.Int("components", len(c.children)))
	return nil
}

// Stop brings children down in reverse start order. A stop error in one
// child is logged and never prevents stopping the rest.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.stopStarted(ctx)
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) stopStarted(ctx context.Context) {
	c.mu.Lock()
	started := make([]child, len(c.started))
	copy(started, c.started)
	c.started = nil
	c.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		ch := started[i]
		c.logger.Info("stopping component", zap.String("component", ch.name))
		if err := ch.component.Stop(ctx); err != nil {
			c.logger.Error("component stop failed",
				zap.String("component", ch.name), zap.Error(err))
		}
	}
}

// watchReconnects re-registers broker consumers every time the adapter
// reconnects. Consumers do not survive a connection loss.
func (c *Coordinator) watchReconnects(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.bk.NotifyReconnect():
			c.logger.Info("broker reconnected, re-subscribing consumers")
			if err := c.resubscribe(ctx); err != nil {
				c.logger.Error("re-subscribe failed", zap.Error(err))
			}
		}
	}
}

// Status aggregates child health: unhealthy below half healthy, degraded
// below full, healthy otherwise.
func (c *Coordinator) Status() Status {
	components := make(map[string]domain.HealthStatus, len(c.children))
	healthy := 0
	for _, ch := range c.children {
		if ch.component.Healthy() {
			components[ch.name] = domain.HealthHealthy
			healthy++
		} else {
			components[ch.name] = domain.HealthUnhealthy
		}
	}

	overall := domain.HealthHealthy
	switch {
	case len(c.children) == 0 || healthy*2 < len(c.children):
		overall = domain.HealthUnhealthy
	case healthy < len(c.children):
		overall = domain.HealthDegraded
	}

	return Status{Overall: overall, Components: components}
}
