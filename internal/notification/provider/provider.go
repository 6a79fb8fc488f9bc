package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// Provider abstracts delivery over one channel. Mocking this interface in
// tests gives full control over delivery behaviour without real SMTP or
// HTTP calls.
type Provider interface {
	// Channel reports which channel this provider serves.
	Channel() domain.Channel

	// ValidateConfig reports whether the configuration is usable for
	// delivery. Called before Initialize.
	ValidateConfig() error

	// Initialize prepares the provider for delivery. Called once at engine
	// start, only for configured providers.
	Initialize(ctx context.Context) error

	// Send attempts one delivery. A failed attempt is reported through the
	// SendResult, not the error; the error is reserved for faults where no
	// attempt could be made at all.
	Send(ctx context.Context, msg *domain.NotificationMessage) (*domain.SendResult, error)

	// Configured reports whether the provider has enough configuration to
	// attempt deliveries.
	Configured() bool

	// Cleanup releases provider resources at shutdown.
	Cleanup() error
}

// Registry maps channels to their providers.
type Registry struct {
	providers map[domain.Channel]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.Channel]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Channel()] = p
	}
	return r
}

// Register adds or replaces the provider for its channel.
func (r *Registry) Register(p Provider) {
	r.providers[p.Channel()] = p
}

// Get returns the provider for the channel, or ErrNoProvider when the
// channel is unknown or its provider is not configured.
func (r *Registry) Get(channel domain.Channel) (Provider, error) {
	p, ok := r.providers[channel]
	if !ok || !p.Configured() {
		return nil, domain.ErrNoProvider
	}
	return p, nil
}

// Channels lists the channels with a configured provider.
func (r *Registry) Channels() []domain.Channel {
	var out []domain.Channel
	for ch, p := range r.providers {
		if p.Configured() {
			out = append(out, ch)
		}
	}
	return out
}

// Initialize validates and initializes every configured provider.
// Unconfigured providers are skipped; their channels simply stay
// unavailable.
func (r *Registry) Initialize(ctx context.Context) error {
	for ch, p := range r.providers {
		if !p.Configured() {
			continue
		}
		if err := p.ValidateConfig(); err != nil {
			return fmt.Errorf("provider %s: %w", ch, err)
		}
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", ch, err)
		}
	}
	return nil
}

// Cleanup releases every provider's resources. All providers are cleaned
// even if some fail; the errors are joined.
func (r *Registry) Cleanup() error {
	var errs []error
	for ch, p := range r.providers {
		if err := p.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}
