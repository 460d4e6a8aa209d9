package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
)

// Provider wraps an [s2s.Provider] with a connect circuit breaker. Once the
// remote has refused enough consecutive connections, further calls fail
// fast with a typed unreachable error instead of dialing a service that is
// down.
//
// Invalid-config failures pass through without tripping the breaker: they
// fail every call deterministically and say nothing about remote health.
type Provider struct {
	inner   s2s.Provider
	breaker *CircuitBreaker
}

// NewProvider wraps inner with a breaker built from cfg.
func NewProvider(inner s2s.Provider, cfg CircuitBreakerConfig) *Provider {
	return &Provider{
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Connect runs the wrapped Connect through the breaker. When the breaker is
// open it returns a [s2s.ConnectError] of kind [s2s.KindUnreachable] so the
// caller's error handling stays uniform.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var handle s2s.SessionHandle
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		h, cerr := p.inner.Connect(ctx, cfg)
		if cerr != nil {
			var ce *s2s.ConnectError
			if errors.As(cerr, &ce) && ce.Kind == s2s.KindInvalidConfig {
				return Bypass(cerr)
			}
			return cerr
		}
		handle = h
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, s2s.NewConnectError(s2s.KindUnreachable, "", err)
	}
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Capabilities reports the wrapped provider's capabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	return p.inner.Capabilities()
}

// BreakerState exposes the breaker state for logging and tests.
func (p *Provider) BreakerState() State {
	return p.breaker.State()
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)
