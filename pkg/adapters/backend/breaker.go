package backend

import (
	"context"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/resilience"
)

// CircuitBreakerBackend wraps a Backend with rate-limit circuit breaking.
// While the breaker is open Send fails fast with backend_unavailable.
type CircuitBreakerBackend struct {
	inner   Backend
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerBackend(inner Backend, breaker *resilience.CircuitBreaker) *CircuitBreakerBackend {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerBackend{inner: inner, breaker: breaker}
}

func (b *CircuitBreakerBackend) Name() string { return b.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (b *CircuitBreakerBackend) SetObserver(obs metrics.Observer) { b.obs = obs }

func (b *CircuitBreakerBackend) Send(ctx context.Context, req Request) (Reply, error) {
	if !b.breaker.Allow() {
		fields := map[string]any{}
		if until := b.breaker.OpenUntil(); !until.IsZero() {
			fields["retry_in_ms"] = time.Until(until).Milliseconds()
		}
		b.record(metrics.EventBreakerDenied, fields)
		return Reply{}, &errorsx.BackendError{Reason: errorsx.ReasonBackendUnavailable, Err: resilience.ErrCircuitOpen}
	}
	before := b.breaker.State()
	reply, err := b.inner.Send(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			b.record(metrics.EventRateLimit, nil)
		}
		b.breaker.OnError(err)
		if b.breaker.State() == resilience.BreakerOpen {
			b.record(metrics.EventBreakerOpen, map[string]any{"probe": before == resilience.BreakerHalfOpen})
		}
		return reply, err
	}
	b.breaker.OnSuccess()
	if before != resilience.BreakerClosed {
		b.record(metrics.EventBreakerClose, nil)
	}
	return reply, nil
}

func (b *CircuitBreakerBackend) record(name string, fields map[string]any) {
	metrics.Record(b.obs, name, map[string]string{
		"provider":  b.inner.Name(),
		"component": "backend",
	}, fields)
}

var _ Backend = (*CircuitBreakerBackend)(nil)
