package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/metrics"
	"github.com/harunnryd/avatar/pkg/resilience"
)

type scripted struct {
	errs  []error
	calls int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Send(ctx context.Context, req Request) (Reply, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return TextReply("fallback"), s.errs[i]
	}
	return TextReply("ok: " + req.Message), nil
}

func TestRetryBackendRetriesUnavailable(t *testing.T) {
	inner := &scripted{errs: []error{&errorsx.BackendError{Reason: errorsx.ReasonBackendUnavailable}}}
	var slept []time.Duration
	r := NewRetryBackend(inner, RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Sleep: func(d time.Duration) { slept = append(slept, d) }})
	obs := metrics.NewMemoryObserver()
	r.SetObserver(obs)
	reply, err := r.Send(context.Background(), Request{Message: "oi"})
	if err != nil || reply.Text != "ok: oi" {
		t.Fatalf("expected success after retry, got %q %v", reply.Text, err)
	}
	if inner.calls != 2 || len(slept) != 1 || slept[0] != 10*time.Millisecond {
		t.Fatalf("unexpected retry trace calls=%d slept=%v", inner.calls, slept)
	}
	if obs.Count(metrics.EventBackendRetry) != 1 {
		t.Fatalf("expected one retry event")
	}
}

func TestRetryBackendStopsOnFinalErrors(t *testing.T) {
	for _, reason := range []errorsx.ReasonCode{errorsx.ReasonBackendTimeout, errorsx.ReasonBackendRequest, errorsx.ReasonBackendRateLimit} {
		inner := &scripted{errs: []error{&errorsx.BackendError{Reason: reason}}}
		r := NewRetryBackend(inner, RetryConfig{MaxAttempts: 3, Sleep: func(time.Duration) {}})
		reply, err := r.Send(context.Background(), Request{})
		if errorsx.Reason(err) != reason || reply.Text != "fallback" {
			t.Fatalf("%s: expected the failure with its fallback, got %q %v", reason, reply.Text, err)
		}
		if inner.calls != 1 {
			t.Fatalf("%s: expected no retry, got %d calls", reason, inner.calls)
		}
	}
}

func TestRetryBackendGivesUp(t *testing.T) {
	boom := errors.New("connection reset")
	inner := &scripted{errs: []error{boom, boom, boom}}
	r := NewRetryBackend(inner, RetryConfig{MaxAttempts: 2, Sleep: func(time.Duration) {}})
	if _, err := r.Send(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	if d := backoffDelay(100*time.Millisecond, 300*time.Millisecond, 0, 3); d != 300*time.Millisecond {
		t.Fatalf("expected capped delay, got %s", d)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	limited := &errorsx.BackendError{Reason: errorsx.ReasonBackendRateLimit, Err: resilience.RateLimitError{Provider: "scripted"}}
	inner := &scripted{errs: []error{limited, limited}}
	b := NewCircuitBreakerBackend(inner, resilience.NewCircuitBreaker(2, time.Hour))
	obs := metrics.NewMemoryObserver()
	b.SetObserver(obs)

	for i := 0; i < 2; i++ {
		if _, err := b.Send(context.Background(), Request{}); !resilience.IsRateLimit(err) {
			t.Fatalf("expected rate limit, got %v", err)
		}
	}
	_, err := b.Send(context.Background(), Request{})
	if !errors.Is(err, resilience.ErrCircuitOpen) || errorsx.Reason(err) != errorsx.ReasonBackendUnavailable {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not reach the backend, got %d calls", inner.calls)
	}
	if obs.Count(metrics.EventRateLimit) != 2 || obs.Count(metrics.EventBreakerDenied) != 1 || obs.Count(metrics.EventBreakerOpen) != 1 {
		t.Fatalf("unexpected breaker events %v", obs.Snapshot())
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	inner := &scripted{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	b := NewCircuitBreakerBackend(inner, resilience.NewCircuitBreaker(1, time.Hour))
	for i := 0; i < 4; i++ {
		_, _ = b.Send(context.Background(), Request{})
	}
	if inner.calls != 4 {
		t.Fatalf("non rate limit errors must not open the breaker, got %d calls", inner.calls)
	}
}
