package backend

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/avatar/pkg/errorsx"
	"github.com/harunnryd/avatar/pkg/metrics"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

// RetryBackend retries the opening request of a reply. Once a stream has
// started it is handed to the caller as is.
type RetryBackend struct {
	inner Backend
	cfg   RetryConfig
	obs   metrics.Observer
}

func NewRetryBackend(inner Backend, cfg RetryConfig) *RetryBackend {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &RetryBackend{inner: inner, cfg: cfg}
}

func (r *RetryBackend) Name() string { return r.inner.Name() }

func (r *RetryBackend) SetObserver(obs metrics.Observer) { r.obs = obs }

func (r *RetryBackend) Send(ctx context.Context, req Request) (Reply, error) {
	var (
		reply Reply
		err   error
	)
	for i := 0; i < r.cfg.MaxAttempts; i++ {
		reply, err = r.inner.Send(ctx, req)
		if err == nil {
			return reply, nil
		}
		if !r.cfg.IsRetryable(err) || i == r.cfg.MaxAttempts-1 || ctx.Err() != nil {
			break
		}
		metrics.Record(r.obs, metrics.EventBackendRetry, map[string]string{"provider": r.inner.Name()},
			map[string]any{"attempt": i + 1, "reason": string(errorsx.Reason(err))})
		r.cfg.Sleep(backoffDelay(r.cfg.BaseDelay, r.cfg.MaxDelay, r.cfg.Jitter, i))
	}
	return reply, err
}

// DefaultIsRetryable retries transport failures and 5xx answers. Timeouts,
// rejected requests and rate limits are final.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonBackendTimeout, errorsx.ReasonBackendRequest, errorsx.ReasonBackendRateLimit:
		return false
	}
	return true
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int) time.Duration {
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > max {
		d = max
	}
	if jitter > 0 {
		j := time.Duration(float64(d) * jitter * rand.Float64())
		return d + j
	}
	return d
}

var _ Backend = (*RetryBackend)(nil)
