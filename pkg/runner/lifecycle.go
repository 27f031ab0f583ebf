package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("runner: already started")
	ErrDrainTimeout   = errors.New("drain timeout")
)

// LifecycleRunner runs a process from start until its context ends, then
// drains within a deadline.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopErr error
	once    sync.Once
	done    chan struct{}
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := hooks.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "runner")),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx ends or Stop is called. A failing OnStart aborts
// without draining.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner()

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			r.finish(fmt.Errorf("start: %w", err))
			return r.stopErr
		}
	}
	r.state.Store(int32(StateRunning))
	r.logger.Info("runner_started", slog.String("version", EngineVersion))
	<-ctx.Done()
	return r.stop()
}

// Stop ends Run and drains. Before Run it only marks the runner stopped.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

// Done is closed once the runner stopped.
func (r *LifecycleRunner) Done() <-chan struct{} { return r.done }

func (r *LifecycleRunner) stop() error {
	r.once.Do(func() {
		r.state.Store(int32(StateDraining))
		var err error
		if r.drainer != nil {
			start := time.Now()
			result := make(chan error, 1)
			go func() { result <- r.drainer.Drain() }()
			select {
			case err = <-result:
				r.logger.Info("runner_drained",
					slog.Int64("duration_ms", time.Since(start).Milliseconds()))
				if err != nil {
					r.logger.Warn("runner_drain_failed", slog.String("error", err.Error()))
				}
			case <-time.After(r.timeout):
				err = ErrDrainTimeout
				r.logger.Error("runner_drain_timeout", slog.Duration("timeout", r.timeout))
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.stopErr = err
		r.state.Store(int32(StateStopped))
		close(r.done)
	})
	return r.stopErr
}

func (r *LifecycleRunner) finish(err error) {
	r.once.Do(func() {
		r.stopErr = err
		r.state.Store(int32(StateStopped))
		close(r.done)
	})
}
