package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError is a vendor answering 429. RetryAfter is zero when the
// vendor did not say.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

var ErrCircuitOpen = errors.New("circuit open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen lets a single probe through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker counts consecutive rate limits only; other failures
// never open it. A rate limited probe reopens it for a full cooldown,
// or for the vendor's RetryAfter when that is longer.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	probing   bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. Once the cooldown passed, the
// first caller becomes the half-open probe and the rest are refused until
// it reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		if c.now().Before(c.openUntil) {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && !c.now().Before(c.openUntil) {
		return BreakerHalfOpen
	}
	return c.state
}

// OpenUntil is the end of the current cooldown, zero when closed.
func (c *CircuitBreaker) OpenUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerClosed {
		return time.Time{}
	}
	return c.openUntil
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.failures = 0
	c.probing = false
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	probe := c.state == BreakerHalfOpen
	c.probing = false
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.failures++
	if !probe && c.failures < c.threshold {
		return
	}
	wait := c.cooldown
	if rl.RetryAfter > wait {
		wait = rl.RetryAfter
	}
	c.state = BreakerOpen
	c.openUntil = c.now().Add(wait)
}

// Execute runs fn when the breaker allows it and records the outcome.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}
