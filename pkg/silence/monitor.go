package silence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/avatar/pkg/audio"
	"github.com/harunnryd/avatar/pkg/logging"
	"github.com/harunnryd/avatar/pkg/metrics"
)

const (
	DefaultThreshold      = 20.0
	DefaultWindow         = 3000 * time.Millisecond
	DefaultSampleInterval = 16 * time.Millisecond
)

var ErrActive = errors.New("silence monitor already running")

// Tap opens an energy analyser on the microphone.
type Tap interface {
	OpenAnalyser() (audio.Analyser, error)
}

type Options struct {
	Threshold      float64
	Window         time.Duration
	SampleInterval time.Duration
	Logger         *slog.Logger
	Observer       metrics.Observer
	Tags           map[string]string
}

// Monitor signals an inactivity timeout while recognition runs. Two
// triggers feed it: sampled input energy and a timer reset by partial
// transcripts. Whichever fires first wins and cancels the other.
type Monitor struct {
	tap       Tap
	threshold float64
	interval  time.Duration
	logger    *slog.Logger
	obs       metrics.Observer
	tags      map[string]string

	mu     sync.Mutex
	window time.Duration
	cycle  *cycle
}

type cycle struct {
	analyser     audio.Analyser
	stop         chan struct{}
	timer        *time.Timer
	onTimeout    func()
	lastActivity time.Time
	startedAt    time.Time
	once         sync.Once
}

func NewMonitor(tap Tap, opts Options) *Monitor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Monitor{
		tap:       tap,
		threshold: opts.Threshold,
		interval:  opts.SampleInterval,
		window:    opts.Window,
		logger:    logging.NewComponentLogger(opts.Logger, "silence_monitor"),
		obs:       opts.Observer,
		tags:      opts.Tags,
	}
}

// SetSensitivity changes the inactivity window. It applies to the running
// cycle from its next check.
func (m *Monitor) SetSensitivity(seconds float64) {
	if seconds <= 0 {
		return
	}
	m.mu.Lock()
	m.window = time.Duration(seconds * float64(time.Second))
	m.mu.Unlock()
}

func (m *Monitor) Window() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window
}

func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle != nil
}

// Start opens the analyser and arms both triggers. onTimeout runs at most
// once per Start/Stop cycle, on the goroutine of the trigger that fired.
func (m *Monitor) Start(onTimeout func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle != nil {
		return ErrActive
	}
	analyser, err := m.tap.OpenAnalyser()
	if err != nil {
		return err
	}
	now := time.Now()
	c := &cycle{
		analyser:     analyser,
		stop:         make(chan struct{}),
		onTimeout:    onTimeout,
		lastActivity: now,
		startedAt:    now,
	}
	c.timer = time.AfterFunc(m.window, func() { m.fire(c, "transcript_timer") })
	m.cycle = c
	go m.sample(c)
	m.logger.Debug("silence_monitor_started", slog.Duration("window", m.window))
	return nil
}

// NotePartial records speech seen by the recognizer and pushes both
// triggers back by a full window.
func (m *Monitor) NotePartial() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle == nil {
		return
	}
	m.cycle.lastActivity = time.Now()
	m.cycle.timer.Reset(m.window)
}

// Stop tears the cycle down. It is idempotent and a no-op after firing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cycle
	m.cycle = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.release()
	m.logger.Debug("silence_monitor_stopped")
}

func (m *Monitor) sample(c *cycle) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			energy := c.analyser.Energy()
			m.mu.Lock()
			if m.cycle != c {
				m.mu.Unlock()
				return
			}
			if energy > m.threshold {
				c.lastActivity = now
			}
			quiet := now.Sub(c.lastActivity) >= m.window
			m.mu.Unlock()
			if quiet {
				m.fire(c, "energy")
				return
			}
		}
	}
}

func (m *Monitor) fire(c *cycle, trigger string) {
	m.mu.Lock()
	if m.cycle != c {
		m.mu.Unlock()
		return
	}
	m.cycle = nil
	m.mu.Unlock()

	c.release()
	m.logger.Info("silence_timeout",
		slog.String("trigger", trigger),
		slog.Duration("listened", time.Since(c.startedAt)))
	metrics.Record(m.obs, metrics.EventSilenceTimeout, m.tags, map[string]any{"trigger": trigger})
	if c.onTimeout != nil {
		c.onTimeout()
	}
}

func (c *cycle) release() {
	c.once.Do(func() {
		close(c.stop)
		c.timer.Stop()
		_ = c.analyser.Close()
	})
}
