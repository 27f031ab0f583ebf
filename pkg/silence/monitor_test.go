package silence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/avatar/pkg/audio"
)

type fakeAnalyser struct {
	mu     sync.Mutex
	energy float64
	closed atomic.Int32
}

func (a *fakeAnalyser) Energy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.energy
}

func (a *fakeAnalyser) set(v float64) {
	a.mu.Lock()
	a.energy = v
	a.mu.Unlock()
}

func (a *fakeAnalyser) Close() error {
	a.closed.Add(1)
	return nil
}

type fakeTap struct {
	mu     sync.Mutex
	opened []*fakeAnalyser
}

func (t *fakeTap) OpenAnalyser() (audio.Analyser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := &fakeAnalyser{}
	t.opened = append(t.opened, a)
	return a, nil
}

func (t *fakeTap) last() *fakeAnalyser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[len(t.opened)-1]
}

func TestTimeoutFiresOnceOnSilence(t *testing.T) {
	tap := &fakeTap{}
	m := NewMonitor(tap, Options{Window: 60 * time.Millisecond, SampleInterval: 5 * time.Millisecond})
	var fired atomic.Int32
	if err := m.Start(func() { fired.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one timeout, got %d", fired.Load())
	}
	if m.Active() {
		t.Fatalf("monitor must be inactive after firing")
	}
	if tap.last().closed.Load() != 1 {
		t.Fatalf("analyser must be closed once")
	}
	m.Stop()
	if fired.Load() != 1 || tap.last().closed.Load() != 1 {
		t.Fatalf("stop after firing must be a no-op")
	}
}

func TestEnergyKeepsMonitorAlive(t *testing.T) {
	tap := &fakeTap{}
	m := NewMonitor(tap, Options{Window: 60 * time.Millisecond, SampleInterval: 5 * time.Millisecond})
	var fired atomic.Int32
	if err := m.Start(func() { fired.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	a := tap.last()
	a.set(80)
	// The energy path alone would never fire; keep the transcript timer
	// alive with partials.
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		m.NotePartial()
	}
	if fired.Load() != 0 {
		t.Fatalf("loud input must not time out")
	}
	a.set(0)
	time.Sleep(200 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("expected timeout once input went quiet, got %d", fired.Load())
	}
}

func TestTranscriptTimerFiresWithoutEnergySamples(t *testing.T) {
	tap := &fakeTap{}
	// Sampling slower than the window leaves the timer as the first trigger.
	m := NewMonitor(tap, Options{Window: 40 * time.Millisecond, SampleInterval: time.Second})
	done := make(chan struct{})
	if err := m.Start(func() { close(done) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	tap.last().set(200)
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("transcript timer never fired")
	}
}

func TestStopIsIdempotentAndPreventsTimeout(t *testing.T) {
	tap := &fakeTap{}
	m := NewMonitor(tap, Options{Window: 30 * time.Millisecond, SampleInterval: 5 * time.Millisecond})
	var fired atomic.Int32
	if err := m.Start(func() { fired.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(func() {}); err != ErrActive {
		t.Fatalf("expected ErrActive, got %v", err)
	}
	m.Stop()
	m.Stop()
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("stopped monitor must not fire")
	}
	if tap.last().closed.Load() != 1 {
		t.Fatalf("analyser must be closed exactly once")
	}
	if err := m.Start(func() {}); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	m.Stop()
}

func TestSetSensitivity(t *testing.T) {
	m := NewMonitor(&fakeTap{}, Options{})
	if m.Window() != DefaultWindow {
		t.Fatalf("expected default window")
	}
	m.SetSensitivity(1.5)
	if m.Window() != 1500*time.Millisecond {
		t.Fatalf("unexpected window %s", m.Window())
	}
	m.SetSensitivity(0)
	if m.Window() != 1500*time.Millisecond {
		t.Fatalf("non-positive sensitivity must be ignored")
	}
}

func TestDefaultWindowSilence(t *testing.T) {
	if testing.Short() {
		t.Skip("uses the real 3s window")
	}
	tap := &fakeTap{}
	m := NewMonitor(tap, Options{})
	start := time.Now()
	done := make(chan time.Duration, 1)
	if err := m.Start(func() { done <- time.Since(start) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case elapsed := <-done:
		if elapsed < DefaultWindow-50*time.Millisecond {
			t.Fatalf("fired too early after %s", elapsed)
		}
	case <-time.After(3100 * time.Millisecond):
		t.Fatalf("expected timeout within 3100ms")
	}
}
