package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Analyser reports the current input level on a 0-255 scale.
type Analyser interface {
	Energy() float64
	Close() error
}

// Decibel range mapped onto 0-255. A quiet room sits near the floor, so the
// default silence threshold of 20 lands around -55 dBFS.
const (
	minDecibels = -60.0
	maxDecibels = 0.0
)

// Level converts a PCM16 little-endian chunk to a 0-255 energy value.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	scaled := (db - minDecibels) / (maxDecibels - minDecibels) * 255
	return math.Max(0, math.Min(255, scaled))
}

type energyAnalyser struct {
	release func()
	done    chan struct{}
	once    sync.Once
	stale   time.Duration

	mu     sync.Mutex
	level  float64
	update time.Time
}

func (a *energyAnalyser) run(ch <-chan []byte) {
	for {
		select {
		case <-a.done:
			return
		case pcm, ok := <-ch:
			if !ok {
				return
			}
			lvl := Level(pcm)
			a.mu.Lock()
			a.level = lvl
			a.update = time.Now()
			a.mu.Unlock()
		}
	}
}

// Energy is zero when no audio arrived recently; a muted client is silent.
func (a *energyAnalyser) Energy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.update.IsZero() || time.Since(a.update) > a.stale {
		return 0
	}
	return a.level
}

func (a *energyAnalyser) Close() error {
	a.once.Do(func() {
		close(a.done)
		a.release()
	})
	return nil
}
