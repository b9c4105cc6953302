// Package speedmeter implements the Speed Meter: a monotonic
// bytes-in-window accumulator fed by every chunk worker, producing an
// instantaneous aggregate bytes/sec figure. Generalizes the usual
// per-worker windowed-accumulate-then-reset technique to one
// process-wide meter instead of one per active chunk.
package speedmeter

import (
	"sync"
	"sync/atomic"
	"time"
)

// window is how often the accumulated bytes are folded into the
// reported rate.
const window = 2 * time.Second

// Meter accumulates bytes reported by chunk workers and reports an
// instantaneous throughput. It is safe for concurrent use by many
// reporting goroutines and one reader.
type Meter struct {
	windowBytes  atomic.Int64
	windowStart  atomic.Int64 // unix nano
	currentBytes atomic.Int64 // bytes/sec, updated on window rollover
	paused       atomic.Bool

	mu sync.Mutex // serializes window rollover
}

func New() *Meter {
	m := &Meter{}
	m.windowStart.Store(time.Now().UnixNano())
	return m
}

// Add reports n additional bytes downloaded. Call from any chunk
// worker goroutine.
func (m *Meter) Add(n int64) {
	if n <= 0 || m.paused.Load() {
		return
	}
	m.windowBytes.Add(n)
	m.maybeRoll()
}

func (m *Meter) maybeRoll() {
	start := m.windowStart.Load()
	now := time.Now().UnixNano()
	elapsed := time.Duration(now - start)
	if elapsed < window {
		return
	}
	if !m.mu.TryLock() {
		return
	}
	defer m.mu.Unlock()

	// Re-check after acquiring the lock: another goroutine may have
	// already rolled the window.
	start = m.windowStart.Load()
	elapsed = time.Duration(now - start)
	if elapsed < window {
		return
	}

	bytes := m.windowBytes.Swap(0)
	rate := float64(bytes) / elapsed.Seconds()
	m.currentBytes.Store(int64(rate))
	m.windowStart.Store(now)
}

// Speed returns the last computed bytes/sec figure. It decays to 0 once
// two full windows elapse since the last window rollover.
func (m *Meter) Speed() float64 {
	if m.paused.Load() {
		return 0
	}
	start := m.windowStart.Load()
	if time.Duration(time.Now().UnixNano()-start) >= 2*window {
		return 0
	}
	return float64(m.currentBytes.Load())
}

// Pause zeroes the reported rate and stops accumulating until Resume.
func (m *Meter) Pause() {
	m.paused.Store(true)
	m.windowBytes.Store(0)
	m.currentBytes.Store(0)
}

// Resume re-arms the meter for a fresh window.
func (m *Meter) Resume() {
	m.windowStart.Store(time.Now().UnixNano())
	m.paused.Store(false)
}
