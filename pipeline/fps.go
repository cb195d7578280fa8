package pipeline

import (
	"math"
	"sync"
	"time"
)

const fpsWindow = time.Second

// FPSMeter reports throughput over a one second window. The value only
// changes when a window closes.
type FPSMeter struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time
	count int
	fps   float64
}

func NewFPSMeter(now func() time.Time) *FPSMeter {
	if now == nil {
		now = time.Now
	}
	return &FPSMeter{now: now, start: now()}
}

// Tick counts one processed frame and returns the current rate.
func (m *FPSMeter) Tick() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	t := m.now()
	if elapsed := t.Sub(m.start); elapsed >= fpsWindow {
		m.fps = math.Round(float64(m.count)/elapsed.Seconds()*100) / 100
		m.count = 0
		m.start = t
	}
	return m.fps
}

func (m *FPSMeter) value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}
