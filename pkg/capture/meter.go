package capture

import (
	"math"
	"sync"
)

// Meter tracks the level of the most recent capture frame. It is written from
// the device callback and read from UI or logging code.
type Meter struct {
	mu   sync.Mutex
	rms  float64
	peak float64
}

// Observe records the level of one frame.
func (m *Meter) Observe(samples []float32) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	var peak float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	m.mu.Lock()
	m.rms = rms
	m.peak = peak
	m.mu.Unlock()
}

// Level returns the RMS level of the last observed frame, in [0, 1].
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rms
}

// Peak returns the absolute peak of the last observed frame, in [0, 1].
func (m *Meter) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Reset clears the meter, e.g. when capture stops.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.rms = 0
	m.peak = 0
	m.mu.Unlock()
}
