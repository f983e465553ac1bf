package capture

import (
	"math"
	"testing"
)

func TestMeter_RMSAndPeak(t *testing.T) {
	t.Parallel()

	m := &Meter{}
	m.Observe([]float32{0.5, -0.5, 0.5, -0.5})
	if got := m.Level(); math.Abs(got-0.5) > 1e-6 {
		t.Fatalf("rms=%v, want 0.5", got)
	}
	if got := m.Peak(); math.Abs(got-0.5) > 1e-6 {
		t.Fatalf("peak=%v, want 0.5", got)
	}

	// A lone transient dominates the peak but barely moves the RMS.
	frame := make([]float32, 1000)
	frame[0] = 0.9
	m.Observe(frame)
	if got := m.Peak(); math.Abs(got-0.9) > 1e-6 {
		t.Fatalf("peak=%v, want 0.9", got)
	}
	if got := m.Level(); got > 0.1 {
		t.Fatalf("rms=%v, want well under peak", got)
	}
}

func TestMeter_EmptyFrameIgnored(t *testing.T) {
	t.Parallel()

	m := &Meter{}
	m.Observe([]float32{0.3})
	before := m.Level()
	m.Observe(nil)
	if m.Level() != before {
		t.Fatal("empty frame changed the meter")
	}
}

func TestMeter_Reset(t *testing.T) {
	t.Parallel()

	m := &Meter{}
	m.Observe([]float32{1, -1})
	m.Reset()
	if m.Level() != 0 || m.Peak() != 0 {
		t.Fatalf("after reset level=%v peak=%v, want 0", m.Level(), m.Peak())
	}
}
