package playback

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChimeKind selects one of the two feedback cues.
type ChimeKind int

const (
	// ChimeSuccess is the sparkle sweep played when an image is delivered.
	ChimeSuccess ChimeKind = iota
	// ChimeNotification is the short blip played on a progress update.
	ChimeNotification
)

// RenderChime synthesizes the cue as mono float32 samples at the given rate.
func RenderChime(kind ChimeKind, sampleRate int) []float32 {
	if sampleRate <= 0 {
		return nil
	}
	switch kind {
	case ChimeSuccess:
		// C5 sweeping to C6 over 100 ms, exponential decay over 500 ms.
		return renderSweep(sampleRate, 523.25, 1046.50, 100*time.Millisecond, 500*time.Millisecond, 0.05, decayExponential)
	case ChimeNotification:
		// A4 stepping to A5 at 80 ms, linear decay over 150 ms.
		return renderStep(sampleRate, 440, 880, 80*time.Millisecond, 150*time.Millisecond, 0.03)
	default:
		return nil
	}
}

type decayShape int

const (
	decayLinear decayShape = iota
	decayExponential
)

func renderSweep(rate int, f0, f1 float64, sweep, total time.Duration, gain float64, shape decayShape) []float32 {
	n := int(time.Duration(rate) * total / time.Second)
	sweepN := int(time.Duration(rate) * sweep / time.Second)
	out := make([]float32, n)
	var phase float64
	for i := 0; i < n; i++ {
		freq := f1
		if i < sweepN {
			freq = f0 + (f1-f0)*float64(i)/float64(sweepN)
		}
		phase += 2 * math.Pi * freq / float64(rate)
		env := envelopeAt(i, n, gain, shape)
		out[i] = float32(env * math.Sin(phase))
	}
	return out
}

func renderStep(rate int, f0, f1 float64, step, total time.Duration, gain float64) []float32 {
	n := int(time.Duration(rate) * total / time.Second)
	stepN := int(time.Duration(rate) * step / time.Second)
	out := make([]float32, n)
	var phase float64
	for i := 0; i < n; i++ {
		freq := f0
		if i >= stepN {
			freq = f1
		}
		phase += 2 * math.Pi * freq / float64(rate)
		env := envelopeAt(i, n, gain, decayLinear)
		out[i] = float32(env * math.Sin(phase))
	}
	return out
}

func envelopeAt(i, n int, gain float64, shape decayShape) float64 {
	if n <= 1 {
		return gain
	}
	t := float64(i) / float64(n-1)
	const floor = 0.001
	if shape == decayExponential {
		return gain * math.Pow(floor/gain, t)
	}
	return gain + (floor-gain)*t
}

// ChimePlayer writes feedback cues straight to the output sink, outside the
// speech schedule. On a single-channel sink a cue splices into in-flight
// speech rather than mixing over it; true overlap needs a mixing sink.
type ChimePlayer struct {
	sink Sink
	log  zerolog.Logger

	mu sync.Mutex
}

// NewChimePlayer returns a player over the given sink.
func NewChimePlayer(sink Sink, log zerolog.Logger) *ChimePlayer {
	return &ChimePlayer{sink: sink, log: log}
}

// Play renders and writes the cue asynchronously; it never blocks the caller.
func (p *ChimePlayer) Play(kind ChimeKind) {
	if p == nil || p.sink == nil {
		return
	}
	samples := RenderChime(kind, p.sink.SampleRate())
	if len(samples) == 0 {
		return
	}
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := p.sink.Write(samples); err != nil {
			p.log.Warn().Err(err).Msg("chime playback failed")
		}
	}()
}
