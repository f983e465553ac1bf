// Package capture owns the microphone side of a live session: a capture
// source delivering raw float frames, a read-only level meter for
// visualization, and a block encoder that feeds downsampled PCM to the
// transport once the session is live.
package capture

// FrameFunc receives mono float32 samples at the source's hardware rate. It
// runs on the capture callback path and must not block.
type FrameFunc func(samples []float32)

// Source is a continuous audio input device.
type Source interface {
	// Start begins delivering frames to fn. Acquiring the device happens
	// here; a denied or missing microphone surfaces as the returned error.
	Start(fn FrameFunc) error
	// Stop halts frame delivery and releases the device. Safe to call twice.
	Stop()
	// SampleRate reports the hardware rate frames arrive at.
	SampleRate() int
}
