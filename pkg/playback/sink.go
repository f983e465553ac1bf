package playback

// Sink consumes mono float32 samples for audible output. Write blocks until
// the sink has accepted the samples; pacing is the sink's concern, placement
// on the timeline is the scheduler's.
type Sink interface {
	SampleRate() int
	Write(samples []float32) error
}
