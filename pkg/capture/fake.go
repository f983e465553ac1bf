package capture

import "sync"

// FakeSource is an in-memory Source for tests. Frames are pushed explicitly
// with Push and forwarded synchronously to the registered callback.
type FakeSource struct {
	rate int

	mu      sync.Mutex
	fn      FrameFunc
	started bool
	stops   int
}

// NewFakeSource returns a fake source reporting the given hardware rate.
func NewFakeSource(rate int) *FakeSource {
	return &FakeSource{rate: rate}
}

func (f *FakeSource) SampleRate() int { return f.rate }

func (f *FakeSource) Start(fn FrameFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	f.started = true
	return nil
}

func (f *FakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = nil
	f.started = false
	f.stops++
}

// Push delivers one frame as if the device produced it.
func (f *FakeSource) Push(samples []float32) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

// Started reports whether Start has been called without a matching Stop.
func (f *FakeSource) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Stops counts Stop calls.
func (f *FakeSource) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
