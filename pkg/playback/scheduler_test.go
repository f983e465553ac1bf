package playback

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/lumiedu/lumi-live/pkg/audio"
)

// testClock advances instantly on Sleep so scheduler tests never wait on real
// time.
type testClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *testClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

type collectSink struct {
	mu      sync.Mutex
	rate    int
	samples []float32
}

func (s *collectSink) SampleRate() int { return s.rate }

func (s *collectSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *collectSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func pcmChunk(frames int) []byte {
	raw := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(8192)))
	}
	return raw
}

type scheduled struct {
	start, duration time.Duration
}

func newTestScheduler(t *testing.T) (*Scheduler, *testClock, *collectSink, func() []scheduled) {
	t.Helper()
	clock := &testClock{}
	sink := &collectSink{rate: audio.OutputSampleRate}
	s := NewScheduler(Config{Sink: sink, Clock: clock})

	var mu sync.Mutex
	var log []scheduled
	s.onSchedule = func(start, duration time.Duration) {
		mu.Lock()
		log = append(log, scheduled{start, duration})
		mu.Unlock()
	}
	t.Cleanup(s.Close)
	return s, clock, sink, func() []scheduled {
		mu.Lock()
		defer mu.Unlock()
		return append([]scheduled(nil), log...)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScheduler_OrderingInvariant(t *testing.T) {
	t.Parallel()

	s, _, _, starts := newTestScheduler(t)

	const n = 8
	for i := 0; i < n; i++ {
		s.Enqueue(pcmChunk(240 * (i%3 + 1)))
	}
	waitFor(t, func() bool { return len(starts()) == n })

	log := starts()
	for i := 1; i < len(log); i++ {
		if log[i].start < log[i-1].start {
			t.Fatalf("start[%d]=%v < start[%d]=%v", i, log[i].start, i-1, log[i-1].start)
		}
		if log[i].start < log[i-1].start+log[i-1].duration {
			t.Fatalf("segment %d overlaps previous: start=%v, prev end=%v",
				i, log[i].start, log[i-1].start+log[i-1].duration)
		}
	}
}

func TestScheduler_LateCursorGetsBufferingDelay(t *testing.T) {
	t.Parallel()

	s, clock, _, starts := newTestScheduler(t)

	s.Enqueue(pcmChunk(240))
	waitFor(t, func() bool { return len(starts()) == 1 })

	// Let the clock run well past the cursor, then enqueue again.
	clock.advance(time.Second)
	now := clock.Now()
	s.Enqueue(pcmChunk(240))
	waitFor(t, func() bool { return len(starts()) == 2 })

	second := starts()[1]
	if second.start < now+DefaultBufferingDelay {
		t.Fatalf("late chunk scheduled at %v, want >= now(%v) + buffering delay", second.start, now)
	}
}

func TestScheduler_InterruptClearsState(t *testing.T) {
	t.Parallel()

	clock := &testClock{}
	block := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(block) }) }
	sink := &blockingSink{rate: audio.OutputSampleRate, release: block}
	s := NewScheduler(Config{Sink: sink, Clock: clock})
	t.Cleanup(func() {
		release()
		s.Close()
	})

	// First chunk starts playing and blocks in the sink; the rest queue up.
	s.Enqueue(pcmChunk(4800))
	waitFor(t, s.IsSpeaking)
	s.Enqueue(pcmChunk(4800))
	s.Enqueue(pcmChunk(4800))

	s.Interrupt()

	if got := s.Pending(); got != 0 {
		t.Fatalf("pending=%d after interrupt, want 0", got)
	}
	if got := s.Cursor(); got != 0 {
		t.Fatalf("cursor=%v after interrupt, want 0", got)
	}
	release()
	waitFor(t, func() bool { return !s.IsSpeaking() })

	written := sink.writes()
	// Give the worker a moment; no interrupted-turn chunk may play late.
	time.Sleep(20 * time.Millisecond)
	if sink.writes() != written {
		t.Fatal("sink received audio after interrupt")
	}
}

func TestScheduler_DecodeErrorDoesNotStallChain(t *testing.T) {
	t.Parallel()

	s, _, sink, starts := newTestScheduler(t)

	// A chunk the decoder rejects outright is impossible (odd bytes are
	// truncated), so use an empty-after-truncation chunk followed by a real
	// one and verify the real one still plays.
	s.Enqueue([]byte{0x01})
	s.Enqueue(pcmChunk(240))
	waitFor(t, func() bool { return len(starts()) == 1 })
	waitFor(t, func() bool { return sink.total() == 240 })
}

func TestScheduler_SpeakingFollowsSegments(t *testing.T) {
	t.Parallel()

	s, _, sink, starts := newTestScheduler(t)

	if s.IsSpeaking() {
		t.Fatal("speaking before any audio")
	}
	s.Enqueue(pcmChunk(2400))
	waitFor(t, func() bool { return len(starts()) == 1 })
	waitFor(t, func() bool { return sink.total() == 2400 && !s.IsSpeaking() })
}

// stampingSink records the clock position of every write.
type stampingSink struct {
	rate  int
	clock Clock

	mu     sync.Mutex
	n      int
	stamps []time.Duration
}

func (s *stampingSink) SampleRate() int { return s.rate }

func (s *stampingSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n += len(samples)
	s.stamps = append(s.stamps, s.clock.Now())
	return nil
}

func (s *stampingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *stampingSink) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.stamps...)
}

func TestScheduler_PacesDeliveryAcrossSegmentDuration(t *testing.T) {
	t.Parallel()

	clock := &testClock{}
	sink := &stampingSink{rate: audio.OutputSampleRate, clock: clock}
	s := NewScheduler(Config{Sink: sink, Clock: clock})
	t.Cleanup(s.Close)

	// One full second of audio must occupy one second of the output clock,
	// one block at a time, not land in the sink up front.
	s.Enqueue(pcmChunk(audio.OutputSampleRate))
	waitFor(t, func() bool { return sink.total() == audio.OutputSampleRate })

	stamps := sink.all()
	if len(stamps) < 2 {
		t.Fatalf("segment delivered in %d writes, want one per block", len(stamps))
	}
	for i, stamp := range stamps {
		if want := time.Duration(i) * writeBlock; stamp < want {
			t.Fatalf("block %d written at %v on the clock, want >= %v", i, stamp, want)
		}
	}
	if last := stamps[len(stamps)-1]; last < time.Second-writeBlock {
		t.Fatalf("last block written at %v, want near the segment's end", last)
	}

	// The speaking flag outlives the final write, until the audio has sounded.
	waitFor(t, func() bool { return !s.IsSpeaking() })
	if now := clock.Now(); now < time.Second {
		t.Fatalf("speaking flag released at %v, want >= the segment's end", now)
	}
}

func TestApplyEnvelope_RampsEdgesOnly(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 2400) // 100 ms at 24 kHz
	for i := range samples {
		samples[i] = 1
	}
	applyEnvelope(samples, audio.OutputSampleRate, DefaultFade)

	if samples[0] >= 1 {
		t.Fatalf("first sample %v, want attenuated", samples[0])
	}
	if samples[len(samples)-1] >= 1 {
		t.Fatalf("last sample %v, want attenuated", samples[len(samples)-1])
	}
	if samples[len(samples)/2] != 1 {
		t.Fatalf("middle sample %v, want untouched", samples[len(samples)/2])
	}
}

type blockingSink struct {
	rate    int
	release chan struct{}

	mu sync.Mutex
	n  int
}

func (s *blockingSink) SampleRate() int { return s.rate }

func (s *blockingSink) Write(samples []float32) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	<-s.release
	return nil
}

func (s *blockingSink) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
