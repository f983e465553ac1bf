// Package playback turns a stream of encoded assistant audio chunks into
// gapless output. Chunks are decoded and scheduled by a single worker so that
// arrival order always equals scheduling order, each segment gets a short
// fade at its own boundaries, and an interrupt drops everything immediately,
// including chunks still waiting on decode.
package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
)

const (
	// DefaultBufferingDelay is added when the cursor has fallen behind the
	// clock, so the next segment never starts in the past.
	DefaultBufferingDelay = 80 * time.Millisecond
	// DefaultFade is the attack/release envelope applied at segment edges.
	DefaultFade = 5 * time.Millisecond

	writeBlock = 20 * time.Millisecond
)

// Config configures a Scheduler.
type Config struct {
	Sink   Sink
	Clock  Clock // defaults to a wall clock anchored at New
	Logger zerolog.Logger

	BufferingDelay time.Duration
	Fade           time.Duration
	SourceRate     int // decode rate of incoming chunks, defaults to 24 kHz
	Channels       int // defaults to mono
}

type chunk struct {
	data []byte
	gen  uint64
}

// Scheduler serializes decode-and-schedule of streamed audio chunks onto an
// output clock.
type Scheduler struct {
	sink  Sink
	clock Clock
	log   zerolog.Logger

	bufferingDelay time.Duration
	fade           time.Duration
	srcRate        int
	channels       int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []chunk
	gen       uint64
	nextStart time.Duration
	playing   int
	closed    bool

	done chan struct{}

	// test hook, called with each segment's scheduled start and duration.
	onSchedule func(start, duration time.Duration)
}

// NewScheduler starts the scheduler's worker. Close releases it.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = NewWallClock()
	}
	if cfg.BufferingDelay <= 0 {
		cfg.BufferingDelay = DefaultBufferingDelay
	}
	if cfg.Fade <= 0 {
		cfg.Fade = DefaultFade
	}
	if cfg.SourceRate <= 0 {
		cfg.SourceRate = audio.OutputSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	s := &Scheduler{
		sink:           cfg.Sink,
		clock:          cfg.Clock,
		log:            cfg.Logger,
		bufferingDelay: cfg.BufferingDelay,
		fade:           cfg.Fade,
		srcRate:        cfg.SourceRate,
		channels:       cfg.Channels,
		done:           make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.worker()
	return s
}

// Enqueue hands an encoded PCM16 chunk to the decode queue. It never blocks
// and is safe to call from the transport read path.
func (s *Scheduler) Enqueue(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, chunk{data: data, gen: s.gen})
	s.cond.Signal()
}

// Interrupt stops the playing segment, drops every queued chunk (including
// any decode already in flight) and resets the schedule cursor to zero.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.queue = nil
	s.nextStart = 0
	s.cond.Broadcast()
}

// IsSpeaking reports whether any segment is currently audible.
func (s *Scheduler) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing > 0
}

// Pending returns the number of chunks not yet scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Cursor returns the next scheduled start position on the output clock.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Close interrupts playback and stops the worker.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.gen++
	s.queue = nil
	s.nextStart = 0
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

func (s *Scheduler) worker() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		// Decode off the enqueue path; a malformed chunk is dropped and the
		// chain continues with the next one.
		buf, err := audio.DecodePCM16(c.data, s.srcRate, s.channels)
		if err != nil {
			s.log.Warn().Err(err).Int("bytes", len(c.data)).Msg("dropping undecodable audio chunk")
			continue
		}
		samples := buf.Mono()
		if len(samples) == 0 {
			continue
		}
		applyEnvelope(samples, s.srcRate, s.fade)

		s.mu.Lock()
		if c.gen != s.gen || s.closed {
			// Interrupted while decoding; this chunk belongs to a dead turn.
			s.mu.Unlock()
			continue
		}
		start := s.nextStart
		if now := s.clock.Now(); start < now {
			start = now + s.bufferingDelay
		}
		duration := time.Duration(len(samples)) * time.Second / time.Duration(s.srcRate)
		s.nextStart = start + duration
		gen := c.gen
		hook := s.onSchedule
		s.mu.Unlock()

		if hook != nil {
			hook(start, duration)
		}
		s.playSegment(samples, start, gen)
	}
}

func (s *Scheduler) playSegment(samples []float32, start time.Duration, gen uint64) {
	if !s.sleepUntil(start, gen) {
		return
	}

	s.mu.Lock()
	s.playing++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.playing--
		s.mu.Unlock()
	}()

	block := int(time.Duration(s.srcRate) * writeBlock / time.Second)
	if block <= 0 {
		block = len(samples)
	}
	// Each block is written just in time on the clock. Sinks are free to
	// buffer, so delivery pace is what bounds interrupt latency to one block.
	for off := 0; off < len(samples); off += block {
		if !s.sleepUntil(start+s.frameOffset(off), gen) {
			return
		}
		end := off + block
		if end > len(samples) {
			end = len(samples)
		}
		if err := s.sink.Write(samples[off:end]); err != nil {
			s.log.Warn().Err(err).Msg("playback sink write failed")
			return
		}
	}
	// Hold the speaking flag until the tail block has sounded.
	s.sleepUntil(start+s.frameOffset(len(samples)), gen)
}

// sleepUntil waits on the clock in short slices so a generation bump is
// noticed promptly. It reports false once the segment has gone stale.
func (s *Scheduler) sleepUntil(target time.Duration, gen uint64) bool {
	for {
		if s.stale(gen) {
			return false
		}
		now := s.clock.Now()
		if now >= target {
			return true
		}
		wait := target - now
		if wait > 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		s.clock.Sleep(wait)
	}
}

func (s *Scheduler) frameOffset(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(s.srcRate)
}

func (s *Scheduler) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen || s.closed
}

// applyEnvelope ramps the first and last few milliseconds of the segment so
// abutting chunks never produce a discontinuity click.
func applyEnvelope(samples []float32, rate int, fade time.Duration) {
	n := int(time.Duration(rate) * fade / time.Second)
	if n <= 0 {
		return
	}
	if n*2 > len(samples) {
		n = len(samples) / 2
	}
	for i := 0; i < n; i++ {
		g := float32(i+1) / float32(n+1)
		samples[i] *= g
		samples[len(samples)-1-i] *= g
	}
}
