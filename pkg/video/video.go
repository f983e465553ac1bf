// Package video streams camera or screen frames to the model as JPEG blobs
// at a fixed cadence while the session is live.
package video

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
)

const (
	// DefaultInterval is how often a frame is captured and shipped.
	DefaultInterval = 500 * time.Millisecond
	// DefaultJPEGQuality matches the encoder setting used for frame blobs.
	DefaultJPEGQuality = 60

	jpegMIMEType = "image/jpeg"
)

// FrameSource produces the current camera or screen frame on demand.
type FrameSource interface {
	Grab() (image.Image, error)
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func() (image.Image, error)

func (f FrameSourceFunc) Grab() (image.Image, error) { return f() }

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Source FrameSource
	Send   func(blob audio.MediaBlob) error
	// Gate is consulted before each tick; a false result skips the frame.
	// Used to pause streaming while the session is reconnecting.
	Gate     func() bool
	Logger   zerolog.Logger
	Interval time.Duration
	Quality  int
}

// Sampler grabs frames on a ticker, JPEG-encodes them and sends them
// upstream. Frames are best-effort; grab or send failures are logged and the
// ticker keeps going.
type Sampler struct {
	source   FrameSource
	send     func(blob audio.MediaBlob) error
	gate     func() bool
	log      zerolog.Logger
	interval time.Duration
	quality  int

	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewSampler wires a sampler; call Start to begin streaming.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Quality <= 0 {
		cfg.Quality = DefaultJPEGQuality
	}
	if cfg.Gate == nil {
		cfg.Gate = func() bool { return true }
	}
	return &Sampler{
		source:   cfg.Source,
		send:     cfg.Send,
		gate:     cfg.Gate,
		log:      cfg.Logger,
		interval: cfg.Interval,
		quality:  cfg.Quality,
	}
}

// Start begins the capture loop. Starting a running sampler is a no-op.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped.Add(1)
	go s.loop(s.stop)
}

// Stop halts the capture loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.stopped.Wait()
}

// Running reports whether the capture loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Sampler) loop(stop chan struct{}) {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.gate() {
				continue
			}
			if err := s.sampleOnce(); err != nil {
				s.log.Warn().Err(err).Msg("video frame dropped")
			}
		}
	}
}

func (s *Sampler) sampleOnce() error {
	frame, err := s.source.Grab()
	if err != nil {
		return fmt.Errorf("grab frame: %w", err)
	}
	blob, err := EncodeFrame(frame, s.quality)
	if err != nil {
		return err
	}
	return s.send(blob)
}

// EncodeFrame converts an image into a base64 JPEG media blob.
func EncodeFrame(frame image.Image, quality int) (audio.MediaBlob, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return audio.MediaBlob{}, fmt.Errorf("encode frame: %w", err)
	}
	return audio.MediaBlob{
		MIMEType: jpegMIMEType,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
