package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lumiedu/lumi-live/pkg/audio"
)

// DefaultBlockSize is how many hardware-rate samples are assembled before a
// block is handed to the encoder.
const DefaultBlockSize = 4096

// SendFunc delivers one encoded media blob upstream.
type SendFunc func(blob audio.MediaBlob) error

// PipelineConfig configures a capture Pipeline.
type PipelineConfig struct {
	Source Source
	Send   SendFunc
	// Meter, when set, observes every raw frame regardless of gating.
	Meter  *Meter
	Logger zerolog.Logger
	// BlockSize overrides DefaultBlockSize; mainly for tests.
	BlockSize int
}

// Pipeline assembles microphone frames into fixed blocks, downsamples them to
// the model's input rate and ships them as base64 PCM blobs. Frames that
// arrive while the pipeline is muted or the session is not live are dropped
// silently so nothing buffers up across a pause.
type Pipeline struct {
	source    Source
	send      SendFunc
	meter     *Meter
	log       zerolog.Logger
	blockSize int

	muted atomic.Bool
	live  atomic.Bool

	mu      sync.Mutex
	partial []float32
	running bool

	blocks chan []float32
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPipeline wires a pipeline; call Start to begin capturing.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return &Pipeline{
		source:    cfg.Source,
		send:      cfg.Send,
		meter:     cfg.Meter,
		log:       cfg.Logger,
		blockSize: cfg.BlockSize,
	}
}

// Start acquires the source and begins forwarding. It is an error to start a
// running pipeline.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("capture pipeline already running")
	}
	p.running = true
	p.partial = nil
	p.blocks = make(chan []float32, 32)
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.forward(p.blocks, p.done)

	if err := p.source.Start(p.onFrame); err != nil {
		close(p.done)
		p.wg.Wait()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// Stop halts capture and the forwarder. Any partial block is discarded.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	done := p.done
	p.partial = nil
	p.mu.Unlock()

	p.source.Stop()
	close(done)
	p.wg.Wait()
	if p.meter != nil {
		p.meter.Reset()
	}
}

// SetMuted gates the microphone. Muted frames still feed the meter.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports the gate state.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// SetLive opens the pipeline once the upstream connection is ready. Frames
// captured before that are dropped, not queued.
func (p *Pipeline) SetLive(live bool) { p.live.Store(live) }

func (p *Pipeline) onFrame(samples []float32) {
	if p.meter != nil {
		p.meter.Observe(samples)
	}
	if !p.live.Load() || p.muted.Load() {
		return
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.partial = append(p.partial, samples...)
	var ready [][]float32
	for len(p.partial) >= p.blockSize {
		block := make([]float32, p.blockSize)
		copy(block, p.partial[:p.blockSize])
		p.partial = p.partial[p.blockSize:]
		ready = append(ready, block)
	}
	blocks := p.blocks
	p.mu.Unlock()

	for _, block := range ready {
		select {
		case blocks <- block:
		default:
			// Forwarder is behind; losing a block beats blocking the
			// device callback.
			p.log.Warn().Msg("capture block dropped, encoder backlogged")
		}
	}
}

func (p *Pipeline) forward(blocks chan []float32, done chan struct{}) {
	defer p.wg.Done()
	rate := p.source.SampleRate()
	for {
		select {
		case <-done:
			return
		case block := <-blocks:
			resampled := audio.ResampleLinear(block, rate, audio.InputSampleRate)
			if err := p.send(audio.EncodePCM16(resampled)); err != nil {
				p.log.Warn().Err(err).Msg("failed to send audio block")
			}
		}
	}
}
