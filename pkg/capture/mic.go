package capture

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// MicSource captures from the default system microphone via miniaudio.
type MicSource struct {
	sampleRate int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	fn     FrameFunc
}

// NewMicSource prepares a microphone source at the given hardware rate.
func NewMicSource(sampleRate int) *MicSource {
	return &MicSource{sampleRate: sampleRate}
}

// SampleRate implements Source.
func (m *MicSource) SampleRate() int { return m.sampleRate }

// Start implements Source. The device is opened lazily so permission and
// hardware failures surface here rather than at construction.
func (m *MicSource) Start(fn FrameFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("microphone capture already started")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.Alsa.NoMMap = 1

	m.fn = fn
	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: m.onData,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("open microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start microphone: %w", err)
	}
	m.ctx = ctx
	m.device = device
	return nil
}

func (m *MicSource) onData(_, input []byte, frameCount uint32) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn == nil || len(input) < 2 {
		return
	}
	n := int(frameCount)
	if n > len(input)/2 {
		n = len(input) / 2
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(input[i*2:]))) / 32768.0
	}
	fn(samples)
}

// Stop implements Source.
func (m *MicSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = nil
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}
