package playback

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
)

// FFPlaySink plays mono PCM through an ffplay child process. It is the
// default speaker for the CLI harness; tests use in-memory sinks instead.
type FFPlaySink struct {
	path       string
	sampleRate int
	volume     int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFPlaySink starts ffplay reading signed 16-bit mono PCM from stdin.
func NewFFPlaySink(sampleRate int) (*FFPlaySink, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, fmt.Errorf("ffplay is required for speaker output (install ffmpeg/ffplay): %w", err)
	}
	s := &FFPlaySink{path: "ffplay", sampleRate: sampleRate, volume: 80}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FFPlaySink) start() error {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-volume", fmt.Sprintf("%d", s.volume),
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a silent dummy backend on macOS; prefer CoreAudio.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// SampleRate implements Sink.
func (s *FFPlaySink) SampleRate() int { return s.sampleRate }

// Write implements Sink, converting floats to little-endian PCM16.
func (s *FFPlaySink) Write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	raw := make([]byte, len(samples)*2)
	for i, sample := range samples {
		v := int32(sample * 32768)
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(int16(v)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := s.stdin.Write(raw)
	return err
}

// Close terminates the ffplay process.
func (s *FFPlaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	return nil
}
