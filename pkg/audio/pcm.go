// Package audio implements the PCM wire codec and sample-rate conversion
// used on both ends of a live session: outbound capture frames are
// downsampled to 16 kHz and packed into base64 PCM16 blobs, and inbound
// PCM16 bytes are decoded back into normalized float buffers for playback.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// InputSampleRate is the rate the transport expects for outbound audio.
	InputSampleRate = 16000
	// OutputSampleRate is the rate assistant audio arrives at.
	OutputSampleRate = 24000

	// InputMIMEType tags outbound PCM blobs (16-bit LE mono at 16 kHz).
	InputMIMEType = "audio/pcm;rate=16000"
)

// MediaBlob is a base64-encoded media payload plus its mime descriptor.
type MediaBlob struct {
	MIMEType string
	Data     string
}

// Buffer holds decoded audio as per-channel float32 samples in [-1, 1].
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// FrameCount returns the number of sample frames per channel.
func (b *Buffer) FrameCount() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback duration of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.FrameCount()) * time.Second / time.Duration(b.SampleRate)
}

// EncodePCM16 clamps samples to [-1, 1], quantizes to little-endian signed
// 16-bit PCM and base64-encodes the result, tagged as 16 kHz mono.
func EncodePCM16(samples []float32) MediaBlob {
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
	return MediaBlob{
		MIMEType: InputMIMEType,
		Data:     base64.StdEncoding.EncodeToString(raw),
	}
}

// DecodePCM16 interprets data as interleaved signed 16-bit little-endian
// samples and de-interleaves into per-channel floats normalized to [-1, 1].
// A trailing odd byte is ignored.
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("decode pcm16: sample rate must be positive (got %d)", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("decode pcm16: channel count must be positive (got %d)", channels)
	}

	sampleCount := len(data) / 2
	frameCount := sampleCount / channels

	buf := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frameCount)
	}
	for frame := 0; frame < frameCount; frame++ {
		for ch := 0; ch < channels; ch++ {
			idx := (frame*channels + ch) * 2
			v := int16(binary.LittleEndian.Uint16(data[idx:]))
			buf.Channels[ch][frame] = float32(v) / 32768.0
		}
	}
	return buf, nil
}

// Mono collapses the buffer to a single channel by averaging.
func (b *Buffer) Mono() []float32 {
	if b == nil || len(b.Channels) == 0 {
		return nil
	}
	if len(b.Channels) == 1 {
		return b.Channels[0]
	}
	out := make([]float32, b.FrameCount())
	for i := range out {
		var sum float32
		for _, ch := range b.Channels {
			sum += ch[i]
		}
		out[i] = sum / float32(len(b.Channels))
	}
	return out
}
