package audio

import (
	"encoding/base64"
	"math"
	"testing"
)

func TestEncodePCM16_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 0.25, -0.25, 0.999, -0.999, 0.0001}
	blob := EncodePCM16(in)
	if blob.MIMEType != InputMIMEType {
		t.Fatalf("mime=%q, want %q", blob.MIMEType, InputMIMEType)
	}

	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	buf, err := DecodePCM16(raw, InputSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodePCM16 error: %v", err)
	}
	if buf.FrameCount() != len(in) {
		t.Fatalf("frames=%d, want %d", buf.FrameCount(), len(in))
	}
	for i, want := range in {
		got := buf.Channels[0][i]
		if math.Abs(float64(got-want)) > 1.0/32768.0 {
			t.Fatalf("sample %d: got %v, want %v within quantization error", i, got, want)
		}
	}
}

func TestEncodePCM16_ClampsOverflow(t *testing.T) {
	t.Parallel()

	blob := EncodePCM16([]float32{2.0, -2.0, 1.0, -1.0})
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	buf, err := DecodePCM16(raw, InputSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodePCM16 error: %v", err)
	}
	samples := buf.Channels[0]
	if samples[0] < 0.999 || samples[0] > 1.0 {
		t.Fatalf("positive overflow decoded to %v, want ~1.0", samples[0])
	}
	if samples[1] != -1.0 {
		t.Fatalf("negative overflow decoded to %v, want -1.0", samples[1])
	}
}

func TestEncodePCM16_EmptyInput(t *testing.T) {
	t.Parallel()

	blob := EncodePCM16(nil)
	if blob.Data != "" {
		t.Fatalf("empty input produced data %q", blob.Data)
	}
}

func TestDecodePCM16_OddByteTruncated(t *testing.T) {
	t.Parallel()

	// Two full samples plus a dangling byte.
	raw := []byte{0x00, 0x40, 0x00, 0xC0, 0x7F}
	buf, err := DecodePCM16(raw, OutputSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodePCM16 error: %v", err)
	}
	if buf.FrameCount() != 2 {
		t.Fatalf("frames=%d, want 2 (trailing byte ignored)", buf.FrameCount())
	}
}

func TestDecodePCM16_DeinterleavesChannels(t *testing.T) {
	t.Parallel()

	// L=0.5, R=-0.5 interleaved twice.
	raw := []byte{0x00, 0x40, 0x00, 0xC0, 0x00, 0x40, 0x00, 0xC0}
	buf, err := DecodePCM16(raw, OutputSampleRate, 2)
	if err != nil {
		t.Fatalf("DecodePCM16 error: %v", err)
	}
	if buf.FrameCount() != 2 {
		t.Fatalf("frames=%d, want 2", buf.FrameCount())
	}
	if buf.Channels[0][0] <= 0 || buf.Channels[1][0] >= 0 {
		t.Fatalf("channels not de-interleaved: L=%v R=%v", buf.Channels[0][0], buf.Channels[1][0])
	}

	mono := buf.Mono()
	if len(mono) != 2 {
		t.Fatalf("mono len=%d, want 2", len(mono))
	}
	if math.Abs(float64(mono[0])) > 1e-6 {
		t.Fatalf("mono mixdown of +/-0.5 = %v, want 0", mono[0])
	}
}

func TestDecodePCM16_EmptyInput(t *testing.T) {
	t.Parallel()

	buf, err := DecodePCM16(nil, OutputSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodePCM16 error: %v", err)
	}
	if buf.FrameCount() != 0 {
		t.Fatalf("frames=%d, want 0", buf.FrameCount())
	}
	if buf.Duration() != 0 {
		t.Fatalf("duration=%v, want 0", buf.Duration())
	}
}

func TestDecodePCM16_RejectsBadParams(t *testing.T) {
	t.Parallel()

	if _, err := DecodePCM16([]byte{0, 0}, 0, 1); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if _, err := DecodePCM16([]byte{0, 0}, OutputSampleRate, 0); err == nil {
		t.Fatal("expected error for zero channels")
	}
}
