package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func encode16(values ...int16) []byte {
	pcm := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) <= 1e-6
}

func TestMonoSamples_Empty(t *testing.T) {
	if out := monoSamples(nil, 1); len(out) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(out))
	}
}

func TestMonoSamples_Normalisation(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid positive", 16384, 0.5},
		{"mid negative", -16384, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := monoSamples(encode16(tt.value), 1)
			if len(out) != 1 {
				t.Fatalf("expected 1 sample, got %d", len(out))
			}
			if !near(out[0], tt.want) {
				t.Errorf("monoSamples(%d) = %f; want %f", tt.value, out[0], tt.want)
			}
		})
	}
}

func TestMonoSamples_SequencePreserved(t *testing.T) {
	values := []int16{0, 100, -100, 32767, -32768}
	out := monoSamples(encode16(values...), 1)
	if len(out) != len(values) {
		t.Fatalf("expected %d samples, got %d", len(values), len(out))
	}
	for i, v := range values {
		if want := float32(v) / 32768.0; !near(out[i], want) {
			t.Errorf("sample[%d] = %f; want %f", i, out[i], want)
		}
	}
}

func TestMonoSamples_TrailingByteIgnored(t *testing.T) {
	pcm := append(encode16(16384), 0xFF)
	if out := monoSamples(pcm, 1); len(out) != 1 {
		t.Fatalf("expected 1 sample from 3-byte input, got %d", len(out))
	}
}

func TestMonoSamples_ZeroChannelsTreatedAsMono(t *testing.T) {
	out := monoSamples(encode16(1000, -1000), 0)
	if len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
}

func TestMonoSamples_StereoDownmix(t *testing.T) {
	// Two stereo frames: (1000, 3000) and (-2000, -4000).
	out := monoSamples(encode16(1000, 3000, -2000, -4000), 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 mono samples, got %d", len(out))
	}
	if want := float32(2000) / 32768.0; !near(out[0], want) {
		t.Errorf("frame 0 = %f; want %f", out[0], want)
	}
	if want := float32(-3000) / 32768.0; !near(out[1], want) {
		t.Errorf("frame 1 = %f; want %f", out[1], want)
	}
}

func TestMonoSamples_ThreeChannelDownmix(t *testing.T) {
	out := monoSamples(encode16(3000, 6000, 9000), 3)
	if len(out) != 1 {
		t.Fatalf("expected 1 mono sample, got %d", len(out))
	}
	if want := float32(6000) / 32768.0; !near(out[0], want) {
		t.Errorf("frame 0 = %f; want %f", out[0], want)
	}
}
