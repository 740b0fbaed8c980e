package audio

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"
)

func TestFloatToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"positive full scale clamps", 1.0, math.MaxInt16},
		{"negative full scale", -1.0, math.MinInt16},
		{"above range clamps", 1.5, math.MaxInt16},
		{"below range clamps", -2, math.MinInt16},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"rounds to nearest", 1.0 / 65536, 1},
		{"NaN is silence", float32(math.NaN()), 0},
		{"positive infinity clamps", float32(math.Inf(1)), math.MaxInt16},
		{"negative infinity clamps", float32(math.Inf(-1)), math.MinInt16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FloatToPCM16(tt.in); got != tt.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	t.Parallel()

	got := EncodePCM16([]float32{0, 1.0, -1.0})
	want := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte[%d] = 0x%02X, want 0x%02X", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16_OddLength(t *testing.T) {
	t.Parallel()

	_, err := DecodePCM16([]byte{1, 2, 3})
	if !errors.Is(err, ErrOddLength) {
		t.Fatalf("err = %v, want ErrOddLength", err)
	}
}

func TestDecodeBase64PCM16(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x00, 0xC0})
	got, err := DecodeBase64PCM16(payload)
	if err != nil {
		t.Fatalf("DecodeBase64PCM16: %v", err)
	}
	if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
		t.Errorf("samples = %v, want [0.5 -0.5]", got)
	}

	if _, err := DecodeBase64PCM16("!!not-base64!!"); err == nil {
		t.Error("expected error for malformed base64")
	}
}

func TestResampleMono16_UpsampleLength(t *testing.T) {
	t.Parallel()

	pcm := EncodePCM16(make([]float32, 160))
	out := ResampleMono16(pcm, 16000, 24000)
	if len(out) != 240*2 {
		t.Errorf("len = %d, want %d", len(out), 240*2)
	}
}

func TestResampleMono16_SameRateIsNoop(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	out := ResampleMono16(pcm, 24000, 24000)
	if &out[0] != &pcm[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestResampleFloat_PreservesConstant(t *testing.T) {
	t.Parallel()

	in := make([]float32, 100)
	for i := range in {
		in[i] = 0.25
	}
	out := ResampleFloat(in, 16000, 24000)
	if len(out) != 150 {
		t.Fatalf("len = %d, want 150", len(out))
	}
	for i, s := range out {
		if math.Abs(float64(s-0.25)) > 1e-6 {
			t.Fatalf("out[%d] = %v, want 0.25", i, s)
		}
	}
}

func TestBufferDuration(t *testing.T) {
	t.Parallel()

	b := Buffer{Samples: make([]float32, 24000), SampleRate: OutputSampleRate}
	if d := b.Duration(); d != time.Second {
		t.Errorf("Duration = %v, want 1s", d)
	}
	if b.Channels() != 1 {
		t.Errorf("Channels = %d, want 1", b.Channels())
	}
}

func TestSampleIndex(t *testing.T) {
	t.Parallel()

	if got := SampleIndex(1500*time.Millisecond, 24000); got != 36000 {
		t.Errorf("SampleIndex = %d, want 36000", got)
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()

	if got := (Format{SampleRate: 16000, Channels: 1}).String(); got != "16000Hz mono" {
		t.Errorf("String = %q", got)
	}
}

func TestEncodeWAV_RoundTripHeader(t *testing.T) {
	t.Parallel()

	pcm := EncodePCM16([]float32{0, 0.5, -0.5})
	wav := EncodeWAV(pcm, Format{SampleRate: OutputSampleRate, Channels: 1})
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad magic: %q %q", wav[:4], wav[8:12])
	}

	f, data, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if f.SampleRate != OutputSampleRate || f.Channels != 1 {
		t.Errorf("format = %v", f)
	}
	if string(data) != string(pcm) {
		t.Errorf("data mismatch")
	}
}

func TestParseWAV_RejectsShortInput(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseWAV([]byte("RIFF")); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("err = %v, want ErrNotWAV", err)
	}
}
