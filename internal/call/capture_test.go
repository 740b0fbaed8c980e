package call_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callwright/internal/call"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/provider/live"
	livemock "github.com/MrWong99/callwright/pkg/provider/live/mock"
)

func frame(samples ...float32) audio.AudioFrame {
	return audio.AudioFrame{Samples: samples, SampleRate: audio.InputSampleRate, Channels: 1}
}

func TestEncodeFrame_SampleBounds(t *testing.T) {
	t.Parallel()

	pkt := call.EncodeFrame(frame(1.0, -1.0, 0, 0.5, 1.5, -2))
	if pkt.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", pkt.MIMEType)
	}

	raw, err := base64.StdEncoding.DecodeString(pkt.Data)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	want := []int16{32767, -32768, 0, 16384, 32767, -32768}
	if len(raw) != 2*len(want) {
		t.Fatalf("payload = %d bytes, want %d", len(raw), 2*len(want))
	}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		if got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestCaptureEncoder_Gate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		gate     func(h *livemock.Handle) call.CaptureGate
		wantSent bool
	}{
		{
			name:     "open line",
			gate:     func(h *livemock.Handle) call.CaptureGate { return call.CaptureGate{Line: h} },
			wantSent: true,
		},
		{
			name:     "muted",
			gate:     func(h *livemock.Handle) call.CaptureGate { return call.CaptureGate{Muted: true, Line: h} },
			wantSent: false,
		},
		{
			name:     "closing",
			gate:     func(h *livemock.Handle) call.CaptureGate { return call.CaptureGate{Closing: true, Line: h} },
			wantSent: false,
		},
		{
			name:     "no line",
			gate:     func(*livemock.Handle) call.CaptureGate { return call.CaptureGate{} },
			wantSent: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := livemock.NewHandle()
			enc := call.NewCaptureEncoder(nil, nil)

			got := enc.Process(context.Background(), frame(0.1, 0.2), tc.gate(h))
			if got != tc.wantSent {
				t.Errorf("Process = %v, want %v", got, tc.wantSent)
			}
			wantCalls := 0
			if tc.wantSent {
				wantCalls = 1
			}
			if n := h.SendCount(); n != wantCalls {
				t.Errorf("Send called %d times, want %d", n, wantCalls)
			}
		})
	}
}

func TestCaptureEncoder_MuteToggle(t *testing.T) {
	t.Parallel()

	h := livemock.NewHandle()
	enc := call.NewCaptureEncoder(nil, nil)
	ctx := context.Background()

	for i := range 6 {
		// Frames 2 and 3 are captured while muted.
		muted := i == 2 || i == 3
		enc.Process(ctx, frame(float32(i)/10), call.CaptureGate{Muted: muted, Line: h})
	}
	if n := h.SendCount(); n != 4 {
		t.Fatalf("sent %d packets, want 4", n)
	}
	// The first packet after unmuting carries frame 4, not buffered audio.
	want := call.EncodeFrame(frame(0.4))
	if got := h.SendCalls[2]; got != want {
		t.Errorf("packet after unmute = %+v, want %+v", got, want)
	}
}

func TestCaptureEncoder_SendErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	h := livemock.NewHandle()
	h.SendErr = live.ErrClosed
	enc := call.NewCaptureEncoder(nil, nil)

	if enc.Process(context.Background(), frame(0.3), call.CaptureGate{Line: h}) {
		t.Error("Process reported success for a failed send")
	}
	// The next frame is still attempted; nothing is queued or retried.
	h.SendErr = nil
	if !enc.Process(context.Background(), frame(0.3), call.CaptureGate{Line: h}) {
		t.Error("Process failed after the line recovered")
	}
	if n := h.SendCount(); n != 2 {
		t.Errorf("Send called %d times, want 2", n)
	}
}
