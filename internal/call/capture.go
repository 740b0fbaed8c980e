package call

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/provider/live"
)

// Reasons a capture frame is not sent, as reported to metrics.
const (
	dropMuted     = "muted"
	dropClosing   = "closing"
	dropNoLine    = "no_line"
	dropSendError = "send_error"
)

// EncodeFrame converts a capture frame into a media packet: each sample is
// scaled to int16 with clamping, packed little-endian and base64 encoded.
func EncodeFrame(frame audio.AudioFrame) live.MediaPacket {
	return live.MediaPacket{
		MIMEType: live.MIMETypePCM16,
		Data:     base64.StdEncoding.EncodeToString(audio.EncodePCM16(frame.Samples)),
	}
}

// CaptureGate reports, per frame, whether a packet may leave. It is read
// fresh for every frame.
type CaptureGate struct {
	Muted   bool
	Closing bool
	Line    live.Handle
}

// CaptureEncoder sends encoded capture frames on the active line. Sending is
// fire-and-forget: failures are logged at debug level and counted, never
// retried or queued.
type CaptureEncoder struct {
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewCaptureEncoder returns an encoder. Nil arguments use
// [observe.DefaultMetrics] and [slog.Default].
func NewCaptureEncoder(m *observe.Metrics, log *slog.Logger) *CaptureEncoder {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &CaptureEncoder{metrics: m, log: log}
}

// Process encodes frame and sends it iff the call is not muted, not closing
// and a line exists. It reports whether the packet was handed to the line
// successfully.
func (e *CaptureEncoder) Process(ctx context.Context, frame audio.AudioFrame, gate CaptureGate) bool {
	switch {
	case gate.Closing:
		e.metrics.RecordPacketDropped(ctx, dropClosing)
		return false
	case gate.Line == nil:
		e.metrics.RecordPacketDropped(ctx, dropNoLine)
		return false
	case gate.Muted:
		e.metrics.RecordPacketDropped(ctx, dropMuted)
		return false
	}

	if err := gate.Line.Send(ctx, EncodeFrame(frame)); err != nil {
		e.log.Debug("capture send failed", "err", err)
		e.metrics.RecordPacketDropped(ctx, dropSendError)
		return false
	}
	e.metrics.PacketsSent.Add(ctx, 1)
	return true
}
