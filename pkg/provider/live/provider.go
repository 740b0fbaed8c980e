// Package live defines the Provider interface for conversational-audio
// services that hold a single bidirectional line for the duration of a call.
//
// A live provider accepts a stream of small PCM packets and answers with
// synthesized speech chunks, transcriptions of both directions, and turn
// control signals (interruption, turn completion). The central abstraction is
// [Handle]: one open line whose inbound traffic is delivered as an ordered
// stream of [Event] values on a single channel.
//
// Every Handle emits exactly one terminal event ([EventFailed] or
// [EventClosed]) and then closes its event channel. All implementations must
// be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Handle.Send] after the line has been closed.
var ErrClosed = errors.New("live: line closed")

// MIMETypePCM16 tags 16 kHz signed 16-bit little-endian mono PCM.
const MIMETypePCM16 = "audio/pcm;rate=16000"

// Modality is the kind of content the service should answer with.
type Modality string

// ModalityAudio requests spoken responses.
const ModalityAudio Modality = "AUDIO"

// Config is the fixed configuration a line is opened with.
type Config struct {
	// Instructions is the system-level prompt for the agent persona.
	Instructions string

	// Voice names the prebuilt voice used for synthesized speech.
	Voice string

	// ResponseModality selects the response content. Empty means audio.
	ResponseModality Modality

	// InputTranscription enables transcription of the caller's speech.
	InputTranscription bool

	// OutputTranscription enables transcription of the agent's speech.
	OutputTranscription bool
}

// MediaPacket is one encoded capture frame.
type MediaPacket struct {
	// MIMEType tags the payload encoding, normally [MIMETypePCM16].
	MIMEType string

	// Data is the base64-encoded PCM payload.
	Data string
}

// Transcription carries a transcript delta.
type Transcription struct {
	Text string
}

// ServerEvent is one decoded inbound message. Several fields may be set at
// once; consumers apply them in the order transcriptions, turn completion,
// audio, interruption.
type ServerEvent struct {
	// Audio holds base64 PCM16 chunks at 24 kHz in arrival order.
	Audio []string

	InputTranscription  *Transcription
	OutputTranscription *Transcription

	// Interrupted is set when the caller barged in on the agent.
	Interrupted bool

	// TurnComplete is set when the agent finished its turn.
	TurnComplete bool
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventOpened signals the line is ready for traffic.
	EventOpened EventKind = iota

	// EventMessage carries a [ServerEvent].
	EventMessage

	// EventFailed is terminal: the transport failed.
	EventFailed

	// EventClosed is terminal: the line ended cleanly.
	EventClosed
)

// String returns the lowercase name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single entry on a line's event stream.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *ServerEvent

	// Err is set for EventFailed.
	Err error

	// Reason is the close reason for EventClosed, possibly empty.
	Reason string
}

// Handle is an open line to a live service.
type Handle interface {
	// Send transmits one media packet. It must not be called after Close.
	Send(ctx context.Context, pkt MediaPacket) error

	// Events returns the ordered inbound event stream. The channel is closed
	// after the terminal event.
	Events() <-chan Event

	// Close ends the line. It is idempotent; a line closed locally emits
	// [EventClosed] if no terminal event was emitted yet.
	Close() error
}

// Provider opens lines to a live service.
type Provider interface {
	// Connect dials the service and sends the initial configuration. The
	// returned handle emits [EventOpened] once the service acknowledged it.
	Connect(ctx context.Context, cfg Config) (Handle, error)
}
