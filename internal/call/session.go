// Package call implements the audio session engine of a live voice call.
//
// A [Controller] owns exactly one call at a time. Starting a call acquires
// the microphone and two audio contexts (16 kHz capture, 24 kHz playback),
// opens a line to a [live.Provider], and wires four components to it:
//
//   - [CaptureEncoder] turns microphone frames into outbound media packets.
//   - [PlaybackScheduler] plays inbound speech gaplessly and handles barge-in.
//   - [TranscriptAggregator] folds transcription deltas into committed turns.
//   - [RecordingMixer] renders both directions onto one timeline and produces
//     a WAV artifact when the call ends.
//
// Inbound traffic is consumed by one goroutine per call in arrival order.
// Teardown is a test-and-set transition and releases every resource of the
// call exactly once, whichever trigger (user, remote close, remote error,
// shutdown) gets there first.
package call

import (
	"errors"
	"time"
)

// Status is the lifecycle state of the call.
type Status int

const (
	// StatusIdle means no call is active. Start is accepted.
	StatusIdle Status = iota

	// StatusConnecting means resources are being acquired or the line has
	// not reported open yet.
	StatusConnecting

	// StatusConnected means the line is open and audio flows both ways.
	StatusConnected

	// StatusError means the last call ended because of a transport failure.
	// Start is accepted.
	StatusError
)

// String returns the upper-case state name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements [encoding.TextMarshaler] so snapshots serialise the
// state name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a call holds resources in this state.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Entry is one committed transcript line. Entries are immutable once
// committed.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
}

// Session is a point-in-time snapshot of the controller state.
type Session struct {
	CallID         string    `json:"call_id,omitempty"`
	Status         Status    `json:"status"`
	Muted          bool      `json:"muted"`
	Closing        bool      `json:"closing"`
	LastError      string    `json:"last_error,omitempty"`
	Notice         string    `json:"notice,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	RecordingReady bool      `json:"recording_ready"`
}

// Summary describes a finished call. It is handed to [Options.OnEnd].
type Summary struct {
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Reason names the teardown trigger: user, error, remote_close,
	// remote_error or shutdown.
	Reason    string `json:"reason"`
	FromError bool   `json:"from_error"`
	LastError string `json:"last_error,omitempty"`
	Notice    string `json:"notice,omitempty"`

	RecordingDuration time.Duration `json:"recording_duration_ns"`

	// Transcript holds the committed entries. Listings may leave it nil.
	Transcript []Entry `json:"transcript,omitempty"`
}

var (
	// ErrAlreadyActive is returned by Start while a call is connecting or
	// connected.
	ErrAlreadyActive = errors.New("call: a call is already active")

	// ErrTeardownInProgress is returned by Start while the previous call is
	// still being torn down or its cooldown has not elapsed.
	ErrTeardownInProgress = errors.New("call: teardown in progress")

	// ErrCallCancelled is returned by Start when Stop ran before the call
	// finished connecting.
	ErrCallCancelled = errors.New("call: cancelled before connect")

	// ErrDeviceUnavailable wraps microphone and audio context failures.
	ErrDeviceUnavailable = errors.New("call: audio device unavailable")

	// ErrConnectFailed wraps failures to open the line.
	ErrConnectFailed = errors.New("call: connect failed")

	// ErrChunkDecode wraps inbound audio chunks that could not be decoded.
	ErrChunkDecode = errors.New("call: undecodable audio chunk")
)

// User-facing messages surfaced through [Session].
const (
	MessageDeviceUnavailable = "Microphone unavailable. Allow microphone access for this application, " +
		"make sure no other program holds the device, then start the call again."
	MessageConnectFailed = "Could not reach the voice service. Check the network connection and start the call again."
	NoticeUnstable       = "The line is unstable. The call was ended; start it again when ready."
)
