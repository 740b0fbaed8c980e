// Package audio defines the device boundary and PCM helpers used by the call
// engine.
//
// The boundary mirrors a browser-style audio graph, kept intentionally narrow:
//
//   - [Device] hands out the microphone ([InputStream]) and processing
//     contexts at fixed rates.
//   - A capture [Context] turns an input stream into fixed-size frames via a
//     [Tap].
//   - A [PlaybackContext] plays [Buffer] values at absolute positions on its
//     own clock and reports each one as a [Voice].
//
// Implementations live in sub-packages (audio/pipe for real-time byte streams,
// audio/mock for tests). audio/discord supplies the byte streams of a Discord
// voice channel to audio/pipe. All implementations must be safe for
// concurrent use.
package audio

import (
	"context"
	"time"
)

// Clock reports the current position of an audio context. Positions start at
// zero when the context is created and advance monotonically once resumed.
type Clock interface {
	CurrentTime() time.Duration
}

// InputStream is an acquired microphone. Holding one keeps the physical device
// open until [InputStream.Stop] is called.
type InputStream interface {
	// Format returns the native format of the device.
	Format() Format

	// Stop releases the device tracks. It is safe to call Stop more than
	// once; subsequent calls are no-ops.
	Stop() error
}

// Tap is a processing node that slices an [InputStream] into fixed-size
// frames at its context's sample rate.
type Tap interface {
	// Frames returns the channel frames are delivered on. The channel is
	// closed after [Tap.Disconnect].
	Frames() <-chan AudioFrame

	// Disconnect detaches the tap from the graph. It is safe to call more
	// than once.
	Disconnect() error
}

// Context is an audio processing context running at a fixed sample rate.
// A context starts suspended and must be resumed before use.
type Context interface {
	Clock

	// SampleRate returns the processing rate in Hz.
	SampleRate() int

	// Resume starts the context clock. It blocks until the context is running
	// or ctx is done.
	Resume(ctx context.Context) error

	// Tap connects stream to a frame-slicing node producing frames of
	// frameSize samples at the context's rate.
	Tap(stream InputStream, frameSize int) (Tap, error)

	// Close releases the context. Safe to call more than once.
	Close() error
}

// Voice is one scheduled playback of a [Buffer].
type Voice interface {
	// Stop ends playback immediately. Safe to call more than once and after
	// natural completion.
	Stop()

	// Done is closed when playback finished naturally or was stopped.
	Done() <-chan struct{}
}

// PlaybackContext is a [Context] that can play buffers at absolute positions
// on its clock.
type PlaybackContext interface {
	Context

	// Play schedules buf to start at position at. A position in the past
	// starts immediately.
	Play(buf Buffer, at time.Duration) (Voice, error)
}

// Device is the entry point to the host audio system.
type Device interface {
	// RequestInput acquires the microphone as a mono stream. It fails when
	// permission is denied or the device is busy.
	RequestInput(ctx context.Context) (InputStream, error)

	// NewContext creates a suspended capture context at sampleRate.
	NewContext(sampleRate int) (Context, error)

	// NewPlaybackContext creates a suspended playback context at sampleRate.
	NewPlaybackContext(sampleRate int) (PlaybackContext, error)
}
