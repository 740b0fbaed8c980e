package audio

import "time"

const (
	// InputSampleRate is the rate of microphone frames sent upstream.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised speech received from the
	// remote service.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per capture frame
	// (256 ms at 16 kHz).
	DefaultFrameSize = 4096
)

// AudioFrame is one fixed-length block of normalised mono samples produced by
// a capture [Tap]. Each frame is consumed exactly once.
type AudioFrame struct {
	// Samples holds normalised samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Channels is always 1 for capture frames.
	Channels int

	// Timestamp marks when this frame was captured, on the clock of the
	// context that produced it.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// Buffer is a decoded block of audio ready for scheduling on a
// [PlaybackContext].
type Buffer struct {
	// Samples holds normalised mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (24000 for remote speech).
	SampleRate int
}

// Channels reports the channel count of the buffer. Buffers are mono.
func (b Buffer) Channels() int { return 1 }

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	return samplesDuration(len(b.Samples), b.SampleRate)
}

// samplesDuration converts a sample count at rate to a duration.
func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// SampleIndex converts a position on a clock to a sample offset at rate,
// rounding to the nearest sample.
func SampleIndex(d time.Duration, rate int) int {
	return int((int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second))
}
