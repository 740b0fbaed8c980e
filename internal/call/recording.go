package call

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

// DefaultFlushLag is how far behind the playback clock the mixer keeps its
// timeline open for late writes before flushing it into segments.
const DefaultFlushLag = time.Second

// Recording is the finalized artifact of a call.
type Recording struct {
	// WAV holds the mixed call as 16-bit mono PCM in a WAV container. It is
	// empty when nothing was captured.
	WAV []byte

	// Ready is set once, when a non-empty artifact was finalized.
	Ready bool

	// Duration is the length of the mixed audio.
	Duration time.Duration
}

// RecordingMixer renders the microphone and every scheduled playback chunk
// onto one timeline at the playback rate, anchored at the playback clock
// reading when the call opened.
//
// Microphone frames are resampled and appended at max(micCursor, now).
// Playback chunks are held as spans at their scheduled start and only rendered
// into the timeline up to the part that actually played: [CutPlayback] and
// Stop truncate them at the clock position. Samples older than now-flushLag
// are encoded into PCM16 segments as the call runs; Stop encodes the
// remainder and concatenates all segments into one WAV artifact.
type RecordingMixer struct {
	flushLag time.Duration

	mu       sync.Mutex
	clock    audio.Clock
	rate     int
	origin   time.Duration
	base     int       // timeline index of pending[0]
	pending  []float32 // unflushed samples starting at base
	spans    []span    // scheduled playback not yet rendered
	mic      int       // timeline index of the next microphone sample
	micOn    bool
	open     bool
	captured bool
	segments [][]byte
	result   Recording
}

// span is scheduled playback starting at timeline index at.
type span struct {
	at      int
	samples []float32
}

func (sp span) end() int { return sp.at + len(sp.samples) }

// NewRecordingMixer returns a closed mixer. A non-positive flushLag uses
// [DefaultFlushLag].
func NewRecordingMixer(flushLag time.Duration) *RecordingMixer {
	if flushLag <= 0 {
		flushLag = DefaultFlushLag
	}
	return &RecordingMixer{flushLag: flushLag}
}

// Open starts a new recording on clock at rate, discarding any previous
// artifact.
func (m *RecordingMixer) Open(clock audio.Clock, rate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	m.rate = rate
	m.origin = clock.CurrentTime()
	m.base = 0
	m.pending = nil
	m.spans = nil
	m.mic = 0
	m.micOn = true
	m.open = true
	m.captured = false
	m.segments = nil
	m.result = Recording{}
}

// index converts a clock position to a timeline index. Caller holds mu.
func (m *RecordingMixer) index(d time.Duration) int {
	return audio.SampleIndex(d-m.origin, m.rate)
}

// mixAt sums samples into the timeline starting at index at, dropping any
// part that was already flushed. Caller holds mu.
func (m *RecordingMixer) mixAt(at int, samples []float32) {
	if at < m.base {
		skip := m.base - at
		if skip >= len(samples) {
			return
		}
		samples = samples[skip:]
		at = m.base
	}
	if len(samples) == 0 {
		return
	}
	off := at - m.base
	if need := off + len(samples); need > len(m.pending) {
		m.pending = append(m.pending, make([]float32, need-len(m.pending))...)
	}
	for i, s := range samples {
		m.pending[off+i] += s
	}
	m.captured = true
}

// AddInput places one microphone frame recorded at srcRate.
func (m *RecordingMixer) AddInput(samples []float32, srcRate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open || !m.micOn {
		return
	}
	resampled := audio.ResampleFloat(samples, srcRate, m.rate)
	at := max(m.mic, m.index(m.clock.CurrentTime()))
	m.mixAt(at, resampled)
	m.mic = at + len(resampled)
}

// AddPlayback records a buffer scheduled at start. It is rendered as the
// clock passes it. Its signature matches [PlaybackScheduler.OnSchedule].
func (m *RecordingMixer) AddPlayback(buf audio.Buffer, start time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	samples := buf.Samples
	if buf.SampleRate != m.rate {
		samples = audio.ResampleFloat(samples, buf.SampleRate, m.rate)
	}
	sp := span{at: m.index(start), samples: samples}
	if sp.at < m.base {
		skip := min(m.base-sp.at, len(sp.samples))
		sp.samples = sp.samples[skip:]
		sp.at = m.base
	}
	if len(sp.samples) > 0 {
		m.spans = append(m.spans, sp)
	}
}

// CutPlayback drops every part of the recorded playback after at. The
// scheduler calls it when it stops its voices, so speech cut off by an
// interruption stays out of the recording. Its signature matches
// [PlaybackScheduler.OnHalt].
func (m *RecordingMixer) CutPlayback(at time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}
	m.cut(m.index(at))
}

// cut truncates the spans at timeline index end. Caller holds mu.
func (m *RecordingMixer) cut(end int) {
	kept := m.spans[:0]
	for _, sp := range m.spans {
		if sp.at >= end {
			continue
		}
		if sp.end() > end {
			sp.samples = sp.samples[:end-sp.at]
		}
		kept = append(kept, sp)
	}
	clear(m.spans[len(kept):])
	m.spans = kept
}

// render mixes the parts of the spans before timeline index end into the
// timeline and keeps the rest. Caller holds mu.
func (m *RecordingMixer) render(end int) {
	kept := m.spans[:0]
	for _, sp := range m.spans {
		if sp.at >= end {
			kept = append(kept, sp)
			continue
		}
		n := min(len(sp.samples), end-sp.at)
		m.mixAt(sp.at, sp.samples[:n])
		if n < len(sp.samples) {
			kept = append(kept, span{at: sp.at + n, samples: sp.samples[n:]})
		}
	}
	clear(m.spans[len(kept):])
	m.spans = kept
}

// DetachInput stops accepting microphone frames.
func (m *RecordingMixer) DetachInput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micOn = false
}

// Flush encodes every sample older than now-flushLag into a segment.
func (m *RecordingMixer) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open || (!m.captured && len(m.spans) == 0) {
		return
	}
	cutoff := m.index(m.clock.CurrentTime() - m.flushLag)
	if cutoff <= m.base {
		return
	}
	m.render(cutoff)
	if !m.captured {
		return
	}
	m.flushTo(cutoff)
}

// flushTo encodes the timeline up to index end, padding silence where
// nothing was written. Caller holds mu.
func (m *RecordingMixer) flushTo(end int) {
	n := end - m.base
	chunk := make([]float32, n)
	copied := copy(chunk, m.pending)
	m.segments = append(m.segments, audio.EncodePCM16(chunk))
	m.pending = m.pending[copied:]
	m.base = end
}

// Stop finalizes the recording. Playback scheduled beyond the current clock
// position never played and is left out. Only the first call after Open has
// an effect; later calls return the same artifact.
func (m *RecordingMixer) Stop() Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return m.result
	}
	m.open = false
	m.micOn = false

	m.cut(m.index(m.clock.CurrentTime()))
	m.render(math.MaxInt)
	m.spans = nil

	if len(m.pending) > 0 {
		m.flushTo(m.base + len(m.pending))
	}
	if !m.captured {
		m.segments = nil
		return m.result
	}

	pcm := bytes.Join(m.segments, nil)
	m.segments = nil
	m.result = Recording{
		WAV:      audio.EncodeWAV(pcm, audio.Format{SampleRate: m.rate, Channels: 1}),
		Ready:    true,
		Duration: time.Duration(int64(len(pcm)/2) * int64(time.Second) / int64(m.rate)),
	}
	return m.result
}

// Recording returns the finalized artifact, or the zero value while the
// call is running or before the first call.
func (m *RecordingMixer) Recording() Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Reset discards the artifact and closes the mixer without finalizing.
func (m *RecordingMixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.micOn = false
	m.pending = nil
	m.spans = nil
	m.segments = nil
	m.captured = false
	m.result = Recording{}
}
