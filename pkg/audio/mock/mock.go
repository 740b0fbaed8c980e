// Package mock provides in-memory implementations of the [audio.Device]
// boundary for unit tests.
//
// All mocks are safe for concurrent use. Clocks are manual: nothing advances
// unless the test calls [Context.SetTime] or [Context.Advance]. Frames are
// injected with [Tap.Push] and playback completion is driven with
// [Voice.Finish].
//
// Typical usage:
//
//	dev := mock.NewDevice()
//	// ... hand dev to the call controller ...
//	dev.Playback.SetTime(2 * time.Second)
//	dev.Capture.LastTap().Push(frame)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/audio"
)

var (
	_ audio.Device          = (*Device)(nil)
	_ audio.InputStream     = (*InputStream)(nil)
	_ audio.Context         = (*Context)(nil)
	_ audio.PlaybackContext = (*PlaybackContext)(nil)
	_ audio.Tap             = (*Tap)(nil)
	_ audio.Voice           = (*Voice)(nil)
)

// ErrClosed is returned by context operations after Close.
var ErrClosed = errors.New("mock: context closed")

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device]. The contexts and input stream it hands out
// are created once in [NewDevice] and returned on every call, so tests can
// inspect them directly.
type Device struct {
	mu sync.Mutex

	// Input is returned by RequestInput.
	Input *InputStream

	// Capture is returned by NewContext.
	Capture *Context

	// Playback is returned by NewPlaybackContext.
	Playback *PlaybackContext

	// RequestInputErr, if non-nil, is returned by RequestInput.
	RequestInputErr error

	// NewContextErr, if non-nil, is returned by NewContext and NewPlaybackContext.
	NewContextErr error

	// Gate, if non-nil, makes RequestInput block until it is closed. The
	// wait deliberately ignores ctx to model devices that cannot be
	// cancelled mid-acquisition.
	Gate chan struct{}

	// Requested receives a value (non-blocking) every time RequestInput is
	// entered.
	Requested chan struct{}

	// CallCountRequestInput records how many times RequestInput was called.
	CallCountRequestInput int
}

// NewDevice returns a Device with fresh contexts at the standard call rates.
func NewDevice() *Device {
	return &Device{
		Input:     &InputStream{},
		Capture:   NewContext(audio.InputSampleRate),
		Playback:  NewPlaybackContext(audio.OutputSampleRate),
		Requested: make(chan struct{}, 8),
	}
}

// RequestInput implements [audio.Device].
func (d *Device) RequestInput(_ context.Context) (audio.InputStream, error) {
	d.mu.Lock()
	d.CallCountRequestInput++
	gate := d.Gate
	err := d.RequestInputErr
	d.mu.Unlock()

	select {
	case d.Requested <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return d.Input, nil
}

// NewContext implements [audio.Device].
func (d *Device) NewContext(_ int) (audio.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NewContextErr != nil {
		return nil, d.NewContextErr
	}
	return d.Capture, nil
}

// NewPlaybackContext implements [audio.Device].
func (d *Device) NewPlaybackContext(_ int) (audio.PlaybackContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NewContextErr != nil {
		return nil, d.NewContextErr
	}
	return d.Playback, nil
}

// ─── InputStream ─────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] that counts Stop calls.
type InputStream struct {
	mu        sync.Mutex
	stopCount int
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format {
	return audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}
}

// Stop implements [audio.InputStream].
func (s *InputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	return nil
}

// StopCount returns how many times Stop was called.
func (s *InputStream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// ─── Context ─────────────────────────────────────────────────────────────────

// Context is a mock [audio.Context] with a manual clock.
type Context struct {
	mu          sync.Mutex
	rate        int
	now         time.Duration
	resumeCount int
	closeCount  int
	taps        []*Tap

	// ResumeErr, if non-nil, is returned by Resume.
	ResumeErr error
}

// NewContext returns a Context running at rate with its clock at zero.
func NewContext(rate int) *Context {
	return &Context{rate: rate}
}

// CurrentTime implements [audio.Clock].
func (c *Context) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetTime moves the clock to d.
func (c *Context) SetTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

// Advance moves the clock forward by d.
func (c *Context) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// SampleRate implements [audio.Context].
func (c *Context) SampleRate() int { return c.rate }

// Resume implements [audio.Context].
func (c *Context) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeCount++
	return c.ResumeErr
}

// Tap implements [audio.Context]. The returned tap has a buffered frame
// channel fed by [Tap.Push].
func (c *Context) Tap(_ audio.InputStream, frameSize int) (audio.Tap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCount > 0 {
		return nil, ErrClosed
	}
	t := &Tap{
		FrameSize: frameSize,
		frames:    make(chan audio.AudioFrame, 64),
		rate:      c.rate,
	}
	c.taps = append(c.taps, t)
	return t, nil
}

// Close implements [audio.Context].
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

// ResumeCount returns how many times Resume was called.
func (c *Context) ResumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeCount
}

// CloseCount returns how many times Close was called.
func (c *Context) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// LastTap returns the most recently created tap, or nil.
func (c *Context) LastTap() *Tap {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.taps) == 0 {
		return nil
	}
	return c.taps[len(c.taps)-1]
}

// ─── Tap ─────────────────────────────────────────────────────────────────────

// Tap is a mock [audio.Tap].
type Tap struct {
	// FrameSize is the frame size requested when the tap was created.
	FrameSize int

	mu              sync.Mutex
	rate            int
	frames          chan audio.AudioFrame
	disconnected    bool
	disconnectCount int
}

// Frames implements [audio.Tap].
func (t *Tap) Frames() <-chan audio.AudioFrame { return t.frames }

// Push delivers a frame built from samples. It reports false if the tap has
// been disconnected.
func (t *Tap) Push(samples []float32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disconnected {
		return false
	}
	t.frames <- audio.AudioFrame{Samples: samples, SampleRate: t.rate, Channels: 1}
	return true
}

// Disconnect implements [audio.Tap].
func (t *Tap) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectCount++
	if !t.disconnected {
		t.disconnected = true
		close(t.frames)
	}
	return nil
}

// DisconnectCount returns how many times Disconnect was called.
func (t *Tap) DisconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectCount
}

// ─── PlaybackContext ─────────────────────────────────────────────────────────

// PlayCall records a single invocation of [PlaybackContext.Play].
type PlayCall struct {
	Buffer audio.Buffer
	At     time.Duration
	Voice  *Voice
}

// PlaybackContext is a mock [audio.PlaybackContext]. Play never fails unless
// PlayErr is set.
type PlaybackContext struct {
	*Context

	mu    sync.Mutex
	calls []PlayCall

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error
}

// NewPlaybackContext returns a PlaybackContext running at rate.
func NewPlaybackContext(rate int) *PlaybackContext {
	return &PlaybackContext{Context: NewContext(rate)}
}

// Play implements [audio.PlaybackContext].
func (p *PlaybackContext) Play(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return nil, p.PlayErr
	}
	v := &Voice{done: make(chan struct{})}
	p.calls = append(p.calls, PlayCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Calls returns a copy of every Play call in order.
func (p *PlaybackContext) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// ─── Voice ───────────────────────────────────────────────────────────────────

// Voice is a mock [audio.Voice].
type Voice struct {
	mu       sync.Mutex
	done     chan struct{}
	finished bool
	stopped  bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.finished || v.stopped {
		return
	}
	v.stopped = true
	close(v.done)
}

// Finish simulates natural completion of playback.
func (v *Voice) Finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.finished || v.stopped {
		return
	}
	v.finished = true
	close(v.done)
}

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stopped reports whether Stop ended playback.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}
