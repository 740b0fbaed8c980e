package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/provider/live"
)

// DefaultStopCooldown is how long the closing guard stays set after a
// teardown finished.
const DefaultStopCooldown = 300 * time.Millisecond

// Teardown reasons reported to metrics and logs.
const (
	reasonUser        = "user"
	reasonError       = "error"
	reasonRemoteClose = "remote_close"
	reasonRemoteError = "remote_error"
	reasonShutdown    = "shutdown"
)

// Options configures a [Controller]. The zero value is usable.
type Options struct {
	// Voice is the voice profile requested from the remote service.
	Voice string

	// Instructions is the system instruction sent with every call.
	Instructions string

	// FrameSize is the capture frame length in samples. Zero uses
	// [audio.DefaultFrameSize].
	FrameSize int

	// StopCooldown keeps the closing guard set after a teardown so a rapid
	// restart cannot interleave with device release. Zero uses
	// [DefaultStopCooldown]; a negative value clears the guard immediately.
	StopCooldown time.Duration

	// FlushLag is passed to the [RecordingMixer]. Zero uses [DefaultFlushLag].
	FlushLag time.Duration

	// Metrics receives call instrumentation. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Nil uses [slog.Default].
	Logger *slog.Logger

	// Now returns wall-clock time for transcript stamps and call start
	// times. Nil uses [time.Now].
	Now func() time.Time

	// OnEnd, if set, receives a summary of every call after its teardown.
	// It runs on its own goroutine; Close waits for it.
	OnEnd func(Summary)
}

// Controller owns the lifecycle of one call at a time.
//
// All methods are safe for concurrent use. Stop may be called from any
// goroutine at any time, including from inside the event loop of the call it
// stops.
type Controller struct {
	provider live.Provider
	device   audio.Device
	opts     Options
	log      *slog.Logger
	metrics  *observe.Metrics

	transcript *TranscriptAggregator
	mixer      *RecordingMixer
	encoder    *CaptureEncoder

	closing atomic.Bool
	muted   atomic.Bool

	mu           sync.Mutex
	voice        string
	instructions string
	status       Status
	callID       string
	lastError    string
	notice       string
	startedAt    time.Time
	line         *line

	wg sync.WaitGroup
}

// New creates a Controller that opens lines with provider and takes audio
// from device.
func New(provider live.Provider, device audio.Device, opts Options) *Controller {
	if opts.FrameSize <= 0 {
		opts.FrameSize = audio.DefaultFrameSize
	}
	if opts.StopCooldown == 0 {
		opts.StopCooldown = DefaultStopCooldown
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		provider:   provider,
		device:     device,
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		transcript: NewTranscriptAggregator(opts.Now),
		mixer:      NewRecordingMixer(opts.FlushLag),
		encoder:    NewCaptureEncoder(opts.Metrics, opts.Logger),

		voice:        opts.Voice,
		instructions: opts.Instructions,
	}
}

// Configure replaces the voice and instructions sent when the next call
// opens. A call in progress keeps its parameters.
func (c *Controller) Configure(voice, instructions string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voice
	c.instructions = instructions
}

// Start begins a new call. It returns once every resource is acquired and
// the line is wired; the status moves to [StatusConnected] when the remote
// service reports the line open.
//
// Start returns [ErrTeardownInProgress] while the previous call is being torn
// down, [ErrAlreadyActive] while a call is connecting or connected, and
// [ErrCallCancelled] if Stop ran before acquisition finished. Device and
// connect failures wrap [ErrDeviceUnavailable] and [ErrConnectFailed], leave
// the status [StatusIdle] and set a user-facing LastError.
//
// ctx bounds acquisition only. The call itself lives until Stop.
func (c *Controller) Start(ctx context.Context) error {
	if c.closing.Load() {
		return ErrTeardownInProgress
	}

	c.mu.Lock()
	if c.status.Active() {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	l := newLine(ctx, uuid.NewString(), c.opts.Now())
	c.line = l
	c.status = StatusConnecting
	c.callID = l.id
	c.lastError = ""
	c.notice = ""
	c.startedAt = l.startedAt
	cfg := live.Config{
		Instructions:        c.instructions,
		Voice:               c.voice,
		ResponseModality:    live.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
	}
	c.mu.Unlock()

	c.muted.Store(false)
	c.transcript.Reset()
	c.mixer.Reset()
	c.metrics.ActiveCalls.Add(ctx, 1)

	ctx, span := observe.StartCallSpan(ctx, "call.start", l.id)
	log := observe.CallLogger(ctx, l.id)
	log.Info("call connecting")

	// Acquisition is cancelled by Stop (through the line) and by the caller.
	acqCtx, cancelAcq := context.WithCancel(l.ctx)
	defer cancelAcq()
	stopAfter := context.AfterFunc(ctx, cancelAcq)
	defer stopAfter()

	err := c.acquire(acqCtx, l, cfg)
	defer func() { observe.EndSpan(span, err) }()
	switch {
	case err == nil:
		c.metrics.RecordCallStart(ctx, "ok")
		return nil
	case errors.Is(err, ErrCallCancelled):
		log.Info("call cancelled before connect")
		c.metrics.RecordCallStart(ctx, "cancelled")
	default:
		log.Warn("call start failed", "err", err)
	}
	return err
}

// acquire performs the suspended part of Start. Every resource is attached
// to l as soon as it exists; if l died in the meantime the resource is
// released on the spot and [ErrCallCancelled] is returned.
func (c *Controller) acquire(ctx context.Context, l *line, cfg live.Config) error {
	input, err := c.device.RequestInput(ctx)
	if err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: request input: %w", ErrDeviceUnavailable, err), MessageDeviceUnavailable)
	}
	if !l.attach(func(r *resources) { r.input = input }) {
		_ = input.Stop()
		return ErrCallCancelled
	}

	capture, err := c.device.NewContext(audio.InputSampleRate)
	if err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: capture context: %w", ErrDeviceUnavailable, err), MessageDeviceUnavailable)
	}
	if !l.attach(func(r *resources) { r.capture = capture }) {
		_ = capture.Close()
		return ErrCallCancelled
	}
	if err := capture.Resume(ctx); err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: resume capture: %w", ErrDeviceUnavailable, err), MessageDeviceUnavailable)
	}

	playback, err := c.device.NewPlaybackContext(audio.OutputSampleRate)
	if err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: playback context: %w", ErrDeviceUnavailable, err), MessageDeviceUnavailable)
	}
	if !l.attach(func(r *resources) { r.playback = playback }) {
		_ = playback.Close()
		return ErrCallCancelled
	}
	if err := playback.Resume(ctx); err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: resume playback: %w", ErrDeviceUnavailable, err), MessageDeviceUnavailable)
	}

	tap, err := capture.Tap(input, c.opts.FrameSize)
	if err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: tap input: %w", ErrDeviceUnavailable, err), MessageDeviceUnavailable)
	}
	if !l.attach(func(r *resources) { r.tap = tap }) {
		_ = tap.Disconnect()
		return ErrCallCancelled
	}

	handle, err := c.provider.Connect(ctx, cfg)
	if err != nil {
		return c.failStart(ctx, l, fmt.Errorf("%w: %w", ErrConnectFailed, err), MessageConnectFailed)
	}
	if !l.attach(func(r *resources) { r.handle = handle }) {
		_ = handle.Close()
		return ErrCallCancelled
	}

	scheduler := NewPlaybackScheduler(playback, c.metrics)
	scheduler.OnSchedule(c.mixer.AddPlayback)
	scheduler.OnHalt(c.mixer.CutPlayback)
	c.mixer.Open(playback, playback.SampleRate())
	if !l.wire(scheduler, func() { c.wg.Add(2) }) {
		c.mixer.Stop()
		return ErrCallCancelled
	}

	go c.eventLoop(l, handle, scheduler)
	go c.captureLoop(l, tap)
	return nil
}

// failStart abandons a start attempt. If Stop already claimed l it reports
// [ErrCallCancelled] instead of err.
func (c *Controller) failStart(ctx context.Context, l *line, err error, message string) error {
	res, _, ok := l.kill()
	if !ok {
		return ErrCallCancelled
	}
	res.release()

	c.mu.Lock()
	if c.line == l {
		c.line = nil
		c.status = StatusIdle
		c.lastError = message
	}
	c.mu.Unlock()

	status := "device_error"
	if message == MessageConnectFailed {
		status = "connect_error"
	}
	c.metrics.RecordCallStart(ctx, status)
	c.metrics.ActiveCalls.Add(ctx, -1)
	return err
}

// eventLoop consumes inbound events of one line in arrival order.
func (c *Controller) eventLoop(l *line, h live.Handle, s *PlaybackScheduler) {
	defer c.wg.Done()
	log := c.log.With("call_id", l.id)

	for ev := range h.Events() {
		if l.isDead() {
			continue
		}
		switch ev.Kind {
		case live.EventOpened:
			c.opened(l, log)
		case live.EventMessage:
			c.handleMessage(l.ctx, s, ev.Message, log)
		case live.EventFailed:
			log.Warn("line failed", "err", ev.Err)
			c.setNotice(l, NoticeUnstable)
			c.teardown(l, true, reasonRemoteError)
		case live.EventClosed:
			if !c.closing.Load() {
				log.Info("line closed by remote", "reason", ev.Reason)
				c.teardown(l, false, reasonRemoteClose)
			}
		}
	}

	if !l.isDead() && !c.closing.Load() {
		log.Info("line ended without close event")
		c.teardown(l, false, reasonRemoteClose)
	}
}

func (c *Controller) opened(l *line, log *slog.Logger) {
	if !l.markOpened() {
		return
	}
	c.mu.Lock()
	if c.line != l || c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	c.mu.Unlock()

	c.metrics.ConnectDuration.Record(l.ctx, c.opts.Now().Sub(l.startedAt).Seconds())
	log.Info("call connected")
}

func (c *Controller) handleMessage(ctx context.Context, s *PlaybackScheduler, msg *live.ServerEvent, log *slog.Logger) {
	if msg == nil {
		return
	}
	if msg.InputTranscription != nil {
		c.transcript.AppendUser(msg.InputTranscription.Text)
	}
	if msg.OutputTranscription != nil {
		c.transcript.AppendAgent(msg.OutputTranscription.Text)
	}
	if msg.Interrupted {
		n := s.Interrupt(ctx)
		log.Debug("playback interrupted", "stopped", n)
	}
	for _, chunk := range msg.Audio {
		if _, err := s.Enqueue(ctx, chunk); err != nil {
			log.Debug("audio chunk dropped", "err", err)
		}
	}
	if msg.TurnComplete {
		for _, e := range c.transcript.CommitTurn() {
			c.metrics.RecordTurn(ctx, string(e.Role))
		}
	}
}

// captureLoop feeds microphone frames to the recorder and the encoder until
// the tap is disconnected.
func (c *Controller) captureLoop(l *line, tap audio.Tap) {
	defer c.wg.Done()
	for frame := range tap.Frames() {
		c.mixer.AddInput(frame.Samples, frame.SampleRate)
		c.mixer.Flush()
		c.encoder.Process(l.ctx, frame, CaptureGate{
			Muted:   c.muted.Load(),
			Closing: c.closing.Load(),
			Line:    l.conn(),
		})
	}
}

func (c *Controller) setNotice(l *line, notice string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.line == l {
		c.notice = notice
	}
}

// Stop ends the active call. It reports whether this invocation performed
// the teardown; concurrent and repeated calls return false without side
// effects. fromError leaves the status at [StatusError] instead of
// [StatusIdle].
func (c *Controller) Stop(fromError bool) bool {
	reason := reasonUser
	if fromError {
		reason = reasonError
	}
	return c.teardown(nil, fromError, reason)
}

// teardown releases the call on target, or on whatever line is current when
// target is nil. The closing guard is a test-and-set: only one caller
// proceeds.
func (c *Controller) teardown(target *line, fromError bool, reason string) bool {
	c.mu.Lock()
	l := c.line
	c.mu.Unlock()
	if l == nil || (target != nil && l != target) {
		return false
	}
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	defer c.releaseGuard()

	res, sched, ok := l.kill()
	if !ok {
		return false
	}
	log := c.log.With("call_id", l.id, "reason", reason)

	if res.handle != nil {
		if err := res.handle.Close(); err != nil {
			log.Debug("close line", "err", err)
		}
	}
	rec := c.mixer.Stop()
	if res.tap != nil {
		_ = res.tap.Disconnect()
	}
	c.mixer.DetachInput()
	if res.input != nil {
		_ = res.input.Stop()
	}
	stopped := 0
	if sched != nil {
		stopped = sched.Stop()
		sched.ResetClock()
	}
	if res.capture != nil {
		_ = res.capture.Close()
	}
	if res.playback != nil {
		_ = res.playback.Close()
	}
	c.muted.Store(false)

	c.mu.Lock()
	if c.line == l {
		c.line = nil
	}
	if fromError {
		c.status = StatusError
	} else {
		c.status = StatusIdle
	}
	summary := Summary{
		CallID:            l.id,
		StartedAt:         l.startedAt,
		EndedAt:           c.opts.Now(),
		Reason:            reason,
		FromError:         fromError,
		LastError:         c.lastError,
		Notice:            c.notice,
		RecordingDuration: rec.Duration,
	}
	c.mu.Unlock()

	ctx := context.WithoutCancel(l.ctx)
	c.metrics.ActiveCalls.Add(ctx, -1)
	c.metrics.RecordCallEnd(ctx, reason, summary.EndedAt.Sub(l.startedAt).Seconds())
	if c.opts.OnEnd != nil {
		summary.Transcript = c.transcript.Entries()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.opts.OnEnd(summary)
		}()
	}
	log.Info("call ended",
		"from_error", fromError,
		"stopped_voices", stopped,
		"recording_ready", rec.Ready,
		"recording_duration", rec.Duration,
	)
	return true
}

func (c *Controller) releaseGuard() {
	if c.opts.StopCooldown < 0 {
		c.closing.Store(false)
		return
	}
	time.AfterFunc(c.opts.StopCooldown, func() { c.closing.Store(false) })
}

// SetMuted toggles whether capture frames are sent. It has no effect on
// recording. Muting outside a call is accepted and cleared by the next
// teardown.
func (c *Controller) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		CallID:         c.callID,
		Status:         c.status,
		Muted:          c.muted.Load(),
		Closing:        c.closing.Load(),
		LastError:      c.lastError,
		Notice:         c.notice,
		StartedAt:      c.startedAt,
		RecordingReady: c.mixer.Recording().Ready,
	}
}

// Transcript returns the committed entries of the current or last call.
func (c *Controller) Transcript() []Entry {
	return c.transcript.Entries()
}

// Recording returns the artifact of the last finished call.
func (c *Controller) Recording() Recording {
	return c.mixer.Recording()
}

// Close stops any active call and waits for its goroutines to exit or for
// ctx to be done.
func (c *Controller) Close(ctx context.Context) error {
	c.teardown(nil, false, reasonShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call: close: %w", ctx.Err())
	}
}
