package call_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callwright/internal/call"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/audio/mock"
	"github.com/MrWong99/callwright/pkg/provider/live"
	livemock "github.com/MrWong99/callwright/pkg/provider/live/mock"
)

type harness struct {
	ctrl *call.Controller
	dev  *mock.Device
	prov *livemock.Provider
}

func newHarness(t *testing.T, opts call.Options) *harness {
	t.Helper()
	if opts.StopCooldown == 0 {
		opts.StopCooldown = -1
	}
	if opts.Voice == "" {
		opts.Voice = "Kore"
	}
	h := &harness{dev: mock.NewDevice(), prov: &livemock.Provider{}}
	h.ctrl = call.New(h.prov, h.dev, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.ctrl.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return h
}

// connect starts a call and delivers the open event.
func (h *harness) connect(t *testing.T) *livemock.Handle {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	line := h.prov.LastHandle()
	line.Emit(live.Opened())
	waitFor(t, "CONNECTED", func() bool { return h.ctrl.Snapshot().Status == call.StatusConnected })
	return line
}

func (h *harness) status() call.Status { return h.ctrl.Snapshot().Status }

func TestController_StartConnects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{Instructions: "Be brief."})
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := h.ctrl.Snapshot()
	if snap.Status != call.StatusConnecting {
		t.Errorf("status before open = %v, want CONNECTING", snap.Status)
	}
	if snap.CallID == "" {
		t.Error("no call ID assigned")
	}

	if n := h.prov.CallCount(); n != 1 {
		t.Fatalf("Connect called %d times, want 1", n)
	}
	cfg := h.prov.ConnectCalls[0].Cfg
	if cfg.Voice != "Kore" || cfg.Instructions != "Be brief." {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.ResponseModality != live.ModalityAudio {
		t.Errorf("ResponseModality = %q, want AUDIO", cfg.ResponseModality)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription not enabled in both directions")
	}

	if h.dev.Capture.ResumeCount() != 1 || h.dev.Playback.ResumeCount() != 1 {
		t.Errorf("resume counts = %d/%d, want 1/1", h.dev.Capture.ResumeCount(), h.dev.Playback.ResumeCount())
	}
	if fs := h.dev.Capture.LastTap().FrameSize; fs != audio.DefaultFrameSize {
		t.Errorf("frame size = %d, want %d", fs, audio.DefaultFrameSize)
	}

	h.prov.LastHandle().Emit(live.Opened())
	waitFor(t, "CONNECTED", func() bool { return h.status() == call.StatusConnected })
}

func TestController_AlreadyActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	h.connect(t)

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, call.ErrAlreadyActive) {
		t.Errorf("second Start = %v, want ErrAlreadyActive", err)
	}
	if n := h.prov.CallCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
}

func TestController_CaptureRespectsMute(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, call.Options{Metrics: m})
	line := h.connect(t)
	tap := h.dev.Capture.LastTap()

	tap.Push([]float32{0.1})
	waitFor(t, "first packet", func() bool { return line.SendCount() == 1 })

	h.ctrl.SetMuted(true)
	if !h.ctrl.Snapshot().Muted {
		t.Error("Snapshot.Muted not set")
	}
	tap.Push([]float32{0.9})
	waitFor(t, "muted drop", func() bool { return collectSums(t, reader)["callwright.capture.packets_dropped"] == 1 })

	h.ctrl.SetMuted(false)
	tap.Push([]float32{0.2})
	waitFor(t, "packet after unmute", func() bool { return line.SendCount() == 2 })

	want := call.EncodeFrame(audio.AudioFrame{Samples: []float32{0.2}})
	if got := line.SendCalls[1]; got != want {
		t.Errorf("packet after unmute = %+v, want %+v", got, want)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)
	h.ctrl.SetMuted(true)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.ctrl.Stop(false) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Errorf("%d Stop calls performed teardown, want 1", n)
	}
	if n := line.CloseCount(); n != 1 {
		t.Errorf("line closed %d times, want 1", n)
	}
	if n := h.dev.Input.StopCount(); n != 1 {
		t.Errorf("input stopped %d times, want 1", n)
	}
	if n := h.dev.Capture.LastTap().DisconnectCount(); n != 1 {
		t.Errorf("tap disconnected %d times, want 1", n)
	}
	if h.dev.Capture.CloseCount() != 1 || h.dev.Playback.CloseCount() != 1 {
		t.Errorf("context close counts = %d/%d, want 1/1", h.dev.Capture.CloseCount(), h.dev.Playback.CloseCount())
	}

	snap := h.ctrl.Snapshot()
	if snap.Status != call.StatusIdle {
		t.Errorf("status = %v, want IDLE", snap.Status)
	}
	if snap.Muted {
		t.Error("mute indicator survived teardown")
	}
	if h.ctrl.Stop(false) {
		t.Error("Stop on an idle controller reported a teardown")
	}
}

func TestController_StopHaltsPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Message(&live.ServerEvent{Audio: []string{
		chunk(time.Second), chunk(time.Second), chunk(time.Second),
	}}))
	waitFor(t, "three chunks", func() bool { return len(h.dev.Playback.Calls()) == 3 })

	h.ctrl.Stop(false)
	for i, c := range h.dev.Playback.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d still playing after stop", i)
		}
	}
}

func TestController_GaplessPlaybackAndInterrupt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Message(&live.ServerEvent{Audio: []string{chunk(time.Second)}}))
	line.Emit(live.Message(&live.ServerEvent{Audio: []string{chunk(time.Second)}}))
	waitFor(t, "two chunks", func() bool { return len(h.dev.Playback.Calls()) == 2 })

	calls := h.dev.Playback.Calls()
	if calls[0].At != 0 || calls[1].At != time.Second {
		t.Errorf("starts = %v, %v; want 0s, 1s", calls[0].At, calls[1].At)
	}

	h.dev.Playback.SetTime(500 * time.Millisecond)
	line.Emit(live.Message(&live.ServerEvent{Interrupted: true}))
	line.Emit(live.Message(&live.ServerEvent{Audio: []string{chunk(time.Second)}}))
	waitFor(t, "third chunk", func() bool { return len(h.dev.Playback.Calls()) == 3 })

	calls = h.dev.Playback.Calls()
	if !calls[0].Voice.Stopped() || !calls[1].Voice.Stopped() {
		t.Error("interrupt did not stop queued speech")
	}
	if calls[2].At != 500*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 500ms", calls[2].At)
	}
}

func TestController_RecordingEndsAtInterruption(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Message(&live.ServerEvent{Audio: []string{
		chunk(time.Second), chunk(time.Second), chunk(time.Second),
	}}))
	waitFor(t, "three chunks", func() bool { return len(h.dev.Playback.Calls()) == 3 })

	h.dev.Playback.SetTime(500 * time.Millisecond)
	line.Emit(live.Message(&live.ServerEvent{Interrupted: true}))
	waitFor(t, "interruption", func() bool { return h.dev.Playback.Calls()[2].Voice.Stopped() })

	h.dev.Playback.SetTime(2 * time.Second)
	h.ctrl.Stop(false)

	rec := h.ctrl.Recording()
	if !rec.Ready {
		t.Fatal("recording not ready")
	}
	if rec.Duration != 500*time.Millisecond {
		t.Errorf("recording duration = %v, want the 500ms played before the interruption", rec.Duration)
	}
}

func TestController_StopDropsQueuedSpeechFromRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Message(&live.ServerEvent{Audio: []string{chunk(time.Second), chunk(time.Second)}}))
	waitFor(t, "two chunks", func() bool { return len(h.dev.Playback.Calls()) == 2 })

	h.dev.Playback.SetTime(1200 * time.Millisecond)
	h.ctrl.Stop(false)

	if d := h.ctrl.Recording().Duration; d != 1200*time.Millisecond {
		t.Errorf("recording duration = %v, want 1.2s", d)
	}
}

func TestController_BadChunkDoesNotEndCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Message(&live.ServerEvent{Audio: []string{"***", chunk(100 * time.Millisecond)}}))
	waitFor(t, "good chunk", func() bool { return len(h.dev.Playback.Calls()) == 1 })

	if s := h.status(); s != call.StatusConnected {
		t.Errorf("status = %v, want CONNECTED", s)
	}
}

func TestController_TranscriptAndRecording(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Message(&live.ServerEvent{OutputTranscription: &live.Transcription{Text: "Hello, "}}))
	line.Emit(live.Message(&live.ServerEvent{InputTranscription: &live.Transcription{Text: "Hi there"}}))
	line.Emit(live.Message(&live.ServerEvent{
		Audio:               []string{chunk(200 * time.Millisecond)},
		OutputTranscription: &live.Transcription{Text: "how can I help?"},
		TurnComplete:        true,
	}))
	waitFor(t, "committed turn", func() bool { return len(h.ctrl.Transcript()) == 2 })

	got := h.ctrl.Transcript()
	if got[0].Role != call.RoleUser || got[0].Text != "Hi there" {
		t.Errorf("entry[0] = %+v", got[0])
	}
	if got[1].Role != call.RoleAgent || got[1].Text != "Hello, how can I help?" {
		t.Errorf("entry[1] = %+v", got[1])
	}
	if !got[0].Timestamp.Equal(got[1].Timestamp) {
		t.Error("entries of one turn carry different timestamps")
	}

	if h.ctrl.Recording().Ready {
		t.Error("recording ready while the call runs")
	}
	h.dev.Playback.SetTime(200 * time.Millisecond)
	h.ctrl.Stop(false)
	rec := h.ctrl.Recording()
	if !rec.Ready || len(rec.WAV) == 0 {
		t.Fatalf("recording after stop = ready:%v bytes:%d", rec.Ready, len(rec.WAV))
	}
	if !h.ctrl.Snapshot().RecordingReady {
		t.Error("Snapshot.RecordingReady not set")
	}
	if rec.Duration != 200*time.Millisecond {
		t.Errorf("recording duration = %v, want 200ms", rec.Duration)
	}
}

func TestController_StopDuringDeviceAcquisition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	gate := make(chan struct{})
	h.dev.Gate = gate

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Start(context.Background()) }()
	<-h.dev.Requested

	if !h.ctrl.Stop(false) {
		t.Fatal("Stop during acquisition did not tear down")
	}
	close(gate)

	if err := <-result; !errors.Is(err, call.ErrCallCancelled) {
		t.Fatalf("Start = %v, want ErrCallCancelled", err)
	}
	if n := h.dev.Input.StopCount(); n != 1 {
		t.Errorf("late microphone stopped %d times, want 1", n)
	}
	if n := h.prov.CallCount(); n != 0 {
		t.Errorf("Connect called %d times after cancellation", n)
	}
	if s := h.status(); s != call.StatusIdle {
		t.Errorf("status = %v, want IDLE", s)
	}
}

func TestController_StopDuringConnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	h.prov.Gate = make(chan struct{})
	h.prov.Entered = make(chan struct{}, 1)

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Start(context.Background()) }()
	<-h.prov.Entered

	h.ctrl.Stop(false)
	if err := <-result; !errors.Is(err, call.ErrCallCancelled) {
		t.Fatalf("Start = %v, want ErrCallCancelled", err)
	}

	if n := h.dev.Input.StopCount(); n != 1 {
		t.Errorf("input stopped %d times, want 1", n)
	}
	if n := h.dev.Capture.LastTap().DisconnectCount(); n != 1 {
		t.Errorf("tap disconnected %d times, want 1", n)
	}
	if h.dev.Capture.CloseCount() != 1 || h.dev.Playback.CloseCount() != 1 {
		t.Error("contexts not closed exactly once")
	}
	if s := h.status(); s == call.StatusConnected {
		t.Error("cancelled call reached CONNECTED")
	}
}

func TestController_DeviceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	h.dev.RequestInputErr = errors.New("permission denied")

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, call.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.Status != call.StatusIdle {
		t.Errorf("status = %v, want IDLE", snap.Status)
	}
	if snap.LastError != call.MessageDeviceUnavailable {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if h.prov.CallCount() != 0 {
		t.Error("Connect called without a microphone")
	}

	// The next attempt is accepted and clears the error.
	h.dev.RequestInputErr = nil
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if h.ctrl.Snapshot().LastError != "" {
		t.Error("LastError not cleared by Start")
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	h.prov.ConnectErr = errors.New("dial tcp: no route to host")

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, call.ErrConnectFailed) {
		t.Fatalf("Start = %v, want ErrConnectFailed", err)
	}
	snap := h.ctrl.Snapshot()
	if snap.Status != call.StatusIdle || snap.LastError != call.MessageConnectFailed {
		t.Errorf("snapshot = %+v", snap)
	}
	if n := h.dev.Input.StopCount(); n != 1 {
		t.Errorf("input stopped %d times, want 1", n)
	}
	if n := h.dev.Capture.LastTap().DisconnectCount(); n != 1 {
		t.Errorf("tap disconnected %d times, want 1", n)
	}
	if h.dev.Capture.CloseCount() != 1 || h.dev.Playback.CloseCount() != 1 {
		t.Error("contexts not closed exactly once")
	}
}

func TestController_RemoteErrorEndsInError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Failed(errors.New("connection reset")))
	waitFor(t, "ERROR", func() bool { return h.status() == call.StatusError })

	snap := h.ctrl.Snapshot()
	if snap.Notice != call.NoticeUnstable {
		t.Errorf("Notice = %q, want unstable line notice", snap.Notice)
	}
	if n := line.CloseCount(); n != 1 {
		t.Errorf("line closed %d times, want 1", n)
	}

	// ERROR accepts a new call.
	h.dev.Capture = mock.NewContext(audio.InputSampleRate)
	h.dev.Playback = mock.NewPlaybackContext(audio.OutputSampleRate)
	next := h.connect(t)
	if next == line {
		t.Error("restart reused the failed line")
	}
	if h.ctrl.Snapshot().Notice != "" {
		t.Error("notice not cleared by Start")
	}
}

func TestController_RemoteCloseIsSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	line.Emit(live.Closed("session expired"))
	waitFor(t, "IDLE", func() bool { return h.status() == call.StatusIdle })

	snap := h.ctrl.Snapshot()
	if snap.Notice != "" || snap.LastError != "" {
		t.Errorf("remote close surfaced a message: %+v", snap)
	}
	if n := h.dev.Input.StopCount(); n != 1 {
		t.Errorf("input stopped %d times, want 1", n)
	}
}

func TestController_TeardownInProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{StopCooldown: time.Hour})
	h.connect(t)
	h.ctrl.Stop(false)

	if !h.ctrl.Snapshot().Closing {
		t.Error("closing guard not visible during cooldown")
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, call.ErrTeardownInProgress) {
		t.Errorf("Start during cooldown = %v, want ErrTeardownInProgress", err)
	}
}

func TestController_CooldownReleasesGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{StopCooldown: 10 * time.Millisecond})
	h.connect(t)
	h.ctrl.Stop(false)

	waitFor(t, "guard release", func() bool { return !h.ctrl.Snapshot().Closing })
	h.dev.Capture = mock.NewContext(audio.InputSampleRate)
	h.dev.Playback = mock.NewPlaybackContext(audio.OutputSampleRate)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Errorf("Start after cooldown: %v", err)
	}
}

func TestController_StopFromErrorFlag(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	h.connect(t)
	h.ctrl.Stop(true)
	if s := h.status(); s != call.StatusError {
		t.Errorf("status = %v, want ERROR", s)
	}
}

func TestController_CloseEndsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Options{})
	line := h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.status() != call.StatusIdle {
		t.Errorf("status after Close = %v", h.status())
	}
	if line.CloseCount() != 1 {
		t.Errorf("line closed %d times, want 1", line.CloseCount())
	}
}

func TestController_OnEndReceivesSummary(t *testing.T) {
	t.Parallel()

	ended := make(chan call.Summary, 2)
	h := newHarness(t, call.Options{OnEnd: func(s call.Summary) { ended <- s }})
	line := h.connect(t)
	id := h.ctrl.Snapshot().CallID

	line.Emit(live.Message(&live.ServerEvent{InputTranscription: &live.Transcription{Text: "Hello"}}))
	line.Emit(live.Message(&live.ServerEvent{
		Audio:        []string{chunk(100 * time.Millisecond)},
		TurnComplete: true,
	}))
	waitFor(t, "committed turn", func() bool { return len(h.ctrl.Transcript()) == 1 })
	h.dev.Playback.SetTime(100 * time.Millisecond)
	line.Emit(live.Failed(errors.New("connection reset")))

	var s call.Summary
	select {
	case s = <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd not called")
	}
	if s.CallID != id {
		t.Errorf("CallID = %q, want %q", s.CallID, id)
	}
	if s.Reason != "remote_error" || !s.FromError {
		t.Errorf("reason = %q from_error = %v, want remote_error/true", s.Reason, s.FromError)
	}
	if s.Notice != call.NoticeUnstable {
		t.Errorf("Notice = %q", s.Notice)
	}
	if len(s.Transcript) != 1 || s.Transcript[0].Text != "Hello" {
		t.Errorf("Transcript = %+v", s.Transcript)
	}
	if s.RecordingDuration != 100*time.Millisecond {
		t.Errorf("RecordingDuration = %v, want 100ms", s.RecordingDuration)
	}
	if s.EndedAt.Before(s.StartedAt) {
		t.Errorf("EndedAt %v before StartedAt %v", s.EndedAt, s.StartedAt)
	}

	// A second teardown trigger does not produce a second summary.
	h.ctrl.Stop(false)
	select {
	case extra := <-ended:
		t.Errorf("unexpected second summary %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, call.Options{Metrics: m})
	line := h.connect(t)
	line.Emit(live.Closed("bye"))
	waitFor(t, "IDLE", func() bool { return h.status() == call.StatusIdle })

	sums := collectSums(t, reader)
	if sums["callwright.calls.started"] != 1 {
		t.Errorf("calls.started = %d, want 1", sums["callwright.calls.started"])
	}
	if sums["callwright.calls.ended"] != 1 {
		t.Errorf("calls.ended = %d, want 1", sums["callwright.calls.ended"])
	}
	if sums["callwright.active_calls"] != 0 {
		t.Errorf("active_calls = %d, want 0", sums["callwright.active_calls"])
	}
}

// collectSums returns the total of every int64 sum instrument by name.
func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if s, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	return sums
}
