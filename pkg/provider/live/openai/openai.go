// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects 24 kHz PCM16 input, so outbound 16 kHz packets are
// resampled before they are appended to the input buffer. Inbound events are
// folded into [live.ServerEvent] values: audio deltas, transcription deltas,
// speech-started (barge-in) and response.done (turn complete).
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and line satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Handle = (*line)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for calls.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe caller audio.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint and sends a session.update carrying cfg.
// The returned handle emits [live.EventOpened] on the first session.created or
// session.updated event.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Handle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	lineCtx, lineCancel := context.WithCancel(context.Background())
	l := &line{
		conn:   conn,
		stream: live.NewStream(lineCtx, live.DefaultStreamBuffer),
		ctx:    lineCtx,
		cancel: lineCancel,
	}

	if err := l.sendSessionUpdate(ctx, cfg, p.transcriptionModel); err != nil {
		lineCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go l.receiveLoop()

	return l, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── line ───────────────────────────────────────────────────────────────────────

type line struct {
	conn   *websocket.Conn
	stream *live.Stream

	mu     sync.Mutex
	closed bool

	// opened is only touched by receiveLoop.
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures voice, instructions, audio formats and
// transcription for the line.
func (l *line) sendSessionUpdate(ctx context.Context, cfg live.Config, transcriptionModel string) error {
	params := sessionParams{
		// The Realtime API cannot produce audio without text.
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.ResponseModality != "" && cfg.ResponseModality != live.ModalityAudio {
		params.Modalities = []string{"text"}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return l.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (l *line) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and turns them into line
// events. It is the only producer on the stream and finishes it on exit.
func (l *line) receiveLoop() {
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			l.stream.Finish(l.terminalEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		l.handleServerEvent(&evt)
	}
}

func (l *line) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created", "session.updated":
		if !l.opened {
			l.opened = true
			l.stream.Emit(live.Opened())
		}

	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return
		}
		l.stream.Emit(live.Message(&live.ServerEvent{Audio: []string{evt.Delta}}))

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		l.stream.Emit(live.Message(&live.ServerEvent{
			OutputTranscription: &live.Transcription{Text: evt.Delta},
		}))

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		l.stream.Emit(live.Message(&live.ServerEvent{
			InputTranscription: &live.Transcription{Text: evt.Transcript},
		}))

	case "input_audio_buffer.speech_started":
		l.stream.Emit(live.Message(&live.ServerEvent{Interrupted: true}))

	case "response.done":
		l.stream.Emit(live.Message(&live.ServerEvent{TurnComplete: true}))

	case "error":
		// Realtime error events describe a rejected client event; the
		// session itself stays usable.
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("openai: realtime error event", "err", msg)
	}
}

// terminalEvent classifies the error that ended the read loop.
func (l *line) terminalEvent(err error) live.Event {
	if l.ctx.Err() != nil {
		return live.Closed("closed locally")
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return live.Closed(ce.Reason)
		}
		return live.Closed("")
	}
	return live.Failed(fmt.Errorf("openai: read: %w", err))
}

// ── Handle methods ─────────────────────────────────────────────────────────────

// Send resamples a 16 kHz PCM16 packet to 24 kHz and appends it to the input
// audio buffer.
func (l *line) Send(ctx context.Context, pkt live.MediaPacket) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return live.ErrClosed
	}
	l.mu.Unlock()

	pcm, err := base64.StdEncoding.DecodeString(pkt.Data)
	if err != nil {
		return fmt.Errorf("openai: decode packet: %w", err)
	}
	pcm = audio.ResampleMono16(pcm, audio.InputSampleRate, audio.OutputSampleRate)

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := l.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (l *line) Events() <-chan live.Event { return l.stream.Events() }

// Close terminates the line and releases all resources. Idempotent.
func (l *line) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.conn.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}
