// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64 PCM media chunks; synthesized
// audio, transcriptions and turn signals are surfaced as [live.Event] values
// in arrival order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callwright/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and line satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Handle = (*line)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for calls.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials Gemini Live and sends the setup message. The returned handle
// emits [live.EventOpened] once the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Handle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	lineCtx, lineCancel := context.WithCancel(context.Background())
	l := &line{
		conn:   conn,
		stream: live.NewStream(lineCtx, live.DefaultStreamBuffer),
		ctx:    lineCtx,
		cancel: lineCancel,
	}

	if err := l.sendSetup(ctx, p.model, cfg); err != nil {
		lineCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go l.receiveLoop()
	go l.keepaliveLoop()

	return l, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── line ───────────────────────────────────────────────────────────────────────

type line struct {
	conn   *websocket.Conn
	stream *live.Stream

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (l *line) sendSetup(ctx context.Context, model string, cfg live.Config) error {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = live.ModalityAudio
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return l.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (l *line) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It is the only producer on the stream and finishes it when it exits.
func (l *line) receiveLoop() {
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			l.stream.Finish(l.terminalEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			l.stream.Finish(live.Failed(fmt.Errorf("gemini: %s", errorText(msg.Error))))
			l.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.SetupComplete != nil {
			l.stream.Emit(live.Opened())
		}
		if msg.ServerContent != nil {
			if ev := toServerEvent(msg.ServerContent); ev != nil {
				l.stream.Emit(live.Message(ev))
			}
		}
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
	return live.Failed(fmt.Errorf("gemini: read: %w", err))
}

func errorText(ge *geminiError) string {
	if ge.Message != "" {
		return ge.Message
	}
	if ge.Status != "" {
		return ge.Status
	}
	return "unknown error"
}

// toServerEvent extracts the fields the call engine consumes. It returns nil
// for content that carries none of them.
func toServerEvent(sc *serverContent) *live.ServerEvent {
	ev := &live.ServerEvent{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			ev.Audio = append(ev.Audio, p.InlineData.Data)
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev.InputTranscription = &live.Transcription{Text: sc.InputTranscription.Text}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev.OutputTranscription = &live.Transcription{Text: sc.OutputTranscription.Text}
	}
	if len(ev.Audio) == 0 && ev.InputTranscription == nil && ev.OutputTranscription == nil &&
		!ev.Interrupted && !ev.TurnComplete {
		return nil
	}
	return ev
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (l *line) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(l.ctx, keepaliveTimeout)
			_ = l.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Handle methods ─────────────────────────────────────────────────────────────

// Send delivers one media packet as a realtimeInput message.
func (l *line) Send(ctx context.Context, pkt live.MediaPacket) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return live.ErrClosed
	}
	l.mu.Unlock()

	mime := pkt.MIMEType
	if mime == "" {
		mime = live.MIMETypePCM16
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: mime, Data: pkt.Data}},
		},
	}
	if err := l.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send: %w", err)
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

	l.cancel() // unblocks receiveLoop and keepaliveLoop
	l.conn.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}
