package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callwright/pkg/provider/live"
	"github.com/MrWong99/callwright/pkg/provider/live/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession consumes the session.update and acknowledges it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func newProvider(srv *httptest.Server) *openai.Provider {
	return openai.New("test-key", openai.WithBaseURL(wsURL(srv)))
}

func nextEvent(t *testing.T, h live.Handle) live.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// ── Tests ──────────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Modalities              []string `json:"modalities"`
			Voice                   string   `json:"voice"`
			Instructions            string   `json:"instructions"`
			InputAudioFormat        string   `json:"input_audio_format"`
			OutputAudioFormat       string   `json:"output_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}

	received := make(chan update, 1)
	headers := make(chan http.Header, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		var msg update
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.Config{
		Instructions:        "Answer the phone.",
		Voice:               "alloy",
		ResponseModality:    live.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case h := <-headers:
		if got := h.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" || msg.Session.Instructions != "Answer the phone." {
			t.Errorf("session = %+v", msg.Session)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("formats = %q/%q; want pcm16", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if len(msg.Session.Modalities) != 2 || msg.Session.Modalities[0] != "audio" {
			t.Errorf("modalities = %v; want [audio text]", msg.Session.Modalities)
		}
		if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model != "whisper-1" {
			t.Errorf("input_audio_transcription = %+v", msg.Session.InputAudioTranscription)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestSend_ResamplesTo24kHz(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	received := make(chan appendMsg, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	// 160 samples at 16 kHz = 10 ms.
	pcm := make([]byte, 320)
	pkt := live.MediaPacket{MIMEType: live.MIMETypePCM16, Data: base64.StdEncoding.EncodeToString(pcm)}
	if err := handle.Send(context.Background(), pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(raw) != 480 {
			t.Errorf("resampled length = %d bytes; want 480", len(raw))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append")
	}
}

func TestSend_AfterClose_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = handle.Close()

	if err := handle.Send(context.Background(), live.MediaPacket{Data: "AAA="}); err != live.ErrClosed {
		t.Fatalf("Send after Close = %v; want ErrClosed", err)
	}
}

func TestEvents_MapsRealtimeEvents(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "session.updated"}) // second ack must not re-open
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "bad event"}})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "book a table"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Sure"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AAA="})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if ev := nextEvent(t, handle); ev.Kind != live.EventOpened {
		t.Fatalf("first event = %v; want opened", ev.Kind)
	}

	ev := nextEvent(t, handle)
	if ev.Kind != live.EventMessage || ev.Message.InputTranscription == nil || ev.Message.InputTranscription.Text != "book a table" {
		t.Fatalf("input transcription event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Message == nil || ev.Message.OutputTranscription == nil || ev.Message.OutputTranscription.Text != "Sure" {
		t.Fatalf("output transcription event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Message == nil || len(ev.Message.Audio) != 1 || ev.Message.Audio[0] != "AAA=" {
		t.Fatalf("audio event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Message == nil || !ev.Message.Interrupted {
		t.Fatalf("interrupt event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Message == nil || !ev.Message.TurnComplete {
		t.Fatalf("turn complete event = %+v", ev)
	}
}

func TestEvents_RemoteCloseEmitsClosed(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
	})

	handle, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if ev := nextEvent(t, handle); ev.Kind != live.EventOpened {
		t.Fatalf("first event = %v; want opened", ev.Kind)
	}
	if ev := nextEvent(t, handle); ev.Kind != live.EventClosed {
		t.Fatalf("event = %v; want closed", ev.Kind)
	}
}
