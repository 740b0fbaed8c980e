package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/MrWong99/callwright/internal/call"
	"github.com/MrWong99/callwright/internal/history"
	"github.com/MrWong99/callwright/internal/observe"
)

// maxBodyBytes caps request bodies of the control API.
const maxBodyBytes = 4 << 10

// errorResponse is the JSON body of every failed control request.
type errorResponse struct {
	Error   string        `json:"error"`
	Session *call.Session `json:"session,omitempty"`
}

type stopResponse struct {
	Stopped bool         `json:"stopped"`
	Session call.Session `json:"session"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type callsResponse struct {
	Calls []call.Summary `json:"calls"`
}

// defaultListLimit applies when GET /v1/calls has no limit parameter.
const defaultListLimit = 20

type transcriptResponse struct {
	CallID  string       `json:"call_id,omitempty"`
	Entries []call.Entry `json:"entries"`
}

func (a *App) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/call/start", a.handleStart)
	mux.HandleFunc("POST /v1/call/stop", a.handleStop)
	mux.HandleFunc("POST /v1/call/mute", a.handleMute)
	mux.HandleFunc("GET /v1/call", a.handleSession)
	mux.HandleFunc("GET /v1/call/transcript", a.handleTranscript)
	mux.HandleFunc("GET /v1/call/recording", a.handleRecording)
	mux.HandleFunc("GET /v1/calls", a.handleListCalls)
	mux.HandleFunc("GET /v1/calls/{id}", a.handleGetCall)
}

// handleStart answers 202 once the line is wired. The session moves to
// CONNECTED asynchronously.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Start(r.Context()); err != nil {
		s := a.ctrl.Snapshot()
		observe.Logger(r.Context()).Info("start rejected", "err", err)
		writeJSON(w, startStatus(err), errorResponse{Error: startMessage(err, s), Session: &s})
		return
	}
	writeJSON(w, http.StatusAccepted, a.ctrl.Snapshot())
}

// startStatus maps a Start error to an HTTP status code.
func startStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrAlreadyActive),
		errors.Is(err, call.ErrTeardownInProgress),
		errors.Is(err, call.ErrCallCancelled):
		return http.StatusConflict
	case errors.Is(err, call.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrConnectFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// startMessage prefers the user-facing message the controller recorded.
func startMessage(err error, s call.Session) string {
	if s.LastError != "" && (errors.Is(err, call.ErrDeviceUnavailable) || errors.Is(err, call.ErrConnectFailed)) {
		return s.LastError
	}
	return err.Error()
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	stopped := a.ctrl.Stop(false)
	writeJSON(w, http.StatusOK, stopResponse{Stopped: stopped, Session: a.ctrl.Snapshot()})
}

func (a *App) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if req.Muted == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `field "muted" is required`})
		return
	}
	a.ctrl.SetMuted(*req.Muted)
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	entries := a.ctrl.Transcript()
	if entries == nil {
		entries = []call.Entry{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		CallID:  a.ctrl.Snapshot().CallID,
		Entries: entries,
	})
}

// handleRecording serves the WAV artifact of the last finished call.
func (a *App) handleRecording(w http.ResponseWriter, _ *http.Request) {
	rec := a.ctrl.Recording()
	if !rec.Ready {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no recording available"})
		return
	}

	name := "call.wav"
	if id := a.ctrl.Snapshot().CallID; id != "" {
		name = "call-" + id + ".wav"
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.WAV)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.WAV)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "call history is disabled"})
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", v)})
			return
		}
		limit = n
	}
	calls, err := a.history.List(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list calls", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, callsResponse{Calls: calls})
}

func (a *App) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "call history is disabled"})
		return
	}
	s, err := a.history.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "call not found"})
	case err != nil:
		observe.Logger(r.Context()).Error("get call", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
	default:
		writeJSON(w, http.StatusOK, s)
	}
}
