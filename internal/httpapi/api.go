// Package httpapi exposes the assistant over HTTP and WebSocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/loqalabs/loqa-assistant/internal/assistant"
	"github.com/loqalabs/loqa-assistant/internal/calendar"
	"github.com/loqalabs/loqa-assistant/internal/commands"
	"github.com/loqalabs/loqa-assistant/internal/connection"
	"github.com/loqalabs/loqa-assistant/internal/document"
	"github.com/loqalabs/loqa-assistant/internal/speech"
	"github.com/loqalabs/loqa-assistant/internal/stream"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	maxJSONBody = 1 << 20
)

// API holds the process scoped collaborators every handler uses.
type API struct {
	Commands    *commands.Runner
	Calendar    *calendar.Calendar
	Assistant   *assistant.Interpreter
	Documents   *document.Store
	Synth       speech.Synthesizer
	Voice       string
	Registry    *connection.Registry
	Streamer    *stream.Streamer
	FrontendDir string
	Metrics     http.Handler
	Ready       func() bool
	Logger      *slog.Logger
}

// Handler returns the routed handler wrapped in request ID, panic recovery
// and access logging.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute_command/", a.handleExecuteCommand)
	mux.HandleFunc("POST /process_command/", a.handleProcessCommand)
	mux.HandleFunc("POST /upload_file/", a.handleUpload)
	mux.HandleFunc("GET /files/", a.handleListFiles)
	mux.HandleFunc("POST /interact_calendar/", a.handleCalendar)
	mux.HandleFunc("POST /stream_audio_from_file/", a.handleSpeakFile)
	mux.HandleFunc("GET /ws/stream_audio", a.handleStream)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /{$}", a.handleIndex)
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}

	var h http.Handler = mux
	h = AccessLog(a.Logger, h)
	h = Recover(a.Logger, h)
	h = RequestID(h)
	return h
}

type commandRequest struct {
	Command string `json:"command"`
}

type calendarRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

type textRequest struct {
	Text string `json:"text"`
}

type response struct {
	Status   string              `json:"status"`
	Message  string              `json:"message,omitempty"`
	Output   *string             `json:"output,omitempty"`
	Result   string              `json:"result,omitempty"`
	Response string              `json:"response,omitempty"`
	FileName string              `json:"file_name,omitempty"`
	Files    []document.FileInfo `json:"files,omitempty"`
}

func (a *API) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	output, err := a.Commands.Run(r.Context(), req.Command)
	if err != nil {
		writeJSON(w, http.StatusOK, response{Status: statusError, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: statusSuccess, Output: &output})
}

func (a *API) handleProcessCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, response{Status: statusSuccess, Response: a.Assistant.Reply(req.Command)})
}

func (a *API) handleCalendar(w http.ResponseWriter, r *http.Request) {
	var req calendarRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := a.Calendar.Perform(req.Action, req.Data)
	if err != nil {
		writeJSON(w, http.StatusOK, response{Status: statusError, Message: calendar.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: statusSuccess, Result: result})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if limit := a.Documents.MaxUploadBytes(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: statusError, Message: "request body too large"})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, response{Status: statusError, Message: "file field is required"})
		return
	}
	defer file.Close()

	name, err := a.Documents.Save(header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeJSON(w, http.StatusOK, response{Status: statusError, Message: document.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: statusSuccess, FileName: name})
}

func (a *API) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	files, err := a.Documents.List()
	if err != nil {
		a.Logger.Error("list documents failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, response{Status: statusError, Message: "failed to list files"})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: statusSuccess, Files: files})
}

// handleSpeakFile synthesizes a whole stored document as one audio blob.
func (a *API) handleSpeakFile(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	path, err := a.Documents.Resolve(req.Text)
	if err != nil {
		writeJSON(w, http.StatusOK, response{Status: statusError, Message: "File not found."})
		return
	}
	text, err := document.ReadText(path)
	if err != nil {
		writeJSON(w, http.StatusOK, response{Status: statusError, Message: document.Message(err)})
		return
	}
	if strings.TrimSpace(text) == "" {
		writeJSON(w, http.StatusOK, response{Status: statusError, Message: "File content is empty"})
		return
	}
	audio, err := a.Synth.Synthesize(r.Context(), speech.Request{Text: text, Voice: a.Voice})
	if err != nil {
		a.Logger.Warn("one-shot synthesis failed", slog.String("file", req.Text), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, response{Status: statusError, Message: fmt.Sprintf("Speech synthesis failed: %v", err)})
		return
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(audio.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

// handleStream upgrades to a WebSocket and runs one streaming session. A
// completed session keeps the connection until the peer closes it.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.Registry.Accept(w, r)
	if err != nil {
		a.Logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	res := a.Streamer.Run(r.Context(), conn)
	if res.State == stream.Completed {
		a.drainUntilClosed(r.Context(), conn)
	}
}

func (a *API) drainUntilClosed(ctx context.Context, conn *connection.Conn) {
	stop := context.AfterFunc(ctx, func() { a.Registry.Remove(conn) })
	defer stop()
	a.Registry.Drain(conn)
}

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	if a.FrontendDir == "" {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(a.FrontendDir, "index.html")
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.Ready == nil || a.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: statusError, Message: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Message: "failed to read request body"})
		return false
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, response{Status: statusError, Message: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
