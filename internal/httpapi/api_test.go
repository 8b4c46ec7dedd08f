package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-assistant/internal/assistant"
	"github.com/loqalabs/loqa-assistant/internal/calendar"
	"github.com/loqalabs/loqa-assistant/internal/commands"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/connection"
	"github.com/loqalabs/loqa-assistant/internal/document"
	"github.com/loqalabs/loqa-assistant/internal/speech"
	"github.com/loqalabs/loqa-assistant/internal/stream"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	api      *API
	server   *httptest.Server
	docs     *document.Store
	registry *connection.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newLogger()
	cfg := config.Default()
	cfg.Storage.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Storage.MaxUploadMB = 1

	docs, err := document.NewStore(cfg.Storage, log)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	frontend := t.TempDir()
	if err := os.WriteFile(filepath.Join(frontend, "index.html"), []byte("<html>assistant</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	synth := speech.NewMockSynth(8000, 1)
	registry := connection.NewRegistry(connection.Options{WriteTimeout: time.Second}, log)
	streamer, err := stream.NewStreamer(stream.Deps{
		Transport: registry,
		Documents: docs,
		Synth:     synth,
	}, stream.Options{}, log)
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}

	api := &API{
		Commands:    commands.NewRunner(cfg.Commands, nil, nil, log),
		Calendar:    calendar.New(calendar.Seed(), log),
		Assistant:   assistant.New(),
		Documents:   docs,
		Synth:       synth,
		Registry:    registry,
		Streamer:    streamer,
		FrontendDir: frontend,
		Logger:      log,
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return &fixture{api: api, server: srv, docs: docs, registry: registry}
}

func (f *fixture) postJSON(t *testing.T, path, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return out
}

func (f *fixture) upload(t *testing.T, name, contentType string, data []byte) map[string]any {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()

	resp, err := http.Post(f.server.URL+"/upload_file/", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return out
}

func TestExecuteCommand(t *testing.T) {
	f := newFixture(t)
	out := f.postJSON(t, "/execute_command/", `{"command":"rm -rf /"}`)
	if out["status"] != "error" || out["message"] != "Command 'rm' is not allowed for security reasons." {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestProcessCommand(t *testing.T) {
	f := newFixture(t)
	out := f.postJSON(t, "/process_command/", `{"command":"Hello"}`)
	if out["status"] != "success" || out["response"] != "Hello! How can I help you today?" {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestCalendarEndpoint(t *testing.T) {
	f := newFixture(t)
	out := f.postJSON(t, "/interact_calendar/", `{"action":"add_event","data":{"title":"Standup","date":"2025-09-04","time":"09:00"}}`)
	if out["status"] != "success" || out["result"] != "Event 'Standup' added successfully for 2025-09-04 at 09:00." {
		t.Fatalf("unexpected response %v", out)
	}
	out = f.postJSON(t, "/interact_calendar/", `{"action":"list_events","data":{}}`)
	if !strings.Contains(out["result"].(string), "- Standup on 2025-09-04 at 09:00") {
		t.Fatalf("expected new event listed, got %v", out)
	}
	out = f.postJSON(t, "/interact_calendar/", `{"action":"cancel","data":{}}`)
	if out["status"] != "error" || out["message"] != "Unknown calendar action: cancel" {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestInvalidJSON(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/process_command/", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestUploadAndList(t *testing.T) {
	f := newFixture(t)
	out := f.upload(t, "notes.txt", "text/plain", []byte("Hello. World."))
	if out["status"] != "success" || out["file_name"] != "notes.txt" {
		t.Fatalf("unexpected upload response %v", out)
	}
	out = f.upload(t, "image.png", "image/png", []byte{0x89})
	if out["status"] != "error" || out["message"] != "Only PDF files are supported." {
		t.Fatalf("unexpected upload response %v", out)
	}

	resp, err := http.Get(f.server.URL + "/files/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var listing struct {
		Status string `json:"status"`
		Files  []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Files) != 1 || listing.Files[0].Name != "notes.txt" || listing.Files[0].Size != 13 {
		t.Fatalf("unexpected listing %+v", listing)
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "huge.txt")
	if err != nil {
		t.Fatal(err)
	}
	// 1 MB document limit plus the multipart allowance, then some.
	_, _ = part.Write(bytes.Repeat([]byte("a"), (2<<20)+(64<<10)))
	_ = mw.Close()

	resp, err := http.Post(f.server.URL+"/upload_file/", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if _, err := f.docs.Resolve("huge.txt"); err == nil {
		t.Fatal("oversize upload should not be stored")
	}
}

func TestSpeakFile(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "notes.txt", "text/plain", []byte("Hi there."))

	resp, err := http.Post(f.server.URL+"/stream_audio_from_file/", "application/json", strings.NewReader(`{"text":"notes.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	data, _ := io.ReadAll(resp.Body)
	if len(data) < 44 || string(data[:4]) != "RIFF" {
		t.Fatalf("expected wav payload, got %d bytes", len(data))
	}

	out := f.postJSON(t, "/stream_audio_from_file/", `{"text":"missing.txt"}`)
	if out["status"] != "error" || out["message"] != "File not found." {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestIndexAndProbes(t *testing.T) {
	f := newFixture(t)
	for path, want := range map[string]string{"/": "<html>assistant</html>", "/healthz": "ok", "/readyz": "ready"} {
		resp, err := http.Get(f.server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != want {
			t.Fatalf("%s: unexpected %d %q", path, resp.StatusCode, body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing request id", path)
		}
	}
	f.api.Ready = func() bool { return false }
	resp, err := http.Get(f.server.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func dialStream(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/stream_audio"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "story.txt", "text/plain", []byte("First line. Second line."))

	ws := dialStream(t, f)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"filename":"story.txt"}`)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var statuses []string
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (so far %v)", err, statuses)
		}
		if kind == websocket.BinaryMessage {
			if string(data[:4]) != "RIFF" {
				t.Fatal("expected wav audio frame")
			}
			statuses = append(statuses, "<binary>")
			continue
		}
		var evt struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		statuses = append(statuses, evt.Status)
		if evt.Status == "complete" {
			break
		}
	}
	want := "start,info,progress,audio_chunk,<binary>,progress,audio_chunk,<binary>,complete"
	if strings.Join(statuses, ",") != want {
		t.Fatalf("unexpected sequence %v", statuses)
	}
	if f.registry.Count() != 1 {
		t.Fatalf("completed stream should stay registered until the client leaves, got %d", f.registry.Count())
	}

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.registry.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.registry.Count() != 0 {
		t.Fatal("expected connection removed after client closed")
	}
}

func TestWebSocketMissingFile(t *testing.T) {
	f := newFixture(t)
	ws := dialStream(t, f)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"filename":"nope.txt"}`)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"status":"error","message":"File not found"}` {
		t.Fatalf("unexpected event %s", data)
	}
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}
