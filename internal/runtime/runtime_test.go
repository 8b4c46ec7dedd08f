package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.FrontendDir = ""
	cfg.Telemetry.PrometheusBind = ""
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	return cfg
}

func TestSetupWiresHandler(t *testing.T) {
	rt := New(testConfig(t), newLogger())
	if err := rt.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(rt.teardown)

	if !rt.events.Enabled() {
		t.Fatal("expected sqlite event store")
	}
	srv := httptest.NewServer(rt.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before Start, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/execute_command/", "application/json", strings.NewReader(`{"command":"reboot"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	runs, err := rt.events.ListCommands(context.Background(), 10)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(runs) != 1 || runs[0].Allowed {
		t.Fatalf("expected one rejected command audited, got %+v", runs)
	}
}

func TestSetupRejectsBadSpeechMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.Mode = "festival"
	rt := New(cfg, newLogger())
	err := rt.setup(context.Background())
	rt.teardown()
	if err == nil {
		t.Fatal("expected setup error for unknown tts mode")
	}
}

func TestSetupWithEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")

	rt := New(cfg, newLogger())
	if err := rt.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(rt.teardown)
	if rt.bus == nil || !rt.bus.Healthy() {
		t.Fatal("expected connected bus client")
	}
	if rt.speech == nil || !rt.speech.Healthy() {
		t.Fatal("expected speech bus service")
	}
}
