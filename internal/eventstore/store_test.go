package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not open a database")
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "start"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginSession(ctx, Session{ID: "session-123", RemoteAddr: "127.0.0.1:5000"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for i, typ := range []string{"start", "info", "progress", "audio_chunk", "complete"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: typ, Unit: i, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.FinishSession(ctx, Session{ID: "session-123", Filename: "notes.txt", State: "completed", Total: 1, Delivered: 1}); err != nil {
		t.Fatalf("finish session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 || events[0].Type != "start" || events[4].Type != "complete" {
		t.Fatalf("unexpected events: %+v", events)
	}

	sess, err := es.GetSession(ctx, "session-123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != "completed" || sess.Filename != "notes.txt" || sess.Delivered != 1 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.FinishedAt.IsZero() {
		t.Fatal("expected finished timestamp")
	}

	if _, err := es.GetSession(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestRecordCommand(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})

	if err := es.RecordCommand(ctx, CommandRun{Command: "date", Allowed: true, Output: "Mon"}); err != nil {
		t.Fatalf("record command: %v", err)
	}
	if err := es.RecordCommand(ctx, CommandRun{Command: "rm -rf /", Allowed: false, Error: "not allowed"}); err != nil {
		t.Fatalf("record command: %v", err)
	}
	runs, err := es.ListCommands(ctx, 10)
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(runs) != 2 || runs[0].Command != "rm -rf /" || runs[0].Allowed {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if !runs[1].Allowed || runs[1].Output != "Mon" {
		t.Fatalf("unexpected first run: %+v", runs[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "old-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "start"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.RecordCommand(ctx, CommandRun{Command: "ls", Allowed: true}); err != nil {
		t.Fatalf("record command: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "new-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old session events pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
	runs, err := es.ListCommands(ctx, 10)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected old command runs pruned, got %v %v", runs, err)
	}
}
