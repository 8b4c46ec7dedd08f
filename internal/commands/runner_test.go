package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memRecorder struct {
	runs []eventstore.CommandRun
}

func (m *memRecorder) RecordCommand(_ context.Context, run eventstore.CommandRun) error {
	m.runs = append(m.runs, run)
	return nil
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestRunEcho(t *testing.T) {
	requireBinary(t, "echo")
	rec := &memRecorder{}
	r := NewRunner(config.Default().Commands, rec, nil, newLogger())

	out, err := r.Run(context.Background(), `echo "hello world"`)
	if err != nil {
		t.Fatalf("run echo: %v", err)
	}
	if out != "hello world\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if len(rec.runs) != 1 || !rec.runs[0].Allowed || rec.runs[0].Output != out {
		t.Fatalf("unexpected audit: %+v", rec.runs)
	}
}

func TestRunRejectsUnlisted(t *testing.T) {
	rec := &memRecorder{}
	r := NewRunner(config.Default().Commands, rec, nil, newLogger())

	cases := map[string]string{
		"rm -rf /tmp/x": "Command 'rm' is not allowed for security reasons.",
		"":              "Command 'None' is not allowed for security reasons.",
		"   ":           "Command 'None' is not allowed for security reasons.",
		"ls; rm -rf /":  "Command 'ls' is not allowed for security reasons.",
		"date | wc":     "Command 'date' is not allowed for security reasons.",
	}
	for command, want := range cases {
		_, err := r.Run(context.Background(), command)
		if !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("%q: expected ErrNotAllowed, got %v", command, err)
		}
		if err.Error() != want {
			t.Fatalf("%q: unexpected message %q", command, err.Error())
		}
	}
	for _, run := range rec.runs {
		if run.Allowed {
			t.Fatalf("expected rejected audit rows, got %+v", run)
		}
	}
}

func TestRunReportsFailure(t *testing.T) {
	requireBinary(t, "ls")
	r := NewRunner(config.Default().Commands, nil, nil, newLogger())

	_, err := r.Run(context.Background(), "ls /definitely/not/here")
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Command failed with error: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestRunTimesOut(t *testing.T) {
	requireBinary(t, "sleep")
	r := NewRunner(config.CommandsConfig{Allowed: []string{"sleep"}, TimeoutMS: 50}, nil, nil, newLogger())

	_, err := r.Run(context.Background(), "sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err.Error() != "Command execution timed out." {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

type memNotifier struct{ subjects []string }

func (m *memNotifier) PublishJSON(subject string, _ any) error {
	m.subjects = append(m.subjects, subject)
	return nil
}

func TestRunPublishesNotice(t *testing.T) {
	n := &memNotifier{}
	r := NewRunner(config.Default().Commands, nil, n, newLogger())
	_, _ = r.Run(context.Background(), "shutdown now")
	if len(n.subjects) != 1 || n.subjects[0] != "assistant.command.executed" {
		t.Fatalf("unexpected notices: %v", n.subjects)
	}
}
