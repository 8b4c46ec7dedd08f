// Package commands runs whitelisted local programs on behalf of the assistant.
package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
)

var (
	ErrNotAllowed = errors.New("command not allowed")
	ErrFailed     = errors.New("command failed")
	ErrTimeout    = errors.New("command timed out")
)

// Error carries the client facing message for a rejected or failed run.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Recorder stores an audit row per run. *eventstore.Store satisfies it.
type Recorder interface {
	RecordCommand(ctx context.Context, run eventstore.CommandRun) error
}

type Notifier interface {
	PublishJSON(subject string, v any) error
}

type Runner struct {
	allowed  map[string]struct{}
	timeout  time.Duration
	recorder Recorder
	notifier Notifier
	log      *slog.Logger
}

func NewRunner(cfg config.CommandsConfig, recorder Recorder, notifier Notifier, log *slog.Logger) *Runner {
	allowed := make(map[string]struct{}, len(cfg.Allowed))
	for _, name := range cfg.Allowed {
		allowed[name] = struct{}{}
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{
		allowed:  allowed,
		timeout:  timeout,
		recorder: recorder,
		notifier: notifier,
		log:      log.With(slog.String("component", "commands")),
	}
}

// Allowed reports whether name is on the whitelist.
func (r *Runner) Allowed(name string) bool {
	_, ok := r.allowed[name]
	return ok
}

// Run splits command with shell quoting rules, checks the program name
// against the whitelist and returns its standard output. No shell is
// involved in running the program, and lines containing shell operators
// are rejected outright.
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	output, err := r.run(ctx, command)
	r.audit(ctx, command, output, err)
	return output, err
}

func (r *Runner) run(ctx context.Context, command string) (string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	// A non-negative Position means parsing stopped at a shell operator.
	if err != nil || len(args) == 0 || parser.Position >= 0 || !r.Allowed(args[0]) {
		name := "None"
		if len(args) > 0 {
			name = args[0]
		}
		return "", &Error{Kind: ErrNotAllowed, Message: fmt.Sprintf("Command '%s' is not allowed for security reasons.", name), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &Error{Kind: ErrTimeout, Message: "Command execution timed out.", Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &Error{Kind: ErrFailed, Message: "Command failed with error: " + stderr.String(), Err: err}
		}
		return "", &Error{Kind: ErrFailed, Message: "An error occurred while running the command: " + err.Error(), Err: err}
	}
	return stdout.String(), nil
}

func (r *Runner) audit(ctx context.Context, command, output string, runErr error) {
	run := eventstore.CommandRun{
		Command: command,
		Allowed: !errors.Is(runErr, ErrNotAllowed),
		Output:  output,
	}
	if runErr != nil {
		run.Error = runErr.Error()
		r.log.Warn("command rejected or failed", slog.String("command", command), slog.String("error", run.Error))
	} else {
		r.log.Info("command executed", slog.String("command", command))
	}

	if r.recorder != nil {
		if err := r.recorder.RecordCommand(context.WithoutCancel(ctx), run); err != nil {
			r.log.Debug("failed to record command run", slog.String("error", err.Error()))
		}
	}
	if r.notifier != nil {
		notice := protocol.CommandNotice{Command: command, Allowed: run.Allowed, Error: run.Error, Timestamp: time.Now().UTC()}
		if err := r.notifier.PublishJSON(protocol.SubjectCommandExecuted, notice); err != nil {
			r.log.Debug("failed to publish command notice", slog.String("error", err.Error()))
		}
	}
}
