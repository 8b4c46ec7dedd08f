// Package assistant turns a transcribed phrase into a spoken reply.
package assistant

import (
	"fmt"
	"strings"
	"time"
)

// Interpreter matches phrases by substring after lowercasing and trimming.
type Interpreter struct {
	now func() time.Time
}

func New() *Interpreter {
	return &Interpreter{now: time.Now}
}

// WithClock replaces the time source.
func (i *Interpreter) WithClock(now func() time.Time) *Interpreter {
	i.now = now
	return i
}

func (i *Interpreter) Reply(command string) string {
	command = strings.ToLower(strings.TrimSpace(command))
	switch {
	case strings.Contains(command, "hello"):
		return "Hello! How can I help you today?"
	case strings.Contains(command, "what's the time"):
		return fmt.Sprintf("The current time is %s.", i.now().Format("03:04 PM"))
	case strings.Contains(command, "thank you"):
		return "You're welcome! Happy to assist."
	default:
		return fmt.Sprintf("I received your command: '%s'. I can't execute it yet, but the system is working perfectly.", command)
	}
}
