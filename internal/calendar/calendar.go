// Package calendar is the assistant's in-memory event list.
package calendar

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	ActionAdd  = "add_event"
	ActionList = "list_events"

	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

var (
	ErrUnknownAction = errors.New("unknown calendar action")
	ErrMissingFields = errors.New("missing required fields")
	ErrInvalidFormat = errors.New("invalid date or time format")
)

type Event struct {
	Title string `json:"title"`
	Date  string `json:"date"`
	Time  string `json:"time"`
}

// Calendar owns the event list for the lifetime of the process.
type Calendar struct {
	mu     sync.RWMutex
	events []Event
	log    *slog.Logger
}

// Seed is the list a fresh Calendar starts with.
func Seed() []Event {
	return []Event{
		{Title: "Project Meeting", Date: "2025-09-02", Time: "10:00"},
		{Title: "Demo with Client", Date: "2025-09-03", Time: "14:30"},
	}
}

func New(initial []Event, log *slog.Logger) *Calendar {
	return &Calendar{
		events: append([]Event(nil), initial...),
		log:    log.With(slog.String("component", "calendar")),
	}
}

// Perform dispatches an action with its free-form data and returns the
// sentence the assistant speaks back.
func (c *Calendar) Perform(action string, data map[string]any) (string, error) {
	switch action {
	case ActionAdd:
		return c.add(data)
	case ActionList:
		return c.List(), nil
	default:
		return "", fmt.Errorf("%w: Unknown calendar action: %s", ErrUnknownAction, action)
	}
}

func (c *Calendar) add(data map[string]any) (string, error) {
	var fields [3]string
	for i, key := range []string{"title", "date", "time"} {
		v, ok := data[key]
		if !ok {
			return "", ErrMissingFields
		}
		fields[i] = fmt.Sprint(v)
	}
	return c.Add(Event{Title: fields[0], Date: fields[1], Time: fields[2]})
}

// Add validates and appends one event.
func (c *Calendar) Add(evt Event) (string, error) {
	if _, err := time.Parse(dateLayout, evt.Date); err != nil {
		return "", fmt.Errorf("%w: Invalid date or time format: %v", ErrInvalidFormat, err)
	}
	if _, err := time.Parse(timeLayout, evt.Time); err != nil {
		return "", fmt.Errorf("%w: Invalid date or time format: %v", ErrInvalidFormat, err)
	}

	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()

	c.log.Info("calendar event added", slog.String("title", evt.Title), slog.String("date", evt.Date))
	return fmt.Sprintf("Event '%s' added successfully for %s at %s.", evt.Title, evt.Date, evt.Time), nil
}

func (c *Calendar) List() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return "You have no upcoming events."
	}
	var b strings.Builder
	b.WriteString("Here are your upcoming events:")
	for _, e := range c.events {
		fmt.Fprintf(&b, "\n- %s on %s at %s", e.Title, e.Date, e.Time)
	}
	return b.String()
}

// Events returns a copy of the current list.
func (c *Calendar) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Event(nil), c.events...)
}

// Message strips the sentinel prefix so callers can show err to a user.
func Message(err error) string {
	if errors.Is(err, ErrMissingFields) {
		return "Missing required fields for adding an event."
	}
	msg := err.Error()
	for _, sentinel := range []error{ErrUnknownAction, ErrInvalidFormat} {
		if errors.Is(err, sentinel) {
			return strings.TrimPrefix(msg, sentinel.Error()+": ")
		}
	}
	return msg
}
