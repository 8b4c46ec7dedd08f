package stream

import (
	"errors"
	"fmt"
)

// State is a step of one streaming session.
type State int

const (
	Connecting State = iota
	AwaitingRequest
	Resolving
	Segmenting
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingRequest:
		return "awaiting_request"
	case Resolving:
		return "resolving"
	case Segmenting:
		return "segmenting"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error kinds. Every kind except ErrUnit ends the session.
var (
	ErrProtocol  = errors.New("protocol error")
	ErrResource  = errors.New("resource error")
	ErrContent   = errors.New("content error")
	ErrUnit      = errors.New("unit error")
	ErrTransport = errors.New("transport error")
)

// Error is a classified session failure. Message is what the client sees.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fatal reports whether the error terminates the session.
func (e *Error) Fatal() bool {
	return !errors.Is(e.Kind, ErrUnit)
}

func newError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Result summarises a finished session.
type Result struct {
	SessionID string
	State     State
	Filename  string
	Total     int
	Delivered int
	Failed    int
	Err       *Error
}
