// Package stream drives one sentence-chunked audio stream per connection.
//
// A session reads a single {"filename": ...} request, splits the stored
// document into utterances and emits, for each utterance, a progress event
// followed by either an audio_chunk event plus one binary frame or a
// recoverable error event. The session never closes a completed connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-assistant/internal/connection"
	"github.com/loqalabs/loqa-assistant/internal/document"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/loqalabs/loqa-assistant/internal/segment"
	"github.com/loqalabs/loqa-assistant/internal/speech"
)

const (
	DefaultSentencePreview = 100

	msgFilenameRequired = "Filename is required"
	msgEmptyContent     = "File content is empty"
	msgComplete         = "Audio streaming completed"
)

// Transport is the subset of the connection registry a session writes through.
type Transport interface {
	Receive(conn *connection.Conn, timeout time.Duration) (int, []byte, error)
	SendText(conn *connection.Conn, payload string) error
	SendPair(conn *connection.Conn, header string, payload []byte) error
	Remove(conn *connection.Conn) bool
}

// Documents resolves a client supplied filename to a stored path.
type Documents interface {
	Resolve(filename string) (string, error)
}

// TextReader loads the full text of a stored document.
type TextReader func(path string) (string, error)

// Recorder persists the session timeline. *eventstore.Store satisfies it.
type Recorder interface {
	BeginSession(ctx context.Context, sess eventstore.Session) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishSession(ctx context.Context, sess eventstore.Session) error
}

// Notifier publishes lifecycle notices. *bus.Client satisfies it.
type Notifier interface {
	PublishJSON(subject string, v any) error
}

type Deps struct {
	Transport Transport
	Documents Documents
	ReadText  TextReader
	Synth     speech.Synthesizer
	Recorder  Recorder
	Notifier  Notifier
}

type Options struct {
	// Pacing is the delay after every utterance, whatever its outcome.
	Pacing time.Duration
	// HandshakeTimeout bounds the wait for the request message. Zero waits forever.
	HandshakeTimeout time.Duration
	// SentencePreview is the progress.sentence truncation length.
	SentencePreview int
	Voice           string
}

// Streamer runs sessions. One Streamer serves every connection; sessions
// share no mutable state.
type Streamer struct {
	deps   Deps
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	sessions metric.Int64Counter
	units    metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewStreamer(deps Deps, opts Options, log *slog.Logger) (*Streamer, error) {
	if deps.Transport == nil {
		return nil, errors.New("stream: transport is required")
	}
	if deps.Documents == nil {
		return nil, errors.New("stream: document resolver is required")
	}
	if deps.Synth == nil {
		return nil, errors.New("stream: synthesizer is required")
	}
	if deps.ReadText == nil {
		deps.ReadText = document.ReadText
	}
	if opts.SentencePreview <= 0 {
		opts.SentencePreview = DefaultSentencePreview
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}

	s := &Streamer{
		deps:   deps,
		opts:   opts,
		log:    log.With(slog.String("component", "stream")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-assistant/stream"),
		clock:  time.Now,
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

func (s *Streamer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-assistant/stream")
	sessions, err := meter.Int64Counter("assistant.stream.sessions", metric.WithDescription("Streaming sessions by terminal state"))
	if err != nil {
		return err
	}
	units, err := meter.Int64Counter("assistant.stream.units", metric.WithDescription("Utterances processed by outcome"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("assistant.stream.synthesis_ms", metric.WithDescription("Per-utterance synthesis latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	s.sessions, s.units, s.latency = sessions, units, latency
	return nil
}

// Run drives one session on an accepted connection until it reaches
// Completed or Failed. A failed session has its connection removed; a
// completed one is left open for the peer to close.
func (s *Streamer) Run(ctx context.Context, conn *connection.Conn) Result {
	sess := &session{
		streamer: s,
		conn:     conn,
		id:       uuid.NewString(),
		state:    Connecting,
	}
	sess.log = s.log.With(slog.String("session_id", sess.id), slog.String("conn_id", conn.ID()))

	ctx, span := s.tracer.Start(ctx, "stream.session", trace.WithAttributes(
		attribute.String("session.id", sess.id),
		attribute.String("connection.id", conn.ID()),
	))
	defer span.End()
	sess.span = span

	res := sess.run(ctx)

	span.SetAttributes(
		attribute.String("session.state", res.State.String()),
		attribute.Int("session.units.total", res.Total),
		attribute.Int("session.units.delivered", res.Delivered),
		attribute.Int("session.units.failed", res.Failed),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Message)
	}
	if s.sessions != nil {
		s.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", res.State.String())))
	}
	return res
}

type session struct {
	streamer *Streamer
	conn     *connection.Conn
	id       string
	state    State
	filename string
	units    []segment.Utterance
	result   Result
	log      *slog.Logger
	span     trace.Span
}

func (ss *session) run(ctx context.Context) Result {
	s := ss.streamer
	ss.result.SessionID = ss.id
	ss.transition(AwaitingRequest)
	ss.record(ctx, func(r Recorder) error {
		return r.BeginSession(ctx, eventstore.Session{ID: ss.id, RemoteAddr: ss.conn.RemoteAddr(), State: ss.state.String(), StartedAt: s.clock()})
	})

	kind, data, err := s.deps.Transport.Receive(ss.conn, s.opts.HandshakeTimeout)
	if err != nil {
		return ss.fail(ctx, newError(ErrTransport, "connection lost before request", err))
	}
	if kind != connection.TextMessage {
		return ss.fail(ctx, newError(ErrProtocol, "Invalid request: expected a text message", nil))
	}
	req, err := protocol.DecodeStreamRequest(data)
	if err != nil {
		if errors.Is(err, protocol.ErrMissingFilename) {
			return ss.fail(ctx, newError(ErrProtocol, msgFilenameRequired, err))
		}
		return ss.fail(ctx, newError(ErrProtocol, "Invalid request: "+err.Error(), err))
	}
	ss.filename = req.Filename
	ss.result.Filename = req.Filename
	ss.span.SetAttributes(attribute.String("document.filename", req.Filename))
	ss.log = ss.log.With(slog.String("filename", req.Filename))

	ss.transition(Resolving)
	path, err := s.deps.Documents.Resolve(req.Filename)
	if err != nil {
		return ss.fail(ctx, newError(ErrResource, document.Message(document.ErrNotFound), err))
	}
	text, err := s.deps.ReadText(path)
	if err != nil {
		return ss.fail(ctx, newError(ErrResource, document.Message(err), err))
	}

	ss.transition(Segmenting)
	ss.units = segment.Split(text)
	if len(ss.units) == 0 {
		return ss.fail(ctx, newError(ErrContent, msgEmptyContent, nil))
	}
	total := len(ss.units)
	ss.result.Total = total

	if err := ss.emit(ctx, protocol.NewStart(fmt.Sprintf("Starting audio stream for %s", req.Filename)), protocol.StatusStart, 0); err != nil {
		return ss.fail(ctx, err)
	}
	if err := ss.emit(ctx, protocol.NewInfo(total), protocol.StatusInfo, 0); err != nil {
		return ss.fail(ctx, err)
	}
	ss.notify(protocol.SubjectStreamStarted, "")

	ss.transition(Streaming)
	for i, unit := range ss.units {
		if err := ss.streamUnit(ctx, i, unit); err != nil && err.Fatal() {
			return ss.fail(ctx, err)
		}
		if err := pace(ctx, s.opts.Pacing); err != nil {
			return ss.fail(ctx, newError(ErrTransport, "session cancelled", err))
		}
	}

	if err := ss.emit(ctx, protocol.NewComplete(msgComplete), protocol.StatusComplete, total); err != nil {
		return ss.fail(ctx, err)
	}
	ss.transition(Completed)
	ss.finish(ctx)
	ss.notify(protocol.SubjectStreamCompleted, "")
	ss.log.Info("stream completed",
		slog.Int("total", total),
		slog.Int("delivered", ss.result.Delivered),
		slog.Int("failed", ss.result.Failed))
	return ss.result
}

// streamUnit emits one utterance. A synthesis failure is reported to the
// client and returned as an ErrUnit error, which the caller skips past.
func (ss *session) streamUnit(ctx context.Context, i int, unit segment.Utterance) *Error {
	s := ss.streamer
	total := len(ss.units)

	if err := ctx.Err(); err != nil {
		return newError(ErrTransport, "session cancelled", err)
	}
	preview := protocol.Truncate(unit.Text, s.opts.SentencePreview)
	if err := ss.emit(ctx, protocol.NewProgress(unit.Index, total, preview), protocol.StatusProgress, i); err != nil {
		return err
	}

	unitCtx, span := s.tracer.Start(ctx, "stream.unit", trace.WithAttributes(attribute.Int("unit.index", i)))
	started := time.Now()
	audio, err := s.deps.Synth.Synthesize(unitCtx, speech.Request{SessionID: ss.id, Text: unit.Text, Voice: s.opts.Voice})
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	if s.latency != nil {
		s.latency.Record(ctx, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if ctx.Err() != nil {
			return newError(ErrTransport, "session cancelled", ctx.Err())
		}
		unitErr := newError(ErrUnit, fmt.Sprintf("Error processing sentence %d: %v", unit.Index, err), err)
		ss.result.Failed++
		ss.countUnit("failed")
		ss.log.Warn("utterance synthesis failed", slog.Int("unit", unit.Index), slogError(err))
		if err := ss.emit(ctx, protocol.NewError(unitErr.Message), protocol.StatusError, i); err != nil {
			return err
		}
		return unitErr
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(audio.Data)))
	span.End()

	header, encErr := protocol.Encode(protocol.NewAudioChunk(i, len(audio.Data), unit.Text))
	if encErr != nil {
		return newError(ErrTransport, "encode audio chunk", encErr)
	}
	if err := s.deps.Transport.SendPair(ss.conn, header, audio.Data); err != nil {
		return newError(ErrTransport, "send audio chunk", err)
	}
	ss.appendEvent(ctx, protocol.StatusAudioChunk, i, []byte(header))
	ss.result.Delivered++
	ss.countUnit("delivered")
	return nil
}

// emit encodes and sends one control message. A send failure is a
// transport error.
func (ss *session) emit(ctx context.Context, event any, status protocol.Status, unit int) *Error {
	payload, err := protocol.Encode(event)
	if err != nil {
		return newError(ErrTransport, "encode event", err)
	}
	if err := ss.streamer.deps.Transport.SendText(ss.conn, payload); err != nil {
		return newError(ErrTransport, fmt.Sprintf("send %s", status), err)
	}
	ss.appendEvent(ctx, status, unit, []byte(payload))
	return nil
}

// fail moves the session to Failed. Unless the transport itself broke, one
// error event is attempted first; its own failure is ignored. The
// connection is removed in every case.
func (ss *session) fail(ctx context.Context, e *Error) Result {
	s := ss.streamer
	if !errors.Is(e, ErrTransport) {
		if payload, err := protocol.Encode(protocol.NewError(e.Message)); err == nil {
			if err := s.deps.Transport.SendText(ss.conn, payload); err == nil {
				ss.appendEvent(ctx, protocol.StatusError, 0, []byte(payload))
			}
		}
	}
	s.deps.Transport.Remove(ss.conn)

	ss.transition(Failed)
	ss.result.Err = e
	ss.finish(ctx)
	ss.notify(protocol.SubjectStreamFailed, e.Message)

	level := slog.LevelWarn
	if errors.Is(e, ErrTransport) {
		level = slog.LevelInfo
	}
	ss.log.Log(ctx, level, "stream failed", slog.String("reason", e.Message), slogError(e))
	return ss.result
}

func (ss *session) transition(next State) {
	ss.log.Debug("session state", slog.String("from", ss.state.String()), slog.String("to", next.String()))
	ss.state = next
	ss.result.State = next
}

func (ss *session) countUnit(outcome string) {
	if ss.streamer.units != nil {
		ss.streamer.units.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (ss *session) appendEvent(ctx context.Context, status protocol.Status, unit int, payload []byte) {
	ss.record(ctx, func(r Recorder) error {
		return r.AppendEvent(ctx, eventstore.Event{SessionID: ss.id, Type: string(status), Unit: unit, Payload: payload})
	})
}

func (ss *session) finish(ctx context.Context) {
	ss.record(ctx, func(r Recorder) error {
		return r.FinishSession(context.WithoutCancel(ctx), eventstore.Session{
			ID:        ss.id,
			Filename:  ss.filename,
			State:     ss.state.String(),
			Total:     ss.result.Total,
			Delivered: ss.result.Delivered,
			Failed:    ss.result.Failed,
		})
	})
}

func (ss *session) record(ctx context.Context, fn func(Recorder) error) {
	rec := ss.streamer.deps.Recorder
	if rec == nil {
		return
	}
	if err := fn(rec); err != nil {
		ss.log.Debug("failed to record session event", slogError(err))
	}
}

func (ss *session) notify(subject, reason string) {
	n := ss.streamer.deps.Notifier
	if n == nil {
		return
	}
	notice := protocol.StreamNotice{
		SessionID:      ss.id,
		Filename:       ss.filename,
		TotalSentences: ss.result.Total,
		Delivered:      ss.result.Delivered,
		Failed:         ss.result.Failed,
		Reason:         reason,
		Timestamp:      ss.streamer.clock().UTC(),
	}
	if err := n.PublishJSON(subject, notice); err != nil {
		ss.log.Debug("failed to publish stream notice", slog.String("subject", subject), slogError(err))
	}
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
