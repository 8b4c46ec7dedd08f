// Package connection owns the live WebSocket connections and serializes
// writes to each of them.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrConnectionClosed is returned for any operation on a connection that is
// no longer live.
var ErrConnectionClosed = errors.New("connection closed")

const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// Channel is the duplex transport behind a Conn. *websocket.Conn satisfies it.
type Channel interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is an opaque handle to one registered connection.
type Conn struct {
	id     string
	remote string
	ch     Channel
	mu     sync.Mutex
	live   atomic.Bool
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.remote }

// Live reports whether the connection is still registered and writable.
func (c *Conn) Live() bool { return c != nil && c.live.Load() }

type Options struct {
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool
}

// Registry tracks accepted connections. It is created once per process and
// cleared with CloseAll at shutdown.
type Registry struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	meter    metric.Meter
	accepted metric.Int64Counter
}

func NewRegistry(opts Options, log *slog.Logger) *Registry {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	r := &Registry{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		log:   log.With(slog.String("component", "connection-registry")),
		conns: make(map[*Conn]struct{}),
		meter: otel.Meter("github.com/loqalabs/loqa-assistant/connection"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Accept performs the WebSocket handshake and registers the connection.
func (r *Registry) Accept(w http.ResponseWriter, req *http.Request) (*Conn, error) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	if r.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(r.opts.MaxMessageBytes)
	}
	conn := r.Register(ws)
	conn.remote = req.RemoteAddr
	return conn, nil
}

// Register adds an already established channel to the live set.
func (r *Registry) Register(ch Channel) *Conn {
	conn := &Conn{id: uuid.NewString(), ch: ch}
	conn.live.Store(true)

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	if r.accepted != nil {
		r.accepted.Add(context.Background(), 1)
	}
	r.log.Debug("connection registered", slog.String("conn_id", conn.id))
	return conn
}

// SendText delivers one UTF-8 text frame.
func (r *Registry) SendText(conn *Conn, payload string) error {
	return r.send(conn, frame{kind: TextMessage, data: []byte(payload)})
}

// SendBinary delivers one binary frame.
func (r *Registry) SendBinary(conn *Conn, payload []byte) error {
	return r.send(conn, frame{kind: BinaryMessage, data: payload})
}

// SendPair delivers a text frame immediately followed by a binary frame. No
// other write to the same connection can land between the two.
func (r *Registry) SendPair(conn *Conn, header string, payload []byte) error {
	return r.send(conn, frame{kind: TextMessage, data: []byte(header)}, frame{kind: BinaryMessage, data: payload})
}

type frame struct {
	kind int
	data []byte
}

func (r *Registry) send(conn *Conn, frames ...frame) error {
	if !conn.Live() {
		return ErrConnectionClosed
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	for _, f := range frames {
		if !conn.live.Load() {
			return ErrConnectionClosed
		}
		if r.opts.WriteTimeout > 0 {
			if err := conn.ch.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout)); err != nil {
				conn.live.Store(false)
				return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
		}
		if err := conn.ch.WriteMessage(f.kind, f.data); err != nil {
			conn.live.Store(false)
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}
	return nil
}

// Receive blocks for the next inbound message. A zero timeout waits forever.
func (r *Registry) Receive(conn *Conn, timeout time.Duration) (int, []byte, error) {
	if !conn.Live() {
		return 0, nil, ErrConnectionClosed
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.ch.SetReadDeadline(deadline); err != nil {
		conn.live.Store(false)
		return 0, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	kind, data, err := conn.ch.ReadMessage()
	if err != nil {
		conn.live.Store(false)
		return 0, nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return kind, data, nil
}

// Drain discards inbound messages until the peer goes away, then removes the
// connection.
func (r *Registry) Drain(conn *Conn) {
	for {
		if _, _, err := r.Receive(conn, 0); err != nil {
			break
		}
	}
	r.Remove(conn)
}

// Remove unregisters and closes the connection. Removing twice is a no-op.
func (r *Registry) Remove(conn *Conn) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	_, ok := r.conns[conn]
	delete(r.conns, conn)
	r.mu.Unlock()
	if !ok {
		return false
	}

	conn.live.Store(false)
	if err := conn.ch.Close(); err != nil {
		r.log.Debug("connection close", slog.String("conn_id", conn.id), slog.String("error", err.Error()))
	}
	r.log.Debug("connection removed", slog.String("conn_id", conn.id))
	return true
}

// Contains reports whether conn is currently registered.
func (r *Registry) Contains(conn *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[conn]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll removes every live connection.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	closed := 0
	for _, c := range conns {
		if r.Remove(c) {
			closed++
		}
	}
	return closed
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("assistant.connections.live", metric.WithDescription("Number of live streaming connections"))
	if err != nil {
		return err
	}
	accepted, err := r.meter.Int64Counter("assistant.connections.accepted", metric.WithDescription("Streaming connections accepted"))
	if err != nil {
		return err
	}
	r.accepted = accepted
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Count()))
		return nil
	}, gauge)
	return err
}
