package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-assistant/internal/assistant"
	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/calendar"
	"github.com/loqalabs/loqa-assistant/internal/commands"
	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/connection"
	"github.com/loqalabs/loqa-assistant/internal/document"
	"github.com/loqalabs/loqa-assistant/internal/eventstore"
	"github.com/loqalabs/loqa-assistant/internal/httpapi"
	"github.com/loqalabs/loqa-assistant/internal/natsserver"
	"github.com/loqalabs/loqa-assistant/internal/speech"
	"github.com/loqalabs/loqa-assistant/internal/stream"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = 6 * time.Hour
)

// Runtime owns every process scoped component. Components are created in
// setup and released in reverse order by teardown.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	telemetryClose func(context.Context) error
	metrics        http.Handler

	events   *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	speech   *speech.Service
	registry *connection.Registry
	handler  http.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds the components, serves HTTP until ctx is cancelled and then
// shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	servers := []*http.Server{httpServer}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		servers = append(servers, &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		// Hijacked stream connections are not tracked by http.Server.
		if n := r.registry.CloseAll(); n > 0 {
			r.logger.Info("closed streaming connections", slog.Int("count", n))
		}
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err := g.Wait()
	cancel()
	r.teardown()
	return err
}

func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metrics = metricsHandler

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = events

	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.nats = ns
		busCfg := r.cfg.Bus
		if url := ns.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client
	}

	synth, err := speech.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to initialize speech: %w", err)
	}
	if r.bus != nil {
		r.speech = speech.NewService(ctx, r.bus, synth, r.cfg.TTS.Voice, time.Duration(r.cfg.TTS.TimeoutMS)*time.Millisecond, r.logger)
		if err := r.speech.Start(); err != nil {
			return fmt.Errorf("failed to start speech service: %w", err)
		}
	}

	docs, err := document.NewStore(r.cfg.Storage, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	streaming := r.cfg.Streaming
	r.registry = connection.NewRegistry(connection.Options{
		WriteTimeout:    time.Duration(streaming.WriteTimeoutMS) * time.Millisecond,
		MaxMessageBytes: streaming.MaxMessageBytes,
	}, r.logger)

	deps := stream.Deps{
		Transport: r.registry,
		Documents: docs,
		ReadText:  document.ReadText,
		Synth:     synth,
	}
	var cmdRecorder commands.Recorder
	var cmdNotifier commands.Notifier
	if r.events.Enabled() {
		deps.Recorder = r.events
		cmdRecorder = r.events
	}
	if r.bus != nil {
		deps.Notifier = r.bus
		cmdNotifier = r.bus
	}
	streamer, err := stream.NewStreamer(deps, stream.Options{
		Pacing:           time.Duration(streaming.PacingMS) * time.Millisecond,
		HandshakeTimeout: time.Duration(streaming.HandshakeTimeoutMS) * time.Millisecond,
		SentencePreview:  streaming.SentencePreview,
		Voice:            r.cfg.TTS.Voice,
	}, r.logger)
	if err != nil {
		return err
	}

	api := &httpapi.API{
		Commands:    commands.NewRunner(r.cfg.Commands, cmdRecorder, cmdNotifier, r.logger),
		Calendar:    calendar.New(calendar.Seed(), r.logger),
		Assistant:   assistant.New(),
		Documents:   docs,
		Synth:       synth,
		Voice:       r.cfg.TTS.Voice,
		Registry:    r.registry,
		Streamer:    streamer,
		FrontendDir: r.cfg.HTTP.FrontendDir,
		Metrics:     r.metrics,
		Ready:       r.Ready,
		Logger:      r.logger.With(slog.String("component", "http")),
	}
	r.handler = api.Handler()
	return nil
}

// teardown releases components in reverse creation order. It is safe after
// a partial setup.
func (r *Runtime) teardown() {
	if r.speech != nil {
		r.speech.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if !r.events.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ready reports whether the runtime is serving traffic.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}
