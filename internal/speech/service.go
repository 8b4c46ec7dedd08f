package speech

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/bus"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
	"github.com/nats-io/nats.go"
)

// DefaultServiceTimeout bounds bus requests when tts.timeout_ms is unset.
const DefaultServiceTimeout = 45 * time.Second

// Service answers tts.request messages on the bus with one-shot synthesis.
type Service struct {
	bus     *bus.Client
	synth   Synthesizer
	voice   string
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, synth Synthesizer, voice string, timeout time.Duration, log *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultServiceTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		synth:   synth,
		voice:   voice,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "speech-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.bus == nil || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		voice := req.Voice
		if voice == "" {
			voice = s.voice
		}
		audio, err := s.synth.Synthesize(ctx, Request{SessionID: req.SessionID, Text: req.Text, Voice: voice})
		if err != nil {
			s.logger.Warn("tts synthesis error", slogError(err))
			s.publishStatus(req, err)
			return
		}
		chunk := protocol.AudioChunk{
			SessionID:   req.SessionID,
			Target:      req.Target,
			ContentType: audio.ContentType,
			Sequence:    0,
			Audio:       audio.Data,
			Final:       true,
		}
		if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, chunk); err != nil {
			s.logger.Warn("failed to publish tts chunk", slogError(err))
		}
		s.publishStatus(req, nil)
	}()
}

func (s *Service) publishStatus(req protocol.TTSRequest, synthErr error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: synthErr == nil,
		Timestamp: time.Now().UTC(),
	}
	if synthErr != nil {
		status.Error = synthErr.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
