package speech

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

// Request contains parameters to synthesize one utterance.
type Request struct {
	SessionID string
	Text      string
	Voice     string
}

// Audio is an encoded audio payload.
type Audio struct {
	Data        []byte
	ContentType string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) (Audio, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) (Audio, error) {
	return f(ctx, req)
}

var ErrEmptyText = errors.New("nothing to synthesize")

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "", "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		synth, err = NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "openai":
		synth, err = NewOpenAISynth(cfg)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.TimeoutMS > 0 {
		synth = WithTimeout(synth, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	}
	return synth, nil
}

// WithTimeout bounds every Synthesize call.
func WithTimeout(s Synthesizer, timeout time.Duration) Synthesizer {
	return SynthesizerFunc(func(ctx context.Context, req Request) (Audio, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.Synthesize(ctx, req)
	})
}
