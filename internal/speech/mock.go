package speech

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that renders a short sine tone per utterance as WAV.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	// 20ms of tone per character, capped at two seconds.
	duration := time.Duration(len([]rune(text))) * 20 * time.Millisecond
	if duration > 2*time.Second {
		duration = 2 * time.Second
	}
	data, err := renderTone(m.sampleRate, m.channels, 440, duration)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, ContentType: "audio/wav"}, nil
}

func renderTone(sampleRate, channels int, freq float64, duration time.Duration) ([]byte, error) {
	frames := int(float64(sampleRate) * duration.Seconds())
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*channels),
	}
	for i := 0; i < frames; i++ {
		sample := int(3000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			buffer.Data[i*channels+c] = sample
		}
	}

	file, err := os.CreateTemp("", "assistant_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
