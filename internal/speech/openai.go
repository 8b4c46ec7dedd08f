package speech

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/sashabaranov/go-openai"
)

type openAISynth struct {
	client *openai.Client
	model  string
	voice  string
}

// NewOpenAISynth synthesizes MP3 audio through the OpenAI speech endpoint.
func NewOpenAISynth(cfg config.TTSConfig) (Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai tts requires an api key")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	voice := cfg.Voice
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &openAISynth{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		voice:  voice,
	}, nil
}

func (o *openAISynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, ErrEmptyText
	}
	voice := o.voice
	if req.Voice != "" {
		voice = req.Voice
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("read openai speech: %w", err)
	}
	return Audio{Data: data, ContentType: "audio/mpeg"}, nil
}
