package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	ContentType string `json:"content_type"`
	Error       string `json:"error"`
	Final       bool   `json:"final"`
}

// NewExecSynth runs an external command per utterance. The command reads one
// JSON request on stdin and writes JSON lines carrying base64 audio.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, ErrEmptyText
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start tts command: %w", err)
	}

	out := Audio{ContentType: "audio/wav"}
	var decodeErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			decodeErr = fmt.Errorf("decode tts response: %w", err)
			break
		}
		if resp.Error != "" {
			decodeErr = fmt.Errorf("tts command: %s", resp.Error)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			decodeErr = fmt.Errorf("decode tts audio: %w", err)
			break
		}
		out.Data = append(out.Data, chunk...)
		if resp.ContentType != "" {
			out.ContentType = resp.ContentType
		}
		if resp.Final {
			break
		}
	}
	if decodeErr == nil {
		decodeErr = scanner.Err()
	}
	if decodeErr != nil {
		_ = cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, stdout)
		_ = cmd.Wait()
		return Audio{}, decodeErr
	}
	// Output after the final line is ignored but must be consumed so the
	// command can exit.
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if len(out.Data) == 0 {
		return Audio{}, fmt.Errorf("tts command produced no audio")
	}
	return out, nil
}
