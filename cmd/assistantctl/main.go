package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-assistant/internal/config"
	"github.com/loqalabs/loqa-assistant/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		streamURL  string
		filename   string
		outDir     string
		timeout    time.Duration
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "assistant.yaml", "Path to configuration file")

	streamCmd := flag.NewFlagSet("stream", flag.ExitOnError)
	streamCmd.StringVar(&streamURL, "url", "ws://localhost:8000/ws/stream_audio", "Streaming endpoint")
	streamCmd.StringVar(&filename, "file", "", "Stored document to stream")
	streamCmd.StringVar(&outDir, "out", "", "Directory for received audio chunks (discarded when empty)")
	streamCmd.DurationVar(&timeout, "timeout", 2*time.Minute, "Give up when no frame arrives for this long")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'stream' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "stream":
		streamCmd.Parse(os.Args[2:])
		if filename == "" {
			fmt.Fprintln(os.Stderr, "-file is required")
			os.Exit(2)
		}
		if err := runStream(streamURL, filename, outDir, timeout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

type event struct {
	Status         protocol.Status `json:"status"`
	Message        string          `json:"message"`
	TotalSentences int             `json:"total_sentences"`
	Current        int             `json:"current"`
	Total          int             `json:"total"`
	Sentence       string          `json:"sentence"`
	ChunkIndex     int             `json:"chunk_index"`
	ChunkSize      int             `json:"chunk_size"`
}

// runStream requests one document and prints every event. Audio frames are
// written to outDir as chunk-NNN with an extension guessed from the payload.
func runStream(url, filename, outDir string, timeout time.Duration) error {
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()

	req, err := json.Marshal(protocol.StreamRequest{Filename: filename})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var pending *event
	for {
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream ended before completion: %w", err)
		}

		if kind == websocket.BinaryMessage {
			if pending == nil {
				return errors.New("binary frame without audio_chunk header")
			}
			if len(data) != pending.ChunkSize {
				fmt.Fprintf(os.Stderr, "chunk %d: header announced %d bytes, got %d\n", pending.ChunkIndex, pending.ChunkSize, len(data))
			}
			if outDir != "" {
				name := filepath.Join(outDir, fmt.Sprintf("chunk-%03d%s", pending.ChunkIndex, audioExt(data)))
				if err := os.WriteFile(name, data, 0o644); err != nil {
					return fmt.Errorf("write chunk: %w", err)
				}
			}
			pending = nil
			continue
		}

		var evt event
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		switch evt.Status {
		case protocol.StatusStart, protocol.StatusComplete:
			fmt.Println(evt.Message)
			if evt.Status == protocol.StatusComplete {
				return nil
			}
		case protocol.StatusInfo:
			fmt.Printf("%d sentences\n", evt.TotalSentences)
		case protocol.StatusProgress:
			fmt.Printf("[%d/%d] %s\n", evt.Current, evt.Total, evt.Sentence)
		case protocol.StatusAudioChunk:
			pending = &evt
		case protocol.StatusError:
			fmt.Fprintln(os.Stderr, "error:", evt.Message)
		}
	}
}

func audioExt(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return ".wav"
	case bytes.HasPrefix(data, []byte("ID3")), len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ".mp3"
	default:
		return ".bin"
	}
}
