package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Status discriminates server-to-client stream events.
type Status string

const (
	StatusError      Status = "error"
	StatusStart      Status = "start"
	StatusInfo       Status = "info"
	StatusProgress   Status = "progress"
	StatusAudioChunk Status = "audio_chunk"
	StatusComplete   Status = "complete"
)

// StreamRequest is the single control message a client sends after connecting.
type StreamRequest struct {
	Filename string `json:"filename"`
}

var ErrMissingFilename = errors.New("filename is required")

// DecodeStreamRequest parses the first inbound message.
func DecodeStreamRequest(data []byte) (StreamRequest, error) {
	var req StreamRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		return StreamRequest{}, fmt.Errorf("decode stream request: %w", err)
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" {
		return StreamRequest{}, ErrMissingFilename
	}
	return req, nil
}

type ErrorEvent struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type StartEvent struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type InfoEvent struct {
	Status         Status `json:"status"`
	TotalSentences int    `json:"total_sentences"`
}

type ProgressEvent struct {
	Status   Status `json:"status"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Sentence string `json:"sentence"`
}

// AudioChunkEvent announces the binary frame that immediately follows it.
type AudioChunkEvent struct {
	Status     Status `json:"status"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
	Sentence   string `json:"sentence"`
}

type CompleteEvent struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

func NewError(message string) ErrorEvent { return ErrorEvent{Status: StatusError, Message: message} }

func NewStart(message string) StartEvent { return StartEvent{Status: StatusStart, Message: message} }

func NewInfo(total int) InfoEvent { return InfoEvent{Status: StatusInfo, TotalSentences: total} }

func NewProgress(current, total int, sentence string) ProgressEvent {
	return ProgressEvent{Status: StatusProgress, Current: current, Total: total, Sentence: sentence}
}

func NewAudioChunk(index, size int, sentence string) AudioChunkEvent {
	return AudioChunkEvent{Status: StatusAudioChunk, ChunkIndex: index, ChunkSize: size, Sentence: sentence}
}

func NewComplete(message string) CompleteEvent {
	return CompleteEvent{Status: StatusComplete, Message: message}
}

// Encode renders an event as the JSON text frame sent to the client.
func Encode(event any) (string, error) {
	data, err := sonic.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode stream event: %w", err)
	}
	return string(data), nil
}

// Ellipsis is appended to sentences cut by Truncate.
const Ellipsis = "..."

// Truncate keeps the first limit characters of s and appends Ellipsis when s is longer.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + Ellipsis
}
