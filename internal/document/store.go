// Package document stores uploaded documents and extracts their text.
package document

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

var (
	ErrNotFound          = errors.New("file not found")
	ErrUnsupportedType   = errors.New("unsupported file type")
	ErrUnsupportedUpload = errors.New("unsupported upload content type")
	ErrInvalidName       = errors.New("invalid file name")
	ErrTooLarge          = errors.New("file too large")
	ErrSave              = errors.New("save file")
	ErrReadPDF           = errors.New("read pdf")
	ErrReadText          = errors.New("read text file")
)

// Message renders a document error as the text clients see.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "File not found"
	case errors.Is(err, ErrUnsupportedType):
		return "Unsupported file type. Only PDF and TXT are supported."
	case errors.Is(err, ErrUnsupportedUpload):
		return "Only PDF files are supported."
	case errors.Is(err, ErrInvalidName):
		return "Invalid file name"
	case errors.Is(err, ErrReadPDF):
		return "Error reading PDF file: " + detail(err, ErrReadPDF)
	case errors.Is(err, ErrReadText):
		return "Error reading text file: " + detail(err, ErrReadText)
	case errors.Is(err, ErrSave):
		return "Failed to save file: " + detail(err, ErrSave)
	}
	return err.Error()
}

func detail(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

// FileInfo describes one stored document.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store is a filesystem-backed document directory.
type Store struct {
	dir     string
	allowed map[string]struct{}
	maxSize int64
	log     *slog.Logger
}

func NewStore(cfg config.StorageConfig, log *slog.Logger) (*Store, error) {
	if cfg.UploadDir == "" {
		return nil, errors.New("upload directory not configured")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Store{
		dir:     cfg.UploadDir,
		allowed: allowed,
		maxSize: int64(cfg.MaxUploadMB) << 20,
		log:     log.With(slog.String("component", "document-store")),
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// MaxUploadBytes is the largest upload Save accepts.
func (s *Store) MaxUploadBytes() int64 { return s.maxSize }

// Resolve maps a client-supplied name to the stored document path.
func (s *Store) Resolve(filename string) (string, error) {
	name, err := cleanName(filename)
	if err != nil {
		return "", ErrNotFound
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// Allowed reports whether an upload content type is accepted.
func (s *Store) Allowed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	_, ok := s.allowed[ct]
	return ok
}

// Save writes an uploaded document and returns the stored name.
func (s *Store) Save(filename, contentType string, r io.Reader) (string, error) {
	if !s.Allowed(contentType) {
		return "", ErrUnsupportedUpload
	}
	name, err := cleanName(filename)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSave, err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSave, err)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return "", fmt.Errorf("%w: %w: %s exceeds %d bytes", ErrSave, ErrTooLarge, name, s.maxSize)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSave, err)
	}
	s.log.Info("document stored", slog.String("file", name), slog.Int64("bytes", n))
	return name, nil
}

// List returns stored documents sorted by name.
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read upload dir: %w", err)
	}
	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: info.Size(), Modified: info.ModTime().UTC()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func cleanName(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return name, nil
}
