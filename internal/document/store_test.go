package document

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-assistant/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StorageConfig{
		UploadDir:    t.TempDir(),
		AllowedTypes: []string{"application/pdf", "text/plain"},
		MaxUploadMB:  1,
	}
	s, err := NewStore(cfg, newLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSaveResolveAndRead(t *testing.T) {
	s := newStore(t)
	name, err := s.Save("notes.txt", "text/plain; charset=utf-8", strings.NewReader("Hello. World."))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if name != "notes.txt" {
		t.Fatalf("unexpected stored name %q", name)
	}
	path, err := s.Resolve("notes.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	text, err := ReadText(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if text != "Hello. World." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestSaveRejectsContentType(t *testing.T) {
	s := newStore(t)
	if _, err := s.Save("image.png", "image/png", strings.NewReader("x")); !errors.Is(err, ErrUnsupportedUpload) {
		t.Fatalf("expected ErrUnsupportedUpload, got %v", err)
	}
}

func TestSaveRejectsOversize(t *testing.T) {
	s := newStore(t)
	big := strings.NewReader(strings.Repeat("a", (1<<20)+10))
	_, err := s.Save("big.txt", "text/plain", big)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if msg := Message(err); msg != "Failed to save file: file too large: big.txt exceeds 1048576 bytes" {
		t.Fatalf("unexpected message %q", msg)
	}
	if _, err := s.Resolve("big.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("oversize upload should not be stored, got %v", err)
	}
}

func TestResolveMissingAndTraversal(t *testing.T) {
	s := newStore(t)
	outside := filepath.Join(filepath.Dir(s.Dir()), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"missing.txt", "../secret.txt", "", "."} {
		if _, err := s.Resolve(name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestList(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"b.txt", "a.pdf"} {
		if err := os.WriteFile(filepath.Join(s.Dir(), name), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a.pdf" || files[1].Name != "b.txt" {
		t.Fatalf("unexpected listing: %+v", files)
	}
	if files[0].Size != 4 {
		t.Fatalf("unexpected size %d", files[0].Size)
	}
}

func TestReadTextUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.docx")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadText(path); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestReadTextBrokenPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(path, []byte("definitely not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadText(path)
	if err == nil {
		t.Fatal("expected error for broken pdf")
	}
	if !errors.Is(err, ErrReadPDF) {
		t.Fatalf("expected ErrReadPDF, got %v", err)
	}
	if !strings.HasPrefix(Message(err), "Error reading PDF file: ") {
		t.Fatalf("unexpected client message: %q", Message(err))
	}
}

func TestMessage(t *testing.T) {
	cases := map[error]string{
		ErrNotFound:          "File not found",
		ErrUnsupportedType:   "Unsupported file type. Only PDF and TXT are supported.",
		ErrUnsupportedUpload: "Only PDF files are supported.",
		fmt.Errorf("%w: %w", ErrReadText, os.ErrPermission): "Error reading text file: permission denied",
		errors.New("disk on fire"):                          "disk on fire",
	}
	for err, want := range cases {
		if got := Message(err); got != want {
			t.Errorf("Message(%v) = %q, want %q", err, got, want)
		}
	}
	for _, sentinel := range []error{ErrNotFound, ErrUnsupportedType, ErrUnsupportedUpload, ErrSave, ErrReadPDF, ErrReadText} {
		if msg := sentinel.Error(); strings.ToLower(msg[:1]) != msg[:1] {
			t.Errorf("error string %q should start lowercase", msg)
		}
	}
}
