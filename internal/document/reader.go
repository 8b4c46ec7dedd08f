package document

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ReadText returns the full text of a stored PDF or TXT document.
func ReadText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return readPDF(path)
	case ".txt":
		return readTXT(path)
	default:
		return "", ErrUnsupportedType
	}
}

func readPDF(path string) (text string, err error) {
	defer func() {
		// the parser panics on some malformed streams
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrReadPDF, r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReadPDF, err)
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrReadPDF, err)
		}
		b.WriteString(content)
	}
	return b.String(), nil
}

func readTXT(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReadText, err)
	}
	return string(data), nil
}
