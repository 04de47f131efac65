// Package source loads run input from the places a pipeline can start:
// inline text, a local file (plain text, Markdown, or PDF), or a URL. It
// also produces the canonical source identifier the catalog hashes into a
// content ID.
package source

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"attest/internal/hashing"
)

const maxDownloadBytes = 50 << 20 // 50MB

// Input is the loaded run input plus its provenance.
type Input struct {
	// Text is the content handed to the first pipeline step.
	Text string
	// Canonical is the identifier hashed into the content ID: an absolute
	// file path, a URL, or a digest-derived tag for inline text.
	Canonical string
	// Path is the local file the input came from, when it came from one.
	// Safety denylist checks apply to it.
	Path string
	// Title is a human label derived from the source.
	Title string
	// Kind is one of "text", "file", "pdf", "url".
	Kind string
}

// FromText wraps inline input. The canonical identifier is derived from the
// text itself so the same inline input always lands in the same content
// folder.
func FromText(text string) Input {
	return Input{
		Text:      text,
		Canonical: "text:" + hashing.ShortID([]byte(text)),
		Title:     firstLine(text, 64),
		Kind:      "text",
	}
}

// FromFile reads a local file, extracting text from PDFs by extension.
func FromFile(path string) (Input, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Input{}, fmt.Errorf("resolving %s: %w", path, err)
	}

	in := Input{
		Canonical: abs,
		Path:      abs,
		Title:     filepath.Base(abs),
		Kind:      "file",
	}

	if strings.EqualFold(filepath.Ext(abs), ".pdf") {
		text, err := extractPDF(abs)
		if err != nil {
			return Input{}, err
		}
		in.Text = text
		in.Kind = "pdf"
		return in, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Input{}, fmt.Errorf("reading %s: %w", path, err)
	}
	in.Text = string(data)
	return in, nil
}

// FromURL passes the URL through as the input text; the fetch step of the
// pipeline does the actual download. The URL itself is the canonical
// identifier.
func FromURL(url string) Input {
	return Input{
		Text:      url,
		Canonical: url,
		Title:     url,
		Kind:      "url",
	}
}

// Download fetches a URL directly, for ingesting content outside a
// pipeline run.
func Download(url string) (Input, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return Input{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Input{}, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return Input{}, fmt.Errorf("reading %s: %w", url, err)
	}

	return Input{
		Text:      string(data),
		Canonical: url,
		Title:     url,
		Kind:      "url",
	}, nil
}

func extractPDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	return buf.String(), nil
}

func firstLine(s string, max int) string {
	line := s
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut]
	}
	if line == "" {
		line = "untitled"
	}
	return line
}
