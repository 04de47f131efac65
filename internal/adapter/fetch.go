package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const maxFetchBytes = 5 << 20 // 5MB

// FetchAdapter is the built-in "fetch" step: it treats the step input as a
// URL, downloads the document, and reduces HTML to plain text. Non-HTML
// responses pass through unchanged.
type FetchAdapter struct {
	client *http.Client
}

// NewFetchAdapter builds a fetch adapter. A nil client gets a 30s-timeout
// default.
func NewFetchAdapter(client *http.Client) *FetchAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FetchAdapter{client: client}
}

func (a *FetchAdapter) Name() string { return "fetch" }

func (a *FetchAdapter) Execute(ctx context.Context, _ string, input string) (string, error) {
	url := strings.TrimSpace(input)
	if url == "" {
		return "", fmt.Errorf("fetch adapter requires a URL as input")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", url, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", url, err)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") || looksLikeHTML(body) {
		return HTMLToText(string(body)), nil
	}
	return string(body), nil
}

func (a *FetchAdapter) HealthCheck(ctx context.Context) error { return nil }

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// HTMLToText extracts readable text from an HTML document: script, style,
// and head content are dropped, block elements become line breaks, and
// whitespace runs collapse.
func HTMLToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		// Unparseable input passes through; fetch never fabricates text.
		return src
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "head", "template":
				return
			}
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(collapseSpaces(n.Data))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.Data) {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "br", "li", "ul", "ol",
		"h1", "h2", "h3", "h4", "h5", "h6", "tr", "blockquote", "pre":
		return true
	}
	return false
}
