// Package browser provides the concrete BrowserSession the worker wires
// into the extractor. Full headless-browser automation — driving an
// actual Chromium instance to capture XHR/fetch JSON payloads — runs out
// of process and isn't something a Go binary does in-tree; this
// implementation instead does a plain HTTP GET of the page and hands its
// raw HTML to the extractor's DOM path. It never returns JSON payloads, so
// the extractor's JSON path has nothing to merge, same as a page load that
// produced no XHR traffic.
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/alpha-watch/alpha-watch/internal/httpkit"
)

// DefaultMaxBytes bounds how much of the response body is read.
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// Session fetches a page's HTML over plain HTTP. It satisfies
// extractor.BrowserSession's Navigate method but never produces JSON
// payloads, since those come from intercepting in-page network traffic
// a static GET cannot observe.
type Session struct {
	client   *http.Client
	language string
}

// New builds a Session. proxyURL threads PLAYWRIGHT_PROXY through to the
// underlying transport; an empty string is a direct connection. language
// is the LANGUAGE locale hint, sent as Accept-Language so the page renders
// the expected section headings.
func New(proxyURL, language string) (*Session, error) {
	client, err := httpkit.NewClient(httpkit.WithProxy(proxyURL))
	if err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}
	return &Session{client: client, language: language}, nil
}

// Navigate performs one GET of url and returns its body as html. payloads
// is always empty: this session observes no XHR/fetch traffic.
func (s *Session) Navigate(ctx context.Context, url string) ([]map[string]any, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("browser: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if s.language != "" {
		req.Header.Set("Accept-Language", s.language)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("browser: navigate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("browser: navigate: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBytes))
	if err != nil {
		return nil, "", fmt.Errorf("browser: read body: %w", err)
	}

	return nil, string(body), nil
}
