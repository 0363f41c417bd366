package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoTextContent means the campaign has no plain-text source configured.
// It is not a failure: the message simply goes out HTML-only.
var ErrNoTextContent = errors.New("no text content source")

const maxContentBytes = 5 << 20

// Fetcher pulls campaign content from its source URIs. Content is fetched
// once per run; the snapshot lives on the run afterwards.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// FetchHTML retrieves the HTML body for a run. Any failure here aborts
// the run before it is created.
func (f *Fetcher) FetchHTML(ctx context.Context, uri string) (string, error) {
	if uri == "" {
		return "", errors.New("campaign has no html content source")
	}
	return f.get(ctx, uri)
}

// FetchText retrieves the optional plain-text body. A blank URI returns
// ErrNoTextContent so callers can degrade to HTML-only.
func (f *Fetcher) FetchText(ctx context.Context, uri string) (string, error) {
	if uri == "" {
		return "", ErrNoTextContent
	}
	return f.get(ctx, uri)
}

func (f *Fetcher) get(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("build content request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", uri, err)
	}
	return string(body), nil
}
