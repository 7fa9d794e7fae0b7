package docpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/chunkpipe/safeio"
)

// Fetcher performs bounded HTTP GETs for pages, files and images.
type Fetcher struct {
	client       *http.Client
	ua           string
	maxBytes     int64
	allowPrivate bool
	logger       *slog.Logger
}

// FetchOption configures a Fetcher.
type FetchOption func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) FetchOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetchOption {
	return func(f *Fetcher) { f.ua = ua }
}

// WithMaxBytes caps response bodies.
func WithMaxBytes(n int64) FetchOption {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithAllowPrivate lets the fetcher reach private and loopback hosts.
func WithAllowPrivate(allow bool) FetchOption {
	return func(f *Fetcher) { f.allowPrivate = allow }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) FetchOption {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher with a 30s timeout and a 100 MB body cap.
func NewFetcher(opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		ua:       "Mozilla/5.0 (compatible; chunkpipe/1.0)",
		maxBytes: 100 * 1024 * 1024,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Response is a fetched body.
type Response struct {
	URL         string // final URL after redirects
	ContentType string
	Body        []byte
}

// Get fetches rawURL and returns its body.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.Fetch(ctx, rawURL, "*/*")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Fetch GETs rawURL with the given Accept header.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, accept string) (*Response, error) {
	if err := safeio.ValidateURL(rawURL, f.allowPrivate); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("fetch %s: %w (%d bytes)", rawURL, safeio.ErrTooLarge, resp.ContentLength)
	}
	body, err := safeio.LimitedReadAll(resp.Body, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	f.logger.Debug("fetched", "url", rawURL, "status", resp.StatusCode, "bytes", len(body))
	return &Response{
		URL:         resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// sizeError maps a size-limit failure to SourceTooLargeError.
func (p *Pipeline) sizeError(path string, err error) error {
	if errors.Is(err, safeio.ErrTooLarge) {
		return &SourceTooLargeError{Path: path, Size: -1, Limit: p.cfg.MaxFileSize}
	}
	return err
}
