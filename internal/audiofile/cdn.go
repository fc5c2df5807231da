package audiofile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tonearm/internal/chunk"
	"tonearm/internal/config"
	"tonearm/internal/streamid"
)

const defaultCDNTimeout = 30 * time.Second

// CDNOption customizes a CDNSource.
type CDNOption func(*CDNSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) CDNOption {
	return func(c *CDNSource) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// CDNSource fetches chunks with HTTP range requests. The URL template
// carries a {file_id} placeholder replaced by the hex stream id.
type CDNSource struct {
	template   string
	httpClient *http.Client
}

// NewCDNSource returns a range-request source for template.
func NewCDNSource(template string, timeout time.Duration, opts ...CDNOption) *CDNSource {
	if timeout <= 0 {
		timeout = defaultCDNTimeout
	}
	c := &CDNSource{
		template:   strings.TrimSpace(template),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CDNFromConfig returns the configured source, or nil when disabled.
func CDNFromConfig(cfg *config.Config) *CDNSource {
	if cfg == nil || !cfg.CDN.Enabled {
		return nil
	}
	return NewCDNSource(cfg.CDN.URLTemplate, cfg.CDNTimeout())
}

// URL returns the resource URL for id.
func (c *CDNSource) URL(id streamid.StreamID) string {
	return strings.ReplaceAll(c.template, "{file_id}", id.String())
}

// FetchChunk downloads chunk index of id and returns it together with the
// total stream size reported by Content-Range.
func (c *CDNSource) FetchChunk(ctx context.Context, id streamid.StreamID, index int) ([]byte, int64, error) {
	start := chunk.Offset(index)
	end := chunk.Offset(index+1) - 1
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(id), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("cdn request: new request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("cdn request: chunk %d of %s: %w", index, id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
		return nil, 0, fmt.Errorf("%w: cdn returned %s for %s", ErrUnavailable, resp.Status, id)
	default:
		return nil, 0, fmt.Errorf("cdn request: chunk %d of %s: unexpected status %s", index, id, resp.Status)
	}

	total, err := parseContentRange(resp.Header.Get("Content-Range"), start)
	if err != nil {
		return nil, 0, fmt.Errorf("cdn request: chunk %d of %s: %w", index, id, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, chunk.Size))
	if err != nil {
		return nil, 0, fmt.Errorf("cdn request: read chunk %d of %s: %w", index, id, err)
	}
	return data, total, nil
}

// parseContentRange reads "bytes start-end/total" and checks start.
func parseContentRange(value string, wantStart int64) (int64, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	span, totalText, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	startText, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", value)
	}
	start, err := strconv.ParseInt(startText, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", value, err)
	}
	if start != wantStart {
		return 0, fmt.Errorf("content range starts at %d, want %d", start, wantStart)
	}
	if totalText == "*" {
		return 0, errors.New("content range without total size")
	}
	total, err := strconv.ParseInt(totalText, 10, 64)
	if err != nil || total <= 0 {
		return 0, fmt.Errorf("malformed Content-Range total %q", totalText)
	}
	return total, nil
}
