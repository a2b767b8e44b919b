package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultSourceURL = "https://celestrak.org/NORAD/elements/gp.php?GROUP=active&FORMAT=tle"

	// maxBodyBytes caps a single source response.
	maxBodyBytes = 50 << 20

	userAgent = "orbitguard/1"
)

// ErrNotModified reports that the primary source has not changed since the
// last successful fetch.
var ErrNotModified = errors.New("catalog source not modified")

// Fetcher retrieves raw TLE text from a primary source and optional extra
// sources. Extra sources are best-effort: their failures are logged and the
// primary payload is still returned. The primary is fetched conditionally
// with the validators of the previous response, so an unchanged upstream
// costs one round trip and no re-ingest.
type Fetcher struct {
	sourceURL  string
	extraURLs  []string
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	etag         string
	lastModified string
}

// NewFetcher creates a Fetcher for the given source URL.
func NewFetcher(sourceURL string, logger *slog.Logger, extraURLs ...string) *Fetcher {
	if sourceURL == "" {
		sourceURL = defaultSourceURL
	}
	return &Fetcher{
		sourceURL:  sourceURL,
		extraURLs:  extraURLs,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// SourceURL returns the configured primary source URL.
func (f *Fetcher) SourceURL() string {
	return f.sourceURL
}

// Fetch downloads the primary source followed by every extra source and
// returns the concatenated TLE text. It returns ErrNotModified when the
// primary answers 304.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	etag, lastModified := f.etag, f.lastModified
	f.mu.Unlock()

	resp, err := f.get(ctx, f.sourceURL, etag, lastModified)
	if err != nil {
		return nil, err
	}
	if resp.notModified {
		return nil, ErrNotModified
	}

	var buf bytes.Buffer
	buf.Write(resp.body)
	for _, u := range f.extraURLs {
		extra, err := f.get(ctx, u, "", "")
		if err != nil {
			f.logger.Warn("extra TLE source failed", "url", u, "error", err)
			continue
		}
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
		buf.Write(extra.body)
	}

	// Validators are kept only once the whole payload is assembled, so a
	// failed fetch never suppresses the next attempt.
	f.mu.Lock()
	f.etag, f.lastModified = resp.etag, resp.lastModified
	f.mu.Unlock()
	return buf.Bytes(), nil
}

// Forget drops the stored validators; the next Fetch downloads in full.
func (f *Fetcher) Forget() {
	f.mu.Lock()
	f.etag, f.lastModified = "", ""
	f.mu.Unlock()
}

type response struct {
	body         []byte
	etag         string
	lastModified string
	notModified  bool
}

func (f *Fetcher) get(ctx context.Context, url, etag, lastModified string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching TLE data: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		if etag != "" || lastModified != "" {
			return &response{notModified: true}, nil
		}
		fallthrough
	default:
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", url, maxBodyBytes)
	}
	return &response{
		body:         body,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
