package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "schoolalarm/internal/log"
)

const (
	fetchTimeout = 15 * time.Second
	maxBodySize  = 5 * 1024 * 1024 // 5MB
)

// ErrBodyTooLarge is returned when a feed exceeds the size limit. The
// feed is rejected rather than parsed partially.
var ErrBodyTooLarge = errors.New("calendar feed exceeds size limit")

// FetchResult contains the outcome of fetching the feed.
type FetchResult struct {
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body due to 304
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads an ICS feed with HTTP conditional requests
// (ETag / Last-Modified) backed by a disk cache.
//
// Unlike a display client, failures are returned rather than papered over
// with the cached body: the caller keeps its own last good calendar.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a new ICS Fetcher. cacheDir holds one subdirectory per
// feed URL.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: fetchTimeout,
		},
		cacheDir: cacheDir,
	}
}

// WithClient replaces the HTTP client (tests).
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// Fetch downloads rawURL. A 304 answer reuses the cached body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	if rawURL == "" {
		return FetchResult{}, errors.New("feed URL is empty")
	}
	url := normalizeURL(rawURL)

	cachePath, err := f.cachePathForURL(url)
	if err != nil {
		return FetchResult{}, err
	}
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, err
	}

	// Conditional headers only make sense if the body is still on disk.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
		if readErr != nil {
			return FetchResult{}, fmt.Errorf("read calendar body: %w", readErr)
		}
		if len(body) > maxBodySize {
			appLog.Warn("ics feed too large; rejected", "url", redactURL(url), "limit_bytes", maxBodySize)
			return FetchResult{}, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, maxBodySize)
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "url", redactURL(url))
		}

		appLog.Info("ics fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "url", redactURL(url))
		return FetchResult{Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("fetch calendar: unexpected status %s", resp.Status)
	}
}

// normalizeURL maps webcal:// subscriptions to https://.
func normalizeURL(u string) string {
	if strings.HasPrefix(u, "webcal://") {
		return "https://" + strings.TrimPrefix(u, "webcal://")
	}
	return u
}

func (f *Fetcher) cachePathForURL(url string) (string, error) {
	if url == "" {
		return "", errors.New("empty url")
	}
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	dir := hex.EncodeToString(sum[:8])
	return filepath.Join(f.cacheDir, dir), nil
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of a feed URL for logging, keeping
// only scheme and host.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "ics://...(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + redactedSuffix
}
