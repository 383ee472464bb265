package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "kseschedule/internal/log"
	"kseschedule/internal/model"
)

const (
	// DefaultEndpoint is the public KSE schedule export.
	DefaultEndpoint = "https://schedule.kse.ua/uk/index/ical"

	// EndDateLayout formats the date_end query parameter (dd.MM.yyyy).
	EndDateLayout = "02.01.2006"

	defaultTimeout = 15 * time.Second
)

// HTTPClient is the subset of *http.Client the Fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchResult contains the outcome of one retrieval.
type FetchResult struct {
	URL       string
	Body      []byte
	FromCache bool // true if the server answered 304 and the cached body was reused
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves the calendar feed for a group selection, sending
// conditional requests (ETag / Last-Modified) backed by a disk cache.
type Fetcher struct {
	endpoint string
	client   HTTPClient
	cacheDir string
}

// NewFetcher creates a Fetcher for endpoint. A nil client gets a 15s
// timeout client. An empty cacheDir disables the disk cache.
func NewFetcher(endpoint string, client HTTPClient, cacheDir string) *Fetcher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{
		endpoint: endpoint,
		client:   client,
		cacheDir: cacheDir,
	}
}

// URL builds the feed URL for the selection and end date.
func (f *Fetcher) URL(sel model.GroupSelection, end time.Time) (string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid endpoint: %w", ErrRetrievalFailed, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid endpoint %q", ErrRetrievalFailed, f.endpoint)
	}

	q := u.Query()
	q.Set("id_grp", sel.String())
	q.Set("date_end", end.Format(EndDateLayout))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Retrieve downloads the feed. Every failure wraps ErrRetrievalFailed.
// There is no stale fallback: a failed retrieval is reported as such.
func (f *Fetcher) Retrieve(ctx context.Context, sel model.GroupSelection, end time.Time) (FetchResult, error) {
	feedURL, err := f.URL(sel, end)
	if err != nil {
		return FetchResult{}, err
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathFor(sel)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir unavailable; fetching without cache", err, "dir", cachePath)
			cachePath = ""
		} else {
			meta, _ = f.loadCacheMeta(cachePath)
			cachedBody, _ = f.loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")

	// Only revalidate when there is a body to fall back on.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "url", appLog.RedactURL(feedURL), "groups", len(sel))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, fmt.Errorf("%w: read body: %w", ErrRetrievalFailed, readErr)
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          feedURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := f.saveCache(cachePath, newMeta, body); err != nil {
				// Log but still return the freshly fetched body.
				appLog.Error("ics cache save failed", err, "url", appLog.RedactURL(feedURL))
			}
		}

		appLog.Info("ics fetch success", "url", appLog.RedactURL(feedURL), "status", resp.StatusCode, "bytes", len(body), "from_cache", false)
		return FetchResult{URL: feedURL, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, fmt.Errorf("%w: received 304 Not Modified but no cached body available", ErrRetrievalFailed)
		}
		appLog.Info("ics fetch not modified; using cache", "url", appLog.RedactURL(feedURL))
		return FetchResult{URL: feedURL, Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("%w: unexpected status %s", ErrRetrievalFailed, resp.Status)
	}
}

// cachePathFor keys the cache on the endpoint and the group ids only.
// date_end moves every day and must not start a new cache entry.
func (f *Fetcher) cachePathFor(sel model.GroupSelection) string {
	sum := sha256.Sum256([]byte(f.endpoint + "\x00" + sel.String()))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
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
