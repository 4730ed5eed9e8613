package pullengine

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grokmirror/grokmirror-go/manifest"
)

// FetchResult is the outcome of one remote-manifest fetch attempt.
type FetchResult struct {
	Manifest   *manifest.Manifest
	NotModified bool
	LastModified time.Time
}

// FetchManifest GETs url, sending If-Modified-Since when localMtime is
// non-zero, per spec §6's manifest wire format / HTTP caching contract.
// A 304 response yields FetchResult{NotModified: true} with no body read.
func FetchManifest(client *http.Client, url string, localMtime time.Time) (FetchResult, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: build request: %w", ErrManifestFetchFailed, err)
	}
	if !localMtime.IsZero() {
		req.Header.Set("If-Modified-Since", localMtime.UTC().Format(http.TimeFormat))
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrManifestFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("%w: status %d from %s", ErrManifestFetchFailed, resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: read body: %w", ErrManifestFetchFailed, err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: %w", ErrManifestParseFailed, err)
	}

	result := FetchResult{Manifest: m}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(http.TimeFormat, lm); err == nil {
			result.LastModified = t
		}
	}
	if result.LastModified.IsZero() {
		result.LastModified = time.Now().UTC()
	}
	return result, nil
}
