// Package fetch retrieves remote files with origin revalidation.
//
// Revalidation tokens (entity tag and last-modified time) are persisted in
// sidecar files next to the downloaded target and attached as conditional
// request headers on the next fetch, so an unchanged origin costs a single
// "not modified" response and zero body bytes.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

const (
	defaultTimeout   = 10 * time.Minute
	defaultUserAgent = "genome-refcache/1.0"
)

// Client is an HTTP content fetcher. It implements refcache.Fetcher.
type Client struct {
	http      *http.Client
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds a whole download. A timeout is a fetch failure for the
// current run; the next catalog pass retries.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithUserAgent sets the User-Agent header sent to origins.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a fetch client.
func New(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func etagSidecar(target string) string    { return target + ".etag" }
func lastmodSidecar(target string) string { return target + ".lastmod" }

// Fetch downloads url into target. When target and its sidecar tokens are
// present the request is conditional; a "not modified" response returns
// changed=false without touching target. The body streams to a temporary
// file renamed over target in one step, so a concurrent reader of target
// never sees a partial download.
func (c *Client) Fetch(ctx context.Context, url, target string) (bool, refcache.Validator, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, refcache.Validator{}, err
	}

	stored := refcache.Validator{
		ETag:         readSidecar(etagSidecar(target)),
		LastModified: readSidecar(lastmodSidecar(target)),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, stored, fmt.Errorf("%w: %v", refcache.ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	_, statErr := os.Stat(target)
	haveTarget := statErr == nil
	if haveTarget {
		// Tokens only make sense while the body they validate is present.
		if stored.ETag != "" {
			req.Header.Set("If-None-Match", stored.ETag)
		}
		if stored.LastModified != "" {
			req.Header.Set("If-Modified-Since", stored.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, stored, fmt.Errorf("%w: GET %s: %v", refcache.ErrFetchFailed, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// No conditional headers were sent without a local copy, so a 304
		// here is an origin fault and there is nothing on disk to reuse.
		if !haveTarget {
			return false, stored, fmt.Errorf("%w: GET %s: not modified but no local copy exists", refcache.ErrFetchFailed, url)
		}
		return false, stored, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, stored, fmt.Errorf("%w: GET %s: %s", refcache.ErrFetchFailed, url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".part-*")
	if err != nil {
		return false, stored, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return false, stored, fmt.Errorf("%w: GET %s: %v", refcache.ErrFetchFailed, url, err)
	}
	if err := tmp.Sync(); err != nil {
		return false, stored, err
	}
	if err := tmp.Close(); err != nil {
		return false, stored, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return false, stored, err
	}

	v := refcache.Validator{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if err := writeSidecar(etagSidecar(target), v.ETag); err != nil {
		return true, v, err
	}
	if err := writeSidecar(lastmodSidecar(target), v.LastModified); err != nil {
		return true, v, err
	}
	return true, v, nil
}

func readSidecar(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// writeSidecar persists one token, or removes the sidecar when the origin
// stopped supplying it so a stale token never rides a future conditional
// request.
func writeSidecar(path, value string) error {
	if value == "" {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.WriteFile(path, []byte(value+"\n"), 0o644)
}
