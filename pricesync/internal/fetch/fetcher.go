// Package fetch downloads the price feed with a conditional GET and writes it
// atomically: the destination file is either the previous complete feed or
// the new complete feed, never a partial one.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

// Result contains the outcome of a fetch.
type Result struct {
	StatusCode int
	Changed    bool             // false on 304 Not Modified
	Validators store.Validators // validators of the file now at the destination
	Bytes      int64            // bytes written, 0 when not changed
}

// StatusError is returned for any response other than 2xx or 304.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: http %d from %s", e.StatusCode, e.URL)
}

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // HTTP timeout. Default: 5m.
	MaxBytes  int64         // Max body size. 0 means unlimited.
	UserAgent string
	Client    *http.Client
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = "pricesync/1.0"
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: c.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		}
	}
}

// Fetcher performs conditional downloads.
type Fetcher struct {
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	return &Fetcher{config: cfg}
}

// Fetch downloads url into dest. Conditional headers from prev are sent only
// when dest exists, so a deleted local file always forces a full download.
// On 304 the destination is left untouched and prev is returned.
func (f *Fetcher) Fetch(ctx context.Context, url string, prev store.Validators, dest string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	if exists(dest) {
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			req.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}

	resp, err := f.config.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{StatusCode: resp.StatusCode, Changed: false, Validators: prev}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	n, err := f.writeAtomic(dest, resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Changed:    true,
		Validators: store.Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
		Bytes: n,
	}, nil
}

// writeAtomic streams r into a unique temp file next to dest, syncs it and
// renames it over dest. The temp file never survives an error.
func (f *Fetcher) writeAtomic(dest string, r io.Reader) (n int64, err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("fetch: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp.*")
	if err != nil {
		return 0, fmt.Errorf("fetch: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	src := r
	if f.config.MaxBytes > 0 {
		src = io.LimitReader(r, f.config.MaxBytes+1)
	}
	n, err = io.Copy(tmp, src)
	if err != nil {
		return 0, fmt.Errorf("fetch: write body: %w", err)
	}
	if f.config.MaxBytes > 0 && n > f.config.MaxBytes {
		return 0, fmt.Errorf("fetch: body exceeds %d bytes", f.config.MaxBytes)
	}
	if err = tmp.Sync(); err != nil {
		return 0, fmt.Errorf("fetch: sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("fetch: close temp: %w", err)
	}
	if err = os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("fetch: rename: %w", err)
	}
	return n, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
