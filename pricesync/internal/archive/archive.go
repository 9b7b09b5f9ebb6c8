// Package archive keeps a copy of every processed feed in a blob store so a
// past catalog can be replayed or audited. Archiving is best-effort: a
// failure is reported in the Result and never fails the sync.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Drivers.
const (
	DriverNone = ""
	DriverFS   = "fs"
	DriverS3   = "s3"
)

// Store is a write-only blob store.
type Store interface {
	Driver() string
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
}

// Config selects and configures the archive store.
type Config struct {
	Driver string   `yaml:"driver"` // "", "fs" or "s3"
	Prefix string   `yaml:"prefix"` // key prefix. Default: "feeds".
	Dir    string   `yaml:"dir"`    // root directory for the fs driver
	S3     S3Config `yaml:"s3"`
}

// Open returns the configured store, or nil when archiving is disabled.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverNone:
		return nil, nil
	case DriverFS:
		return NewFS(cfg.Dir)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", cfg.Driver)
	}
}

// Key returns the object key of a feed archived by runID at t:
// <prefix>/YYYY/MM/DD/<runID>.json.
func Key(prefix, runID string, t time.Time) string {
	if prefix == "" {
		prefix = "feeds"
	}
	t = t.UTC()
	return path.Join(strings.Trim(prefix, "/"), t.Format("2006"), t.Format("01"), t.Format("02"), runID+".json")
}

// Result reports one archive attempt.
type Result struct {
	Key   string
	Bytes int64
	Err   error
}

// Feed uploads the file at src under key.
func Feed(ctx context.Context, st Store, src, key string) Result {
	res := Result{Key: key}
	f, err := os.Open(src)
	if err != nil {
		res.Err = fmt.Errorf("archive: open feed: %w", err)
		return res
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		res.Err = fmt.Errorf("archive: stat feed: %w", err)
		return res
	}
	if err := st.Put(ctx, key, f, fi.Size()); err != nil {
		res.Err = fmt.Errorf("archive: put %s (%s): %w", key, st.Driver(), err)
		return res
	}
	res.Bytes = fi.Size()
	return res
}
