// Package dbopen opens the pricesync SQLite database (modernc.org/sqlite)
// with the pragmas the sync pass relies on.
//
// Default pragmas:
//
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//	foreign_keys = ON
//
// File databases carry the pragmas in the DSN so every pooled connection
// gets them; the sync pass and the lease renewal write on different
// connections.
//
// Usage:
//
//	db, err := dbopen.Open("data/priceweb.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

const driverName = "sqlite"

type config struct {
	busyTimeout  int
	cacheSize    int
	synchronous  string
	mkdirAll     bool
	maxOpenConns int
	schemas      []string
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
	}
}

type pragma struct{ name, value string }

func (c *config) pragmas() []pragma {
	ps := []pragma{
		{"journal_mode", "WAL"},
		{"busy_timeout", strconv.Itoa(c.busyTimeout)},
		{"synchronous", c.synchronous},
		{"foreign_keys", "ON"},
	}
	if c.cacheSize != 0 {
		ps = append(ps, pragma{"cache_size", strconv.Itoa(c.cacheSize)})
	}
	return ps
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithCacheSize sets PRAGMA cache_size. Negative values are KiB.
func WithCacheSize(pages int) Option { return func(c *config) { c.cacheSize = pages } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithMaxOpenConns caps the pool size. 0 keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxOpenConns = n } }

// WithSchema queues inline SQL to execute once the database is open.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// Open opens the SQLite database at path, or an in-memory one for ":memory:".
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	memory := path == ":memory:"
	if cfg.mkdirAll && !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	name := path
	if !memory {
		q := url.Values{}
		for _, p := range cfg.pragmas() {
			q.Add("_pragma", p.name+"("+p.value+")")
		}
		name = path + "?" + q.Encode()
	}
	db, err := sql.Open(driverName, name)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	// Every connection to ":memory:" is its own database, so a pool of one
	// gets the pragmas by executing them once.
	if memory {
		for _, p := range cfg.pragmas() {
			if _, err := db.Exec("PRAGMA " + p.name + " = " + p.value); err != nil {
				db.Close()
				return nil, fmt.Errorf("dbopen: pragma %s: %w", p.name, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing, pinned to a
// single connection and closed on t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append(opts, WithMaxOpenConns(1))...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// FileSize returns the on-disk size of the database at path, including its
// WAL and shared-memory companions. A missing file counts as zero.
func FileSize(path string) (int64, error) {
	var total int64
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		fi, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("dbopen: stat %s: %w", p, err)
		}
		total += fi.Size()
	}
	return total, nil
}
