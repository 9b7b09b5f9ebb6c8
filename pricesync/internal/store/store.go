// Package store is the SQLite persistence layer of the sync engine: current
// items, the snapshot change log, sync metadata, the run log and the staging
// table for missing items.
//
// The diff pass writes exclusively through Tx; everything else (metadata
// outside the pass, run log, compaction, missing-item confirmation) goes
// through Store.
package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/pricesync/dbopen"
)

// Store is the pricesync database handle.
type Store struct {
	DB   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, path: path}, nil
}

// NewStore wraps an already-opened database. The schema must be applied.
func NewStore(db *sql.DB, path string) *Store {
	return &Store{DB: db, path: path}
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Size returns the on-disk size of the database including its WAL.
func (s *Store) Size() (int64, error) {
	if s.path == "" || s.path == ":memory:" {
		return 0, nil
	}
	return dbopen.FileSize(s.path)
}

// dbtx is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
