package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Meta keys.
const (
	MetaLastSyncTS            = "last_sync_ts"
	MetaDownloadETag          = "download_etag"
	MetaDownloadLastModified  = "download_last_modified"
	MetaProcessedETag         = "processed_etag"
	MetaProcessedLastModified = "processed_last_modified"
)

func getMeta(ctx context.Context, q dbtx, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get meta %s: %w", key, err)
	}
	return v, nil
}

func setMeta(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO meta (k, v) VALUES (?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, value)
	if err != nil {
		return fmt.Errorf("store: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns the value for key, or "" if it was never set.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, s.DB, key)
}

// SetMeta upserts a meta value outside of any pass transaction.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.DB, key, value)
}

// DownloadedValidators returns the validators of the feed file currently on disk.
func (s *Store) DownloadedValidators(ctx context.Context) (Validators, error) {
	return s.validators(ctx, MetaDownloadETag, MetaDownloadLastModified)
}

// ProcessedValidators returns the validators of the last feed that was fully
// applied by a committed pass.
func (s *Store) ProcessedValidators(ctx context.Context) (Validators, error) {
	return s.validators(ctx, MetaProcessedETag, MetaProcessedLastModified)
}

func (s *Store) validators(ctx context.Context, etagKey, lmKey string) (Validators, error) {
	etag, err := getMeta(ctx, s.DB, etagKey)
	if err != nil {
		return Validators{}, err
	}
	lm, err := getMeta(ctx, s.DB, lmKey)
	if err != nil {
		return Validators{}, err
	}
	return Validators{ETag: etag, LastModified: lm}, nil
}

// SetDownloaded records the validators of a freshly downloaded feed file.
// It is written as soon as the file is in place so the next run can send a
// conditional request even if this pass fails.
func (s *Store) SetDownloaded(ctx context.Context, v Validators) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()
	if err := setMeta(ctx, tx, MetaDownloadETag, v.ETag); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, MetaDownloadLastModified, v.LastModified); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// LastSyncTS returns the unix time of the last committed pass, 0 if none.
func (s *Store) LastSyncTS(ctx context.Context) (int64, error) {
	v, err := getMeta(ctx, s.DB, MetaLastSyncTS)
	if err != nil || v == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse %s: %w", MetaLastSyncTS, err)
	}
	return ts, nil
}
