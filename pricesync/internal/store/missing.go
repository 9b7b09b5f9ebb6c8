package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/pricesync/dbopen"
)

// ListMissing returns staged SKUs with at least minMisses consecutive misses.
func (s *Store) ListMissing(ctx context.Context, minMisses int) ([]MissingItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT sku, name, misses, first_missing_at, last_run_id
		 FROM missing_items WHERE misses >= ? ORDER BY sku`, minMisses)
	if err != nil {
		return nil, fmt.Errorf("store: list missing: %w", err)
	}
	defer rows.Close()

	var out []MissingItem
	for rows.Next() {
		var m MissingItem
		if err := rows.Scan(&m.SKU, &m.Name, &m.Misses, &m.FirstMissingAt, &m.LastRunID); err != nil {
			return nil, fmt.Errorf("store: scan missing: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConfirmMissing deletes every staged SKU with at least minMisses misses
// together with its snapshots, and clears those rows from staging. It returns
// the number of items deleted.
func (s *Store) ConfirmMissing(ctx context.Context, minMisses int) (int, error) {
	var deleted int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		deleted = 0
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE sku IN
				(SELECT sku FROM missing_items WHERE misses >= ?)`, minMisses); err != nil {
			return fmt.Errorf("store: delete missing snapshots: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE sku IN
				(SELECT sku FROM missing_items WHERE misses >= ?)`, minMisses)
		if err != nil {
			return fmt.Errorf("store: delete missing items: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM missing_items WHERE misses >= ?`, minMisses); err != nil {
			return fmt.Errorf("store: clear missing: %w", err)
		}
		return nil
	})
	return deleted, err
}

// DiscardMissing clears the staging table without touching items.
func (s *Store) DiscardMissing(ctx context.Context) (int, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM missing_items`)
	if err != nil {
		return 0, fmt.Errorf("store: discard missing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
