package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Tx is one sync pass. Every write of the pass goes through it and becomes
// visible only on Commit; Rollback after Commit is a no-op.
type Tx struct {
	tx *sql.Tx

	insertItem *sql.Stmt
	updateItem *sql.Stmt
	snapshot   *sql.Stmt
	stage      *sql.Stmt
}

// Begin opens the pass transaction and prepares its statements.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	t := &Tx{tx: tx}

	prepare := func(dst **sql.Stmt, query string) error {
		st, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("store: prepare: %w", err)
		}
		*dst = st
		return nil
	}
	for _, p := range []struct {
		dst   **sql.Stmt
		query string
	}{
		{&t.insertItem, `INSERT INTO items (` + itemColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&t.updateItem, `UPDATE items SET name = ?, own_price = ?, own_qty = ?,
			ref_price = ?, ref_qty = ?, cheapest_price = ?, cheapest_qty = ?,
			cheapest_supplier = ?, suppliers_json = ?, updated_at = ?
			WHERE sku = ?`},
		{&t.snapshot, `INSERT INTO snapshots (sku, ts, own_price, own_qty, ref_price, ref_qty,
			cheapest_price, cheapest_qty, cheapest_supplier)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&t.stage, `INSERT INTO missing_items (sku, name, misses, first_missing_at, last_run_id)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(sku) DO UPDATE SET
				misses = missing_items.misses + 1,
				name = excluded.name,
				last_run_id = excluded.last_run_id
			RETURNING misses, first_missing_at`},
	} {
		if err := prepare(p.dst, p.query); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	return t, nil
}

func cheapestArgs(it *Item) (any, any, any) {
	if !it.HasCheapest() {
		return nil, nil, nil
	}
	return it.CheapestPrice, it.CheapestQty, it.CheapestSupplier
}

// InsertItem inserts a SKU seen for the first time.
func (t *Tx) InsertItem(ctx context.Context, it *Item, suppliersJSON string) error {
	cp, cq, cs := cheapestArgs(it)
	_, err := t.insertItem.ExecContext(ctx, it.SKU, it.Name, it.OwnPrice, it.OwnQty,
		it.RefPrice, it.RefQty, cp, cq, cs, suppliersJSON, it.UpdatedAt, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert item %s: %w", it.SKU, err)
	}
	return nil
}

// UpdateItem overwrites the tracked fields of an existing SKU. created_at is
// left untouched.
func (t *Tx) UpdateItem(ctx context.Context, it *Item, suppliersJSON string) error {
	cp, cq, cs := cheapestArgs(it)
	_, err := t.updateItem.ExecContext(ctx, it.Name, it.OwnPrice, it.OwnQty,
		it.RefPrice, it.RefQty, cp, cq, cs, suppliersJSON, it.UpdatedAt, it.SKU)
	if err != nil {
		return fmt.Errorf("store: update item %s: %w", it.SKU, err)
	}
	return nil
}

// AppendSnapshot records the item's tracked fields at it.UpdatedAt.
func (t *Tx) AppendSnapshot(ctx context.Context, it *Item) error {
	cp, cq, cs := cheapestArgs(it)
	_, err := t.snapshot.ExecContext(ctx, it.SKU, it.UpdatedAt, it.OwnPrice, it.OwnQty,
		it.RefPrice, it.RefQty, cp, cq, cs)
	if err != nil {
		return fmt.Errorf("store: append snapshot %s: %w", it.SKU, err)
	}
	return nil
}

// StageMissing records the SKUs absent from this run's feed. A SKU already
// staged by the previous run has its miss counter incremented; staged SKUs
// that reappeared in the feed are dropped. The returned slice carries the
// updated counters.
func (t *Tx) StageMissing(ctx context.Context, missing []MissingItem, runID string, now int64) ([]MissingItem, error) {
	out := make([]MissingItem, 0, len(missing))
	for _, m := range missing {
		m.LastRunID = runID
		if err := t.stage.QueryRowContext(ctx, m.SKU, m.Name, now, runID).
			Scan(&m.Misses, &m.FirstMissingAt); err != nil {
			return nil, fmt.Errorf("store: stage missing %s: %w", m.SKU, err)
		}
		out = append(out, m)
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM missing_items WHERE last_run_id != ?`, runID); err != nil {
		return nil, fmt.Errorf("store: prune missing: %w", err)
	}
	return out, nil
}

// RotateSnapshots deletes snapshots older than cutoff and returns how many
// were removed.
func (t *Tx) RotateSnapshots(ctx context.Context, cutoff int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM snapshots WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: rotate snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkProcessed advances the processed validators and the last sync time.
// They become durable only together with the rest of the pass.
func (t *Tx) MarkProcessed(ctx context.Context, v Validators, now int64) error {
	for _, kv := range [][2]string{
		{MetaProcessedETag, v.ETag},
		{MetaProcessedLastModified, v.LastModified},
		{MetaLastSyncTS, strconv.FormatInt(now, 10)},
	} {
		if err := setMeta(ctx, t.tx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes the pass durable.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback discards the pass.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
