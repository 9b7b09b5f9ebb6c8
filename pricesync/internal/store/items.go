package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a SKU is not in the store.
var ErrNotFound = errors.New("store: not found")

const itemColumns = `sku, name, own_price, own_qty, ref_price, ref_qty,
	cheapest_price, cheapest_qty, cheapest_supplier, suppliers_json, updated_at, created_at`

// LoadPrior reads every stored item in compact form, keyed by SKU.
func (s *Store) LoadPrior(ctx context.Context) (map[string]Prior, error) {
	n, err := s.CountItems(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT sku, name, own_price, own_qty, ref_price, ref_qty,
		        cheapest_price, cheapest_qty, cheapest_supplier, suppliers_json, created_at
		 FROM items`)
	if err != nil {
		return nil, fmt.Errorf("store: load prior: %w", err)
	}
	defer rows.Close()

	prior := make(map[string]Prior, n)
	for rows.Next() {
		var (
			sku, suppliers string
			p              Prior
			cp, cq         sql.NullFloat64
			cs             sql.NullString
		)
		if err := rows.Scan(&sku, &p.Name, &p.OwnPrice, &p.OwnQty, &p.RefPrice, &p.RefQty,
			&cp, &cq, &cs, &suppliers, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan prior: %w", err)
		}
		p.CheapestPrice, p.CheapestQty, p.CheapestSupplier = cp.Float64, cq.Float64, cs.String
		p.SuppliersSum = sha256.Sum256([]byte(suppliers))
		prior[sku] = p
	}
	return prior, rows.Err()
}

// GetItem returns the current state of one SKU.
func (s *Store) GetItem(ctx context.Context, sku string) (*Item, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE sku = ?`, sku)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get item %s: %w", sku, err)
	}
	return it, nil
}

// SearchItems runs a full-text query over item names.
func (s *Store) SearchItems(ctx context.Context, query string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 20
	}
	query = matchQuery(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.sku, i.name, i.own_price, i.own_qty, i.ref_price, i.ref_qty,
		        i.cheapest_price, i.cheapest_qty, i.cheapest_supplier, i.suppliers_json,
		        i.updated_at, i.created_at
		 FROM items_search f JOIN items i ON i.sku = f.sku
		 WHERE items_search MATCH ?
		 ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountItems returns the number of rows in items.
func (s *Store) CountItems(ctx context.Context) (int, error) {
	return s.count(ctx, "items")
}

// CountSnapshots returns the number of rows in snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	return s.count(ctx, "snapshots")
}

func (s *Store) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", table, err)
	}
	return n, nil
}

// Snapshots returns the change log of one SKU, oldest first.
func (s *Store) Snapshots(ctx context.Context, sku string) ([]Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, sku, ts, own_price, own_qty, ref_price, ref_qty,
		        cheapest_price, cheapest_qty, cheapest_supplier
		 FROM snapshots WHERE sku = ? ORDER BY ts, id`, sku)
	if err != nil {
		return nil, fmt.Errorf("store: snapshots %s: %w", sku, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			sn     Snapshot
			cp, cq sql.NullFloat64
			cs     sql.NullString
		)
		if err := rows.Scan(&sn.ID, &sn.SKU, &sn.TS, &sn.OwnPrice, &sn.OwnQty,
			&sn.RefPrice, &sn.RefQty, &cp, &cq, &cs); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		sn.CheapestPrice, sn.CheapestQty, sn.CheapestSupplier = cp.Float64, cq.Float64, cs.String
		out = append(out, sn)
	}
	return out, rows.Err()
}

// Status summarises the store for the status endpoint.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	var err error
	if st.Items, err = s.CountItems(ctx); err != nil {
		return nil, err
	}
	if st.Snapshots, err = s.CountSnapshots(ctx); err != nil {
		return nil, err
	}
	if st.StagedMissing, err = s.count(ctx, "missing_items"); err != nil {
		return nil, err
	}
	if st.LastSyncTS, err = s.LastSyncTS(ctx); err != nil {
		return nil, err
	}
	if st.Downloaded, err = s.DownloadedValidators(ctx); err != nil {
		return nil, err
	}
	if st.Processed, err = s.ProcessedValidators(ctx); err != nil {
		return nil, err
	}
	st.LastRun, err = s.LastRun(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*Item, error) {
	var (
		it        Item
		cp, cq    sql.NullFloat64
		cs        sql.NullString
		suppliers string
	)
	if err := sc.Scan(&it.SKU, &it.Name, &it.OwnPrice, &it.OwnQty, &it.RefPrice, &it.RefQty,
		&cp, &cq, &cs, &suppliers, &it.UpdatedAt, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.CheapestPrice, it.CheapestQty, it.CheapestSupplier = cp.Float64, cq.Float64, cs.String
	if err := json.Unmarshal([]byte(suppliers), &it.Suppliers); err != nil {
		return nil, fmt.Errorf("decode suppliers_json: %w", err)
	}
	return &it, nil
}

// matchQuery turns free text into an FTS5 query: every word is quoted, so
// punctuation in SKUs is literal, and matched as a prefix.
func matchQuery(q string) string {
	var parts []string
	for _, w := range strings.Fields(q) {
		parts = append(parts, `"`+strings.ReplaceAll(w, `"`, `""`)+`"*`)
	}
	return strings.Join(parts, " ")
}
