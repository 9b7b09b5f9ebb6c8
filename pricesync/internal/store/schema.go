package store

import "database/sql"

// Schema contains the complete DDL for the pricesync tables.
const Schema = `
-- Current state, one row per SKU
CREATE TABLE IF NOT EXISTS items (
    sku               TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    own_price         REAL NOT NULL DEFAULT 0,
    own_qty           REAL NOT NULL DEFAULT 0,
    ref_price         REAL NOT NULL DEFAULT 0,
    ref_qty           REAL NOT NULL DEFAULT 0,
    cheapest_price    REAL,
    cheapest_qty      REAL,
    cheapest_supplier TEXT,
    suppliers_json    TEXT NOT NULL DEFAULT '[]',
    updated_at        INTEGER NOT NULL,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);
CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at);

-- Change log, appended only when tracked fields change
CREATE TABLE IF NOT EXISTS snapshots (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    sku               TEXT NOT NULL,
    ts                INTEGER NOT NULL,
    own_price         REAL NOT NULL DEFAULT 0,
    own_qty           REAL NOT NULL DEFAULT 0,
    ref_price         REAL NOT NULL DEFAULT 0,
    ref_qty           REAL NOT NULL DEFAULT 0,
    cheapest_price    REAL,
    cheapest_qty      REAL,
    cheapest_supplier TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_sku_ts ON snapshots(sku, ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts);

-- Name search for the reporting layer
CREATE VIRTUAL TABLE IF NOT EXISTS items_search USING fts5(
    sku UNINDEXED, name,
    tokenize='unicode61 remove_diacritics 2'
);
CREATE TRIGGER IF NOT EXISTS items_ai AFTER INSERT ON items BEGIN
    INSERT INTO items_search(sku, name) VALUES (new.sku, new.name);
END;
CREATE TRIGGER IF NOT EXISTS items_ad AFTER DELETE ON items BEGIN
    DELETE FROM items_search WHERE sku = old.sku;
END;
CREATE TRIGGER IF NOT EXISTS items_au AFTER UPDATE OF name ON items BEGIN
    DELETE FROM items_search WHERE sku = old.sku;
    INSERT INTO items_search(sku, name) VALUES (new.sku, new.name);
END;

-- Sync metadata (validators, last sync)
CREATE TABLE IF NOT EXISTS meta (
    k TEXT PRIMARY KEY,
    v TEXT NOT NULL DEFAULT ''
);

-- One row per sync pass
CREATE TABLE IF NOT EXISTS sync_runs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER,
    processed     INTEGER NOT NULL DEFAULT 0,
    inserted      INTEGER NOT NULL DEFAULT 0,
    changed       INTEGER NOT NULL DEFAULT 0,
    snapshots     INTEGER NOT NULL DEFAULT 0,
    rotated       INTEGER NOT NULL DEFAULT 0,
    missing       INTEGER NOT NULL DEFAULT 0,
    sharp_changes INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);

-- SKUs absent from consecutive feeds, awaiting confirm/discard
CREATE TABLE IF NOT EXISTS missing_items (
    sku              TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    misses           INTEGER NOT NULL DEFAULT 1,
    first_missing_at INTEGER NOT NULL,
    last_run_id      TEXT NOT NULL
);
`

// ApplySchema creates all tables, indexes and triggers if they don't exist.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
