package store

import (
	"crypto/sha256"
	"encoding/json"
)

// Supplier is one supplier offer for an item, price converted to the base
// currency. The JSON tags are the persisted suppliers_json layout.
type Supplier struct {
	Name          string  `json:"supplier"`
	Price         float64 `json:"price"`
	OriginalPrice float64 `json:"original_price"`
	Currency      string  `json:"currency"`
	Qty           float64 `json:"qty"`
	SupplierSKU   string  `json:"supplier_sku"`
	ProductName   string  `json:"product_name"`
}

// Item is the current state of one SKU.
type Item struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`

	OwnPrice float64 `json:"own_price"`
	OwnQty   float64 `json:"own_qty"`

	RefPrice float64 `json:"ref_price"`
	RefQty   float64 `json:"ref_qty"`

	// Cheapest* are zero with an empty CheapestSupplier when no external
	// supplier has both a positive price and a positive quantity.
	CheapestPrice    float64 `json:"cheapest_price"`
	CheapestQty      float64 `json:"cheapest_qty"`
	CheapestSupplier string  `json:"cheapest_supplier"`

	Suppliers []Supplier `json:"suppliers"`

	UpdatedAt int64 `json:"updated_at"`
	CreatedAt int64 `json:"created_at"`
}

// HasCheapest reports whether an external supplier qualified as cheapest.
func (it *Item) HasCheapest() bool { return it.CheapestSupplier != "" }

// SuppliersJSON encodes the supplier list as persisted in items.suppliers_json.
func (it *Item) SuppliersJSON() string {
	if len(it.Suppliers) == 0 {
		return "[]"
	}
	b, err := json.Marshal(it.Suppliers)
	if err != nil {
		// Supplier only holds strings and finite floats.
		return "[]"
	}
	return string(b)
}

// Prior is the compact form of a stored item loaded once before a pass. The
// supplier list is kept as a digest so a catalog of several hundred thousand
// SKUs stays cheap to hold in memory.
type Prior struct {
	Name             string
	OwnPrice         float64
	OwnQty           float64
	RefPrice         float64
	RefQty           float64
	CheapestPrice    float64
	CheapestQty      float64
	CheapestSupplier string
	SuppliersSum     [sha256.Size]byte
	CreatedAt        int64
}

// PriorOf builds the Prior form of an item together with its encoded
// supplier list.
func PriorOf(it *Item) (Prior, string) {
	js := it.SuppliersJSON()
	return Prior{
		Name:             it.Name,
		OwnPrice:         it.OwnPrice,
		OwnQty:           it.OwnQty,
		RefPrice:         it.RefPrice,
		RefQty:           it.RefQty,
		CheapestPrice:    it.CheapestPrice,
		CheapestQty:      it.CheapestQty,
		CheapestSupplier: it.CheapestSupplier,
		SuppliersSum:     sha256.Sum256([]byte(js)),
		CreatedAt:        it.CreatedAt,
	}, js
}

// Snapshot is one row of the append-only change log.
type Snapshot struct {
	ID               int64   `json:"id"`
	SKU              string  `json:"sku"`
	TS               int64   `json:"ts"`
	OwnPrice         float64 `json:"own_price"`
	OwnQty           float64 `json:"own_qty"`
	RefPrice         float64 `json:"ref_price"`
	RefQty           float64 `json:"ref_qty"`
	CheapestPrice    float64 `json:"cheapest_price"`
	CheapestQty      float64 `json:"cheapest_qty"`
	CheapestSupplier string  `json:"cheapest_supplier"`
}

// Validators are the HTTP cache validators identifying one feed version.
type Validators struct {
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

// IsZero reports whether neither token is set.
func (v Validators) IsZero() bool { return v.ETag == "" && v.LastModified == "" }

// MissingItem is a SKU present in the store but absent from recent feeds,
// staged until an operator confirms or discards its deletion.
type MissingItem struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Misses         int    `json:"misses"`
	FirstMissingAt int64  `json:"first_missing_at"`
	LastRunID      string `json:"last_run_id"`
}

// Run statuses recorded in sync_runs.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunSkipped   = "skipped"
	RunFailed    = "failed"
)

// Run is one row of the sync_runs log.
type Run struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	StartedAt    int64  `json:"started_at"`
	FinishedAt   *int64 `json:"finished_at,omitempty"`
	Processed    int    `json:"processed"`
	Inserted     int    `json:"inserted"`
	Changed      int    `json:"changed"`
	Snapshots    int    `json:"snapshots"`
	Rotated      int64  `json:"rotated"`
	Missing      int    `json:"missing"`
	SharpChanges int    `json:"sharp_changes"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error"`
}

// Status is the summary the status endpoint and CLI report.
type Status struct {
	Items         int        `json:"items"`
	Snapshots     int        `json:"snapshots"`
	StagedMissing int        `json:"staged_missing"`
	LastSyncTS    int64      `json:"last_sync_ts"`
	Downloaded    Validators `json:"downloaded"`
	Processed     Validators `json:"processed"`
	LastRun       *Run       `json:"last_run,omitempty"`
}
