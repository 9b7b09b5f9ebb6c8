// Package diff decides, item by item, what a sync pass writes: new SKUs are
// inserted, changed SKUs updated, and both get a snapshot. Unchanged SKUs
// cost nothing. After the feed is exhausted the engine knows which stored
// SKUs were never seen.
package diff

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

// Writer receives the writes of a pass. *store.Tx implements it.
type Writer interface {
	InsertItem(ctx context.Context, it *store.Item, suppliersJSON string) error
	UpdateItem(ctx context.Context, it *store.Item, suppliersJSON string) error
	AppendSnapshot(ctx context.Context, it *store.Item) error
}

// Outcome is the classification of one applied item.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Changed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "new"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// Dimensions checked for sharp changes.
const (
	DimRefPrice      = "ref_price"
	DimCheapestPrice = "cheapest_price"
)

// SharpChange is a price move at or above the configured threshold.
type SharpChange struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Dimension string  `json:"dimension"`
	Old       float64 `json:"old"`
	New       float64 `json:"new"`
	DeltaPct  float64 `json:"delta_pct"`
}

// Options tunes the engine.
type Options struct {
	SharpThreshold float64 // percent. Default: 30.
	NewSampleSize  int     // names kept for the report. Default: 10.
}

func (o *Options) defaults() {
	if o.SharpThreshold <= 0 {
		o.SharpThreshold = 30
	}
	if o.NewSampleSize <= 0 {
		o.NewSampleSize = 10
	}
}

// Stats are the counters of a pass so far.
type Stats struct {
	Processed    int
	Inserted     int
	Changed      int
	Unchanged    int
	Snapshots    int
	NewItems     []string
	SharpChanges []SharpChange
}

// Engine applies normalized items against the prior state.
type Engine struct {
	w     Writer
	prior map[string]store.Prior
	seen  map[string]struct{}
	opts  Options
	stats Stats
}

// New creates an engine. prior is owned by the engine from here on: it is
// updated with every write so that a SKU repeated later in the same feed is
// compared against what this pass already wrote.
func New(w Writer, prior map[string]store.Prior, opts Options) *Engine {
	opts.defaults()
	if prior == nil {
		prior = make(map[string]store.Prior)
	}
	return &Engine{
		w:     w,
		prior: prior,
		seen:  make(map[string]struct{}, len(prior)),
		opts:  opts,
	}
}

// Apply classifies it and performs the corresponding writes.
func (e *Engine) Apply(ctx context.Context, it *store.Item) (Outcome, error) {
	next, js := store.PriorOf(it)
	prev, ok := e.prior[it.SKU]
	e.seen[it.SKU] = struct{}{}
	e.stats.Processed++

	if !ok {
		if err := e.w.InsertItem(ctx, it, js); err != nil {
			return Unchanged, err
		}
		if err := e.w.AppendSnapshot(ctx, it); err != nil {
			return Unchanged, err
		}
		e.prior[it.SKU] = next
		e.stats.Inserted++
		e.stats.Snapshots++
		if len(e.stats.NewItems) < e.opts.NewSampleSize {
			e.stats.NewItems = append(e.stats.NewItems, it.Name)
		}
		return Inserted, nil
	}

	if same(prev, next) {
		e.stats.Unchanged++
		return Unchanged, nil
	}

	it.CreatedAt = prev.CreatedAt
	next.CreatedAt = prev.CreatedAt
	if err := e.w.UpdateItem(ctx, it, js); err != nil {
		return Unchanged, err
	}
	if err := e.w.AppendSnapshot(ctx, it); err != nil {
		return Unchanged, err
	}
	e.prior[it.SKU] = next
	e.stats.Changed++
	e.stats.Snapshots++

	e.checkSharp(it, DimRefPrice, prev.RefPrice, next.RefPrice)
	e.checkSharp(it, DimCheapestPrice, prev.CheapestPrice, next.CheapestPrice)
	return Changed, nil
}

// same compares every tracked field. CreatedAt is not tracked.
func same(a, b store.Prior) bool {
	return a.Name == b.Name &&
		a.OwnPrice == b.OwnPrice &&
		a.OwnQty == b.OwnQty &&
		a.RefPrice == b.RefPrice &&
		a.RefQty == b.RefQty &&
		a.CheapestPrice == b.CheapestPrice &&
		a.CheapestQty == b.CheapestQty &&
		a.CheapestSupplier == b.CheapestSupplier &&
		a.SuppliersSum == b.SuppliersSum
}

func (e *Engine) checkSharp(it *store.Item, dim string, old, cur float64) {
	if old <= 0 || cur <= 0 {
		return
	}
	pct := (cur - old) / old * 100
	if math.Abs(pct) < e.opts.SharpThreshold {
		return
	}
	e.stats.SharpChanges = append(e.stats.SharpChanges, SharpChange{
		SKU:       it.SKU,
		Name:      it.Name,
		Dimension: dim,
		Old:       old,
		New:       cur,
		DeltaPct:  math.Round(pct*10) / 10,
	})
}

// Missing returns the SKUs known before the pass that the feed never
// mentioned, sorted by SKU. Call it after the feed is exhausted.
func (e *Engine) Missing() []store.MissingItem {
	var out []store.MissingItem
	for sku, p := range e.prior {
		if _, ok := e.seen[sku]; ok {
			continue
		}
		out = append(out, store.MissingItem{SKU: sku, Name: p.Name})
	}
	slices.SortFunc(out, func(a, b store.MissingItem) int { return strings.Compare(a.SKU, b.SKU) })
	return out
}

// Stats returns the counters so far.
func (e *Engine) Stats() Stats { return e.stats }
