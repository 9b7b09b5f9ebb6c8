package pricesync

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/hazyhaar/pricesync/notify"
	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync/internal/diff"
	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

// Report summarizes one sync run.
type Report struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`

	Downloaded bool  `json:"downloaded"`
	FeedBytes  int64 `json:"feed_bytes"`
	RatesLive  bool  `json:"rates_live"`

	Processed    int                `json:"processed"`
	Skipped      int                `json:"skipped"`
	Inserted     int                `json:"inserted"`
	Changed      int                `json:"changed"`
	Unchanged    int                `json:"unchanged"`
	Snapshots    int                `json:"snapshots"`
	Rotated      int64              `json:"rotated"`
	NewItems     []string           `json:"new_items,omitempty"`
	SharpChanges []diff.SharpChange `json:"sharp_changes,omitempty"`
	Missing      []store.MissingItem `json:"missing,omitempty"`

	// DroppedSuppliers counts malformed supplier entries left out of
	// otherwise valid products.
	DroppedSuppliers int `json:"dropped_suppliers"`

	ItemsInDB int   `json:"items_in_db"`
	DBSize    int64 `json:"db_size"`

	Compacted  bool   `json:"compacted"`
	ArchiveKey string `json:"archive_key,omitempty"`

	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

func (r *Report) sample() observability.RunSample {
	return observability.RunSample{
		Status:       r.Status,
		Duration:     r.Duration,
		Processed:    r.Processed,
		Skipped:      r.Skipped,
		Inserted:     r.Inserted,
		Changed:      r.Changed,
		Snapshots:    r.Snapshots,
		Rotated:      r.Rotated,
		SharpChanges: len(r.SharpChanges),
		Missing:      len(r.Missing),
		ItemsInDB:    r.ItemsInDB,
		DBSizeBytes:  r.DBSize,
		RatesLive:    r.RatesLive,
	}
}

func (r *Report) run(finishedAt time.Time) *store.Run {
	fin := finishedAt.Unix()
	return &store.Run{
		ID:           r.RunID,
		Status:       r.Status,
		StartedAt:    r.StartedAt.Unix(),
		FinishedAt:   &fin,
		Processed:    r.Processed,
		Inserted:     r.Inserted,
		Changed:      r.Changed,
		Snapshots:    r.Snapshots,
		Rotated:      r.Rotated,
		Missing:      len(r.Missing),
		SharpChanges: len(r.SharpChanges),
		DurationMs:   r.Duration.Milliseconds(),
		Error:        r.Error,
	}
}

// formatter renders notification texts. Numbers use thousands separators.
type formatter struct {
	p     *message.Printer
	limit int
}

func newFormatter(limit int) *formatter {
	return &formatter{p: message.NewPrinter(language.English), limit: limit}
}

func (f *formatter) started(host, runID string, at time.Time) notify.Message {
	return notify.Message{
		Kind: notify.KindStarted,
		Text: fmt.Sprintf("🔄 <b>Price sync started</b>\nhost: %s\nrun: <code>%s</code>\nat: %s",
			notify.Escape(host), runID, at.UTC().Format(time.RFC3339)),
	}
}

func (f *formatter) succeeded(r *Report) notify.Message {
	var b strings.Builder
	if r.Status == store.RunSkipped {
		b.WriteString("⏭ <b>Price sync skipped</b>: feed unchanged since the last processed version\n")
	} else {
		b.WriteString("✅ <b>Price sync finished</b>\n")
		b.WriteString(f.p.Sprintf("processed: %d (skipped %d)\n", r.Processed, r.Skipped))
		b.WriteString(f.p.Sprintf("new: %d, changed: %d, unchanged: %d\n", r.Inserted, r.Changed, r.Unchanged))
		b.WriteString(f.p.Sprintf("snapshots: %d written, %d rotated\n", r.Snapshots, r.Rotated))
	}
	b.WriteString(f.p.Sprintf("items in DB: %d, size: %s\n", r.ItemsInDB, humanize.IBytes(uint64(max(r.DBSize, 0)))))
	if !r.RatesLive {
		b.WriteString("rates: fallback table\n")
	}
	fmt.Fprintf(&b, "duration: %s", r.Duration.Round(100*time.Millisecond))
	if len(r.NewItems) > 0 {
		b.WriteString(f.p.Sprintf("\n\n<b>New items</b> (%d):", r.Inserted))
		for _, name := range r.NewItems {
			b.WriteString("\n• " + notify.Sanitize(name))
		}
		if more := r.Inserted - len(r.NewItems); more > 0 {
			b.WriteString(f.p.Sprintf("\n...and %d more", more))
		}
	}
	return notify.Message{Kind: notify.KindSucceeded, Text: b.String()}
}

func (f *formatter) failed(r *Report) notify.Message {
	return notify.Message{
		Kind: notify.KindFailed,
		Text: fmt.Sprintf("❌ <b>Price sync failed</b>\nrun: <code>%s</code>\n<pre>%s</pre>",
			r.RunID, notify.Escape(r.Error)),
	}
}

func (f *formatter) sharp(changes []diff.SharpChange) notify.Message {
	var b strings.Builder
	b.WriteString(f.p.Sprintf("⚠️ <b>Sharp price changes</b> (%d)", len(changes)))
	for i, c := range changes {
		if i == f.limit {
			b.WriteString(f.p.Sprintf("\n...and %d more", len(changes)-i))
			break
		}
		b.WriteString(f.p.Sprintf("\n• %s [%s] %s: %.2f → %.2f (%+.1f%%)",
			notify.Sanitize(c.Name), notify.Sanitize(c.SKU), c.Dimension, c.Old, c.New, c.DeltaPct))
	}
	return notify.Message{Kind: notify.KindSharpChanges, Text: b.String()}
}

func (f *formatter) missing(items []store.MissingItem) notify.Message {
	var b strings.Builder
	b.WriteString(f.p.Sprintf("🗑 <b>Missing from feed</b> (%d)", len(items)))
	for i, m := range items {
		if i == f.limit {
			b.WriteString(f.p.Sprintf("\n...and %d more", len(items)-i))
			break
		}
		b.WriteString(f.p.Sprintf("\n• %s [%s], %d run(s)", notify.Sanitize(m.Name), notify.Sanitize(m.SKU), m.Misses))
	}
	b.WriteString("\n\nDelete with <code>pricesync missing confirm</code>, keep with <code>pricesync missing discard</code>.")
	return notify.Message{Kind: notify.KindMissingItems, Text: b.String()}
}
