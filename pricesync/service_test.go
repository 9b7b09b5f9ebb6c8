package pricesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazyhaar/pricesync/lease"
	"github.com/hazyhaar/pricesync/notify"
	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync/internal/diff"
	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

const feedV1 = `{"catalog":[{"products":[
	{"sku":"A","name":"Alpha","price":100,"quantity":5,
	 "suppliers":[{"name":"S1","product":{"price":10,"quantity":2,"currency":"USD"}}]},
	{"sku":"B","name":"Beta","price":50,"quantity":1}
]}]}`

// A's cheapest doubles, B disappears, C is new.
const feedV2 = `{"catalog":[{"products":[
	{"sku":"A","name":"Alpha","price":100,"quantity":5,
	 "suppliers":[{"name":"S1","product":{"price":20,"quantity":2,"currency":"USD"}}]},
	{"sku":"C","name":"Gamma","price":7,"quantity":1}
]}]}`

// feedServer serves one body with an ETag and honours If-None-Match.
type feedServer struct {
	mu   sync.Mutex
	body string
	etag string
	hits int
}

func (f *feedServer) set(body, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.etag = body, etag
}

func (f *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if r.Header.Get("If-None-Match") == f.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", f.etag)
	io.WriteString(w, f.body)
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

type harness struct {
	svc   *Service
	feed  *feedServer
	sink  *recorder
	now   time.Time
	reg   *prometheus.Registry
	clock sync.Mutex
}

func (h *harness) advance(d time.Duration) {
	h.clock.Lock()
	defer h.clock.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		feed: &feedServer{},
		sink: &recorder{},
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		reg:  prometheus.NewRegistry(),
	}
	h.feed.set(feedV1, `"v1"`)
	feedSrv := httptest.NewServer(h.feed)
	t.Cleanup(feedSrv.Close)
	ratesSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":"success","rates":{"USD":1,"RUB":90}}`)
	}))
	t.Cleanup(ratesSrv.Close)

	dir := t.TempDir()
	cfg := &Config{
		Feed:  FeedConfig{URL: feedSrv.URL, Path: filepath.Join(dir, "price.json")},
		Rates: RatesConfig{URL: ratesSrv.URL},
		Store: StoreConfig{Path: filepath.Join(dir, "priceweb.db")},
	}
	for _, m := range mutate {
		m(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := New(cfg, logger,
		WithSink(h.sink),
		WithMetrics(observability.NewMetrics(h.reg)),
		WithClock(func() time.Time {
			h.clock.Lock()
			defer h.clock.Unlock()
			return h.now
		}),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	h.svc = svc
	return h
}

func TestRun_FirstSyncInsertsEverything(t *testing.T) {
	// WHAT: The first run inserts every item with a snapshot and reports it.
	h := newHarness(t)
	ctx := context.Background()

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != store.RunSucceeded {
		t.Fatalf("status = %q", rep.Status)
	}
	if rep.Processed != 2 || rep.Inserted != 2 || rep.Snapshots != 2 || rep.ItemsInDB != 2 {
		t.Errorf("report = %+v", rep)
	}
	if !rep.Downloaded || !rep.RatesLive {
		t.Errorf("downloaded=%v rates_live=%v", rep.Downloaded, rep.RatesLive)
	}

	a, err := h.svc.Store().GetItem(ctx, "A")
	if err != nil {
		t.Fatalf("get A: %v", err)
	}
	if a.CheapestPrice != 900 || a.CheapestSupplier != "S1" {
		t.Errorf("A cheapest = %v from %q, want 900 from S1", a.CheapestPrice, a.CheapestSupplier)
	}
	if a.CreatedAt != h.now.Unix() {
		t.Errorf("A created_at = %d", a.CreatedAt)
	}

	got := h.sink.kinds()
	want := []notify.Kind{notify.KindStarted, notify.KindSucceeded}
	if !slices.Equal(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}

	run, err := h.svc.Store().GetRun(ctx, rep.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunSucceeded || run.Inserted != 2 {
		t.Errorf("run row = %+v", run)
	}
	exp := `
# HELP pricesync_runs_total Sync runs by final status.
# TYPE pricesync_runs_total counter
pricesync_runs_total{status="succeeded"} 1
`
	if err := testutil.GatherAndCompare(h.reg, strings.NewReader(exp), "pricesync_runs_total"); err != nil {
		t.Errorf("metrics: %v", err)
	}
}

func TestRun_UnchangedFeedIsSkipped(t *testing.T) {
	// WHAT: A second run against the same feed version is skipped via 304.
	// WHY: Re-processing an identical feed would waste a full pass.
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if rep.Status != store.RunSkipped {
		t.Fatalf("status = %q, want skipped", rep.Status)
	}
	if rep.Downloaded || rep.Processed != 0 {
		t.Errorf("report = %+v", rep)
	}
	n, _ := h.svc.Store().CountSnapshots(ctx)
	if n != 2 {
		t.Errorf("snapshots = %d, want 2", n)
	}
}

func TestRun_SameContentNewETagWritesNothing(t *testing.T) {
	// WHAT: A new feed version with identical content is processed but
	// changes nothing.
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	h.feed.set(feedV1, `"v1b"`)
	h.advance(time.Hour)

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if rep.Status != store.RunSucceeded || rep.Processed != 2 || rep.Unchanged != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Inserted+rep.Changed+rep.Snapshots != 0 || rep.Compacted {
		t.Errorf("unexpected writes: %+v", rep)
	}
}

func TestRun_ChangesSharpMovesAndMissing(t *testing.T) {
	// WHAT: A new version updates changed items, flags the sharp move, stages
	// the vanished SKU and sends one notification for each.
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	h.sink.reset()
	h.feed.set(feedV2, `"v2"`)
	h.advance(time.Hour)

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if rep.Inserted != 1 || rep.Changed != 1 || rep.Snapshots != 2 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.SharpChanges) != 1 {
		t.Fatalf("sharp = %+v", rep.SharpChanges)
	}
	sc := rep.SharpChanges[0]
	if sc.SKU != "A" || sc.Dimension != diff.DimCheapestPrice || sc.DeltaPct != 100 {
		t.Errorf("sharp change = %+v", sc)
	}
	if len(rep.Missing) != 1 || rep.Missing[0].SKU != "B" || rep.Missing[0].Misses != 1 {
		t.Errorf("missing = %+v", rep.Missing)
	}

	want := []notify.Kind{notify.KindStarted, notify.KindSucceeded, notify.KindSharpChanges, notify.KindMissingItems}
	if got := h.sink.kinds(); !slices.Equal(got, want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}

	// B stays until an operator confirms.
	if _, err := h.svc.Store().GetItem(ctx, "B"); err != nil {
		t.Fatalf("B deleted before confirmation: %v", err)
	}
	n, err := h.svc.ConfirmMissing(ctx)
	if err != nil || n != 1 {
		t.Fatalf("confirm = %d, %v", n, err)
	}
	if _, err := h.svc.Store().GetItem(ctx, "B"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("B after confirm: %v", err)
	}
}

func TestRun_ParseErrorRollsBack(t *testing.T) {
	// WHAT: A truncated feed fails the run without writing any item, and the
	// version is not marked processed so the next run retries it.
	h := newHarness(t)
	ctx := context.Background()
	h.feed.set(`{"catalog":[{"products":[{"sku":"A","name":"Alpha","price":1},{"sku":"B"`, `"bad"`)

	rep, err := h.svc.Run(ctx)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if rep == nil || rep.Status != store.RunFailed || rep.Error == "" {
		t.Fatalf("report = %+v", rep)
	}
	if n, _ := h.svc.Store().CountItems(ctx); n != 0 {
		t.Errorf("items = %d after rollback", n)
	}
	processed, _ := h.svc.Store().ProcessedValidators(ctx)
	if !processed.IsZero() {
		t.Errorf("processed validators = %+v", processed)
	}
	if got := h.sink.kinds(); !slices.Contains(got, notify.KindFailed) {
		t.Errorf("notifications = %v, want a failure", got)
	}

	h.feed.set(feedV1, `"good"`)
	rep, err = h.svc.Run(ctx)
	if err != nil || rep.Inserted != 2 {
		t.Fatalf("retry: %+v, %v", rep, err)
	}
}

func TestRun_UnchangedButUnprocessedIsRetried(t *testing.T) {
	// WHAT: When the last download failed to process, a 304 on the next run
	// still processes the local copy.
	h := newHarness(t)
	ctx := context.Background()
	if err := h.svc.Store().SetDownloaded(ctx, store.Validators{ETag: `"v1"`}); err != nil {
		t.Fatalf("set downloaded: %v", err)
	}
	// Local copy matching the recorded version.
	if _, err := h.svc.fetcher.Fetch(ctx, h.svc.config.Feed.URL, store.Validators{}, h.svc.config.Feed.Path); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Downloaded || rep.Status != store.RunSucceeded || rep.Inserted != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRun_RetentionRotatesOldSnapshots(t *testing.T) {
	// WHAT: Snapshots older than the retention window are removed by the
	// next processed run.
	h := newHarness(t, func(c *Config) { c.Sync.RetentionDays = 15 })
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	h.feed.set(feedV2, `"v2"`)
	h.advance(20 * 24 * time.Hour)

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if rep.Rotated != 2 {
		t.Errorf("rotated = %d, want 2", rep.Rotated)
	}
	if n, _ := h.svc.Store().CountSnapshots(ctx); n != 2 {
		t.Errorf("snapshots = %d, want 2", n)
	}
}

func TestConfirmMissing_RefusedWhileLeaseHeld(t *testing.T) {
	// WHAT: Confirming deletions is refused while another process holds the
	// run lease, and allowed once it is released.
	// WHY: A CLI confirm must not race a run hosted by serve.
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	h.feed.set(feedV2, `"v2"`)
	h.advance(time.Hour)
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	other := lease.New(h.svc.Store().DB, lease.Options{TTL: time.Minute})
	l, err := other.Acquire(ctx, "other-host/1/x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := h.svc.ConfirmMissing(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("confirm under lease = %v, want ErrAlreadyRunning", err)
	}
	if _, err := h.svc.Store().GetItem(ctx, "B"); err != nil {
		t.Fatalf("B deleted under lease: %v", err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	n, err := h.svc.ConfirmMissing(ctx)
	if err != nil || n != 1 {
		t.Fatalf("confirm = %d, %v; want 1", n, err)
	}
}

func TestRun_LeaseHeldElsewhere(t *testing.T) {
	// WHAT: A live lease held by another process makes Run return
	// ErrAlreadyRunning without touching the store.
	h := newHarness(t)
	ctx := context.Background()

	other := lease.New(h.svc.Store().DB, lease.Options{TTL: time.Minute})
	l, err := other.Acquire(ctx, "other-host/1/x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(ctx)

	rep, err := h.svc.Run(ctx)
	if !errors.Is(err, ErrAlreadyRunning) || rep != nil {
		t.Fatalf("run = %+v, %v; want ErrAlreadyRunning", rep, err)
	}
	h.feed.mu.Lock()
	hits := h.feed.hits
	h.feed.mu.Unlock()
	if hits != 0 {
		t.Errorf("feed fetched %d times", hits)
	}

	st, err := h.svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running || st.Lease == nil || st.Lease.Holder != "other-host/1/x" {
		t.Errorf("status = %+v", st)
	}
}

func TestTrigger_RejectsOverlap(t *testing.T) {
	// WHAT: Trigger starts a background run and refuses a second one while
	// the first is in flight.
	h := newHarness(t)
	ctx := context.Background()

	if err := h.svc.Trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := h.svc.Trigger(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second trigger = %v, want ErrAlreadyRunning", err)
	}
	if _, err := h.svc.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("run during trigger = %v, want ErrAlreadyRunning", err)
	}
	h.svc.wg.Wait()

	if n, _ := h.svc.Store().CountItems(ctx); n != 2 {
		t.Errorf("items = %d after triggered run", n)
	}
}

func TestRun_DownloadFailure(t *testing.T) {
	// WHAT: A feed server error fails the run and is recorded.
	h := newHarness(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	h.svc.config.Feed.URL = srv.URL

	rep, err := h.svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "download") {
		t.Fatalf("err = %v", err)
	}
	last, _ := h.svc.Store().LastRun(context.Background())
	if last == nil || last.ID != rep.RunID || last.Status != store.RunFailed {
		t.Errorf("last run = %+v", last)
	}
}

func TestDiscardMissing(t *testing.T) {
	// WHAT: Discard clears the staging list and keeps the items.
	h := newHarness(t)
	ctx := context.Background()
	h.svc.Run(ctx)
	h.feed.set(feedV2, `"v2"`)
	h.svc.Run(ctx)

	list, err := h.svc.ListMissing(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %+v, %v", list, err)
	}
	n, err := h.svc.DiscardMissing(ctx)
	if err != nil || n != 1 {
		t.Fatalf("discard = %d, %v", n, err)
	}
	if _, err := h.svc.Store().GetItem(ctx, "B"); err != nil {
		t.Errorf("B after discard: %v", err)
	}
	if list, _ := h.svc.ListMissing(ctx); len(list) != 0 {
		t.Errorf("list after discard = %+v", list)
	}
}

func TestFormatter_TruncatesLongLists(t *testing.T) {
	// WHAT: Lists beyond the limit end with a "...and N more" line.
	f := newFormatter(3)
	var changes []diff.SharpChange
	for i := range 5 {
		changes = append(changes, diff.SharpChange{SKU: fmt.Sprintf("S%d", i), Name: "<b>Drill</b> & co", Dimension: diff.DimRefPrice, Old: 1000, New: 2000, DeltaPct: 100})
	}
	msg := f.sharp(changes)
	if got := strings.Count(msg.Text, "\n• "); got != 3 {
		t.Errorf("lines = %d, want 3", got)
	}
	if !strings.Contains(msg.Text, "...and 2 more") {
		t.Errorf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "• Drill &amp; co [S0]") || !strings.Contains(msg.Text, "1,000.00") {
		t.Errorf("escaping or grouping missing: %q", msg.Text)
	}
}

func TestRun_BadSupplierEntryDoesNotStageItem(t *testing.T) {
	// WHAT: A known SKU whose feed record carries one malformed supplier
	// entry is updated from its valid suppliers and is not staged as missing.
	// WHY: Staging it would let "missing confirm" delete a live item over a
	// single bad offer.
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}

	h.feed.set(`{"catalog":[{"products":[
		{"sku":"A","name":"Alpha","price":100,"quantity":5,
		 "suppliers":[{"name":"S1","product":{"price":20,"quantity":2,"currency":"USD"}},"junk",{"name":"S2","product":[1]}]},
		{"sku":"B","name":"Beta","price":50,"quantity":1}
	]}]}`, `"v3"`)
	h.advance(time.Hour)

	rep, err := h.svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if rep.Processed != 2 || rep.Skipped != 0 || rep.Changed != 1 || rep.DroppedSuppliers != 2 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Missing) != 0 {
		t.Errorf("missing = %+v, want none", rep.Missing)
	}
	staged, err := h.svc.ListMissing(ctx)
	if err != nil {
		t.Fatalf("list missing: %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("staged = %+v, want none", staged)
	}
	a, err := h.svc.Store().GetItem(ctx, "A")
	if err != nil {
		t.Fatalf("get A: %v", err)
	}
	if a.CheapestPrice != 1800 || len(a.Suppliers) != 1 {
		t.Errorf("A = %+v", a)
	}
}
