// Package pricesync keeps a local SQLite catalog in step with a supplier
// price feed.
//
// One run downloads the feed with conditional GET, skips it when the version
// was already processed, streams it record by record, normalizes prices into
// the base currency and applies the differences to the store inside a single
// transaction. Every insert or change appends a snapshot; snapshots older than
// the retention window are rotated out. SKUs absent from the feed are staged
// for an operator decision instead of being deleted.
//
// Usage:
//
//	svc, err := pricesync.New(cfg, logger)
//	defer svc.Close()
//	report, err := svc.Run(ctx)
package pricesync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pricesync/dbopen"
	"github.com/hazyhaar/pricesync/idgen"
	"github.com/hazyhaar/pricesync/lease"
	"github.com/hazyhaar/pricesync/notify"
	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync/internal/archive"
	"github.com/hazyhaar/pricesync/pricesync/internal/catalog"
	"github.com/hazyhaar/pricesync/pricesync/internal/diff"
	"github.com/hazyhaar/pricesync/pricesync/internal/fetch"
	"github.com/hazyhaar/pricesync/pricesync/internal/rates"
	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

// Service runs sync passes against one database.
type Service struct {
	config  *Config
	logger  *slog.Logger
	store   *store.Store
	fetcher *fetch.Fetcher
	rates   *rates.Client
	sink    notify.Sink
	archive archive.Store
	leases  *lease.Manager
	metrics *observability.Metrics
	format  *formatter
	client  *http.Client
	now     func() time.Time
	holder  string
	host    string

	running atomic.Bool
	wg      sync.WaitGroup

	// life bounds runs started without a caller context (MCP triggers).
	life   context.Context
	cancel context.CancelFunc
}

// Option customizes a Service.
type Option func(*Service)

// WithSink replaces the notification sink built from the config.
func WithSink(s notify.Sink) Option { return func(svc *Service) { svc.sink = s } }

// WithMetrics records runs into m.
func WithMetrics(m *observability.Metrics) Option { return func(svc *Service) { svc.metrics = m } }

// WithHTTPClient sets the client used for the feed, rates and Telegram.
func WithHTTPClient(c *http.Client) Option { return func(svc *Service) { svc.client = c } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

// WithArchive replaces the archive store built from the config.
func WithArchive(a archive.Store) Option { return func(svc *Service) { svc.archive = a } }

// New creates a Service. It opens (or creates) the database, prepares the
// run lease and builds the notification sink and archive store.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		config: cfg,
		logger: logger,
		format: newFormatter(cfg.Notify.ListLimit),
		now:    time.Now,
		holder: idgen.Holder(),
	}
	svc.host, _ = os.Hostname()
	svc.life, svc.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(svc)
	}

	var dbOpts []dbopen.Option
	if cfg.Store.BusyTimeoutMs > 0 {
		dbOpts = append(dbOpts, dbopen.WithBusyTimeout(cfg.Store.BusyTimeoutMs))
	}
	if cfg.Store.CacheSizeKiB > 0 {
		dbOpts = append(dbOpts, dbopen.WithCacheSize(-cfg.Store.CacheSizeKiB))
	}
	if cfg.Store.Synchronous != "" {
		dbOpts = append(dbOpts, dbopen.WithSynchronous(strings.ToUpper(cfg.Store.Synchronous)))
	}
	s, err := store.Open(cfg.Store.Path, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("pricesync: open store: %w", err)
	}
	svc.store = s

	svc.leases = lease.New(s.DB, lease.Options{TTL: cfg.Sync.LeaseTTL, Logger: logger})
	if err := svc.leases.EnsureTable(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	svc.fetcher = fetch.New(fetch.Config{
		Timeout:   cfg.Feed.Timeout,
		MaxBytes:  cfg.Feed.MaxBytes,
		UserAgent: cfg.Feed.UserAgent,
		Client:    svc.client,
	})
	svc.rates = rates.New(rates.Config{
		URL:      cfg.Rates.URL,
		Base:     cfg.Rates.Base,
		Timeout:  cfg.Rates.Timeout,
		Fallback: cfg.Rates.Fallback,
		Client:   svc.client,
		Logger:   logger,
	})

	if svc.sink == nil {
		if cfg.Notify.TelegramToken != "" {
			tg, err := notify.NewTelegram(notify.TelegramConfig{
				BotToken: cfg.Notify.TelegramToken,
				ChatID:   cfg.Notify.TelegramChatID,
				Silent:   cfg.Notify.Silent,
				APIBase:  cfg.Notify.TelegramAPI,
				Client:   svc.client,
			})
			if err != nil {
				s.Close()
				return nil, err
			}
			svc.sink = tg
		} else {
			svc.sink = notify.Log{Logger: logger}
		}
	}

	if svc.archive == nil {
		a, err := archive.Open(context.Background(), cfg.Archive)
		if err != nil {
			s.Close()
			return nil, err
		}
		svc.archive = a
	}

	return svc, nil
}

// Store returns the underlying store.
func (s *Service) Store() *store.Store { return s.store }

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.config }

// Running reports whether this process is running a sync.
func (s *Service) Running() bool { return s.running.Load() }

// Close cancels runs started over MCP, waits for background runs started by
// Trigger and closes the store.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.store.Close()
}

// Run performs one sync run and returns its report. The report is non-nil
// whenever a run was started, including failed runs. ErrAlreadyRunning is
// returned without a report when another run holds the lease.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

// Trigger starts a run in the background and returns immediately.
// ctx bounds the run, so pass a server-lifetime context rather than a
// request context.
func (s *Service) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.run(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("pricesync: triggered run failed", "error", err)
		}
	}()
	return nil
}

func (s *Service) run(ctx context.Context) (rep *Report, err error) {
	l, err := s.leases.Acquire(ctx, s.holder)
	if errors.Is(err, lease.ErrHeld) || dbopen.IsBusy(err) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("pricesync: acquire lease: %w", err)
	}
	// Cleanup and reporting must survive cancellation of the run.
	bg := context.WithoutCancel(ctx)
	defer l.Release(bg)

	start := s.now()
	rep = &Report{RunID: idgen.RunID(), Status: store.RunRunning, StartedAt: start}
	log := s.logger.With("run_id", rep.RunID)
	log.Info("sync started", "url", s.config.Feed.URL, "holder", s.holder)

	s.metrics.RunStarted()
	if err := s.store.StartRun(ctx, rep.RunID, start.Unix()); err != nil {
		log.Warn("sync: record run start", "error", err)
	}
	s.send(bg, log, s.format.started(s.host, rep.RunID, start))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pricesync: panic: %v\n%s", r, debug.Stack())
		}
		s.finish(bg, log, rep, err)
	}()

	return rep, s.pass(ctx, log, rep, l)
}

// pass is the body of a run. Everything it writes to items, snapshots,
// missing_items and the processed validators commits together or not at all.
func (s *Service) pass(ctx context.Context, log *slog.Logger, rep *Report, l *lease.Lease) error {
	cfg := s.config

	rt := s.rates.Fetch(ctx)
	rep.RatesLive = rt.Live

	prev, err := s.store.DownloadedValidators(ctx)
	if err != nil {
		return err
	}
	res, err := s.fetcher.Fetch(ctx, cfg.Feed.URL, prev, cfg.Feed.Path)
	if err != nil {
		return fmt.Errorf("pricesync: download: %w", err)
	}
	rep.Downloaded = res.Changed
	rep.FeedBytes = res.Bytes
	if res.Changed {
		log.Info("sync: feed downloaded", "bytes", res.Bytes, "etag", res.Validators.ETag,
			"last_modified", res.Validators.LastModified)
		if err := s.store.SetDownloaded(ctx, res.Validators); err != nil {
			log.Warn("sync: record download validators", "error", err)
		}
	} else {
		log.Info("sync: feed not modified")
	}

	processed, err := s.store.ProcessedValidators(ctx)
	if err != nil {
		return err
	}
	if res.Validators == processed && (!processed.IsZero() || !res.Changed) {
		log.Info("sync: feed version already processed, skipping")
		rep.Status = store.RunSkipped
		return nil
	}

	f, err := os.Open(cfg.Feed.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrFeedMissing
	}
	if err != nil {
		return fmt.Errorf("pricesync: open feed: %w", err)
	}
	defer f.Close()

	prior, err := s.store.LoadPrior(ctx)
	if err != nil {
		return err
	}
	log.Info("sync: prior state loaded", "items", len(prior))

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	engine := diff.New(tx, prior, diff.Options{
		SharpThreshold: cfg.Sync.SharpThreshold,
		NewSampleSize:  cfg.Sync.NewSampleSize,
	})
	nopts := catalog.NormalizeOptions{
		ReferenceSupplier: cfg.Sync.ReferenceSupplier,
		BaseCurrency:      cfg.Rates.Base,
		Now:               now.Unix(),
	}

	for p, err := range catalog.Stream(bufio.NewReaderSize(f, 1<<20)) {
		if err != nil {
			return fmt.Errorf("pricesync: parse feed: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.DroppedSuppliers > 0 {
			rep.DroppedSuppliers += p.DroppedSuppliers
			log.Debug("sync: malformed supplier entries dropped", "sku", string(p.SKU), "count", p.DroppedSuppliers)
		}
		it := catalog.Normalize(p, rt, nopts)
		if it == nil {
			rep.Skipped++
			if p.Malformed {
				log.Debug("sync: malformed product skipped", "raw", string(p.Raw))
			}
			continue
		}
		if _, err := engine.Apply(ctx, it); err != nil {
			return err
		}
		if n := engine.Stats().Processed; n%cfg.Sync.ProgressEvery == 0 {
			st := engine.Stats()
			log.Info("sync: progress", "processed", n, "inserted", st.Inserted,
				"changed", st.Changed, "skipped", rep.Skipped)
		}
	}

	st := engine.Stats()
	rep.Processed = st.Processed
	rep.Inserted = st.Inserted
	rep.Changed = st.Changed
	rep.Unchanged = st.Unchanged
	rep.Snapshots = st.Snapshots
	rep.NewItems = st.NewItems
	rep.SharpChanges = st.SharpChanges

	staged, err := tx.StageMissing(ctx, engine.Missing(), rep.RunID, now.Unix())
	if err != nil {
		return err
	}
	for _, m := range staged {
		if m.Misses >= cfg.Sync.MissingMinMisses {
			rep.Missing = append(rep.Missing, m)
		}
	}

	cutoff := now.Add(-time.Duration(cfg.Sync.RetentionDays) * 24 * time.Hour).Unix()
	if rep.Rotated, err = tx.RotateSnapshots(ctx, cutoff); err != nil {
		return err
	}

	if l.Lost() {
		return ErrLeaseLost
	}
	if err := tx.MarkProcessed(ctx, res.Validators, now.Unix()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("sync: committed", "processed", rep.Processed, "inserted", rep.Inserted,
		"changed", rep.Changed, "snapshots", rep.Snapshots, "rotated", rep.Rotated,
		"missing", len(rep.Missing), "skipped", rep.Skipped, "dropped_suppliers", rep.DroppedSuppliers)

	if !cfg.Sync.SkipCompact && rep.Inserted+rep.Changed+rep.Snapshots > 0 {
		cr := s.store.Compact(ctx, log)
		rep.Compacted = cr.Ran && cr.Err == nil
	}

	if s.archive != nil {
		ar := archive.Feed(ctx, s.archive, cfg.Feed.Path, archive.Key(cfg.Archive.Prefix, rep.RunID, rep.StartedAt))
		if ar.Err != nil {
			log.Warn("sync: archive feed", "key", ar.Key, "error", ar.Err)
		} else {
			rep.ArchiveKey = ar.Key
			log.Info("sync: feed archived", "driver", s.archive.Driver(), "key", ar.Key, "bytes", ar.Bytes)
		}
	}

	rep.Status = store.RunSucceeded
	return nil
}

// finish records the outcome of a run and sends the closing notifications.
func (s *Service) finish(ctx context.Context, log *slog.Logger, rep *Report, err error) {
	if err != nil {
		rep.Status = store.RunFailed
		rep.Error = err.Error()
	}

	if n, cerr := s.store.CountItems(ctx); cerr == nil {
		rep.ItemsInDB = n
	}
	if size, serr := s.store.Size(); serr == nil {
		rep.DBSize = size
	}
	end := s.now()
	rep.Duration = end.Sub(rep.StartedAt)

	if ferr := s.store.FinishRun(ctx, rep.run(end)); ferr != nil {
		log.Warn("sync: record run finish", "error", ferr)
	}
	s.metrics.RunFinished(rep.sample())

	if err != nil {
		log.Error("sync failed", "error", err, "duration", rep.Duration)
		s.send(ctx, log, s.format.failed(rep))
		return
	}
	log.Info("sync finished", "status", rep.Status, "duration", rep.Duration,
		"items_in_db", rep.ItemsInDB, "db_size", rep.DBSize)
	s.send(ctx, log, s.format.succeeded(rep))
	if len(rep.SharpChanges) > 0 {
		s.send(ctx, log, s.format.sharp(rep.SharpChanges))
	}
	if len(rep.Missing) > 0 {
		s.send(ctx, log, s.format.missing(rep.Missing))
	}
}

func (s *Service) send(ctx context.Context, log *slog.Logger, msg notify.Message) {
	if err := s.sink.Send(ctx, msg); err != nil {
		log.Warn("notify: send failed", "kind", string(msg.Kind), "error", err)
	}
}

// Status reports the store summary together with the run state.
type Status struct {
	*store.Status
	Running bool        `json:"running"`
	Lease   *lease.Info `json:"lease,omitempty"`
	DBPath  string      `json:"db_path"`
	DBSize  int64       `json:"db_size"`
}

// Status returns the current service status.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st, err := s.store.Status(ctx)
	if err != nil {
		return nil, err
	}
	in, err := s.leases.Current(ctx)
	if err != nil {
		return nil, err
	}
	size, _ := s.store.Size()
	return &Status{
		Status:  st,
		Running: s.Running() || in != nil,
		Lease:   in,
		DBPath:  s.store.Path(),
		DBSize:  size,
	}, nil
}

// ListMissing returns the staged SKUs that reached the configured miss count.
func (s *Service) ListMissing(ctx context.Context) ([]store.MissingItem, error) {
	return s.store.ListMissing(ctx, s.config.Sync.MissingMinMisses)
}

// ConfirmMissing deletes the staged SKUs that reached the configured miss
// count, with their snapshots. It returns ErrAlreadyRunning while any process
// holds the run lease.
func (s *Service) ConfirmMissing(ctx context.Context) (int, error) {
	if s.Running() {
		return 0, ErrAlreadyRunning
	}
	held, err := s.leases.Current(ctx)
	if err != nil {
		return 0, err
	}
	if held != nil {
		return 0, ErrAlreadyRunning
	}
	n, err := s.store.ConfirmMissing(ctx, s.config.Sync.MissingMinMisses)
	if err != nil {
		return 0, err
	}
	s.logger.Info("missing: deletion confirmed", "items", n)
	return n, nil
}

// DiscardMissing clears the staging list without deleting any item.
func (s *Service) DiscardMissing(ctx context.Context) (int, error) {
	n, err := s.store.DiscardMissing(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("missing: staging discarded", "items", n)
	return n, nil
}
