// Package lease implements a named advisory lease backed by SQLite.
//
// A lease row is owned by one holder until it expires. The holder renews it
// in the background while working and deletes it when done. If the holder
// crashes the row simply expires and the next Acquire takes it over, so a
// killed process never blocks later runs for longer than the TTL.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS sync_lease (
//	    name        TEXT PRIMARY KEY,
//	    holder      TEXT NOT NULL,
//	    acquired_at INTEGER NOT NULL,  -- milliseconds since epoch
//	    expires_at  INTEGER NOT NULL   -- milliseconds since epoch
//	);
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrHeld is returned by Acquire when another holder owns a live lease.
	ErrHeld = errors.New("lease: held by another holder")
	// ErrLost is returned by Renew when the lease expired and was taken over.
	ErrLost = errors.New("lease: lost")
)

// Options configures lease behaviour.
type Options struct {
	// Name identifies the lease. Default: "sync".
	Name string
	// TTL is how long a lease lives without renewal. Default: 10m.
	TTL time.Duration
	// RenewEvery is the background renewal period. Default: TTL/3.
	RenewEvery time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "sync"
	}
	if o.TTL <= 0 {
		o.TTL = 10 * time.Minute
	}
	if o.RenewEvery <= 0 {
		o.RenewEvery = o.TTL / 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager hands out leases of one name.
type Manager struct {
	db   *sql.DB
	opts Options
}

// New creates a lease manager. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Manager {
	opts.defaults()
	return &Manager{db: db, opts: opts}
}

// EnsureTable creates the sync_lease table if it doesn't exist.
func (m *Manager) EnsureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_lease (
			name        TEXT PRIMARY KEY,
			holder      TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("lease: ensure table: %w", err)
	}
	return nil
}

// Info describes the current owner of a lease.
type Info struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Current returns the live lease, or nil when nobody holds it.
func (m *Manager) Current(ctx context.Context) (*Info, error) {
	var (
		in         Info
		acq, expAt int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT name, holder, acquired_at, expires_at FROM sync_lease
		 WHERE name = ? AND expires_at > ?`,
		m.opts.Name, time.Now().UnixMilli(),
	).Scan(&in.Name, &in.Holder, &acq, &expAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: current: %w", err)
	}
	in.AcquiredAt = time.UnixMilli(acq)
	in.ExpiresAt = time.UnixMilli(expAt)
	return &in, nil
}

// Acquire takes the lease for holder if it is free, expired, or already
// held by holder. It returns ErrHeld otherwise. The returned Lease renews
// itself until Release.
func (m *Manager) Acquire(ctx context.Context, holder string) (*Lease, error) {
	now := time.Now()
	expires := now.Add(m.opts.TTL).UnixMilli()

	var got string
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO sync_lease (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_lease.expires_at <= ? OR sync_lease.holder = excluded.holder
		RETURNING holder`,
		m.opts.Name, holder, now.UnixMilli(), expires, now.UnixMilli(),
	).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, fmt.Errorf("lease: acquire: %w", err)
	}

	l := &Lease{
		m:      m,
		holder: holder,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

// Lease is a held lease.
type Lease struct {
	m      *Manager
	holder string

	lost     atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Holder returns the holder ID this lease was acquired for.
func (l *Lease) Holder() string { return l.holder }

// Lost reports whether a renewal found the lease taken over.
func (l *Lease) Lost() bool { return l.lost.Load() }

// Renew pushes the expiry forward by the TTL.
func (l *Lease) Renew(ctx context.Context) error {
	res, err := l.m.db.ExecContext(ctx,
		`UPDATE sync_lease SET expires_at = ? WHERE name = ? AND holder = ?`,
		time.Now().Add(l.m.opts.TTL).UnixMilli(), l.m.opts.Name, l.holder)
	if err != nil {
		return fmt.Errorf("lease: renew: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.lost.Store(true)
		return ErrLost
	}
	return nil
}

func (l *Lease) keepAlive() {
	defer close(l.done)
	log := l.m.opts.Logger
	ticker := time.NewTicker(l.m.opts.RenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.m.opts.RenewEvery)
			err := l.Renew(ctx)
			cancel()
			if errors.Is(err, ErrLost) {
				log.Error("lease: lost", "name", l.m.opts.Name, "holder", l.holder)
				return
			}
			if err != nil {
				log.Warn("lease: renew failed", "error", err, "name", l.m.opts.Name)
			}
		}
	}
}

// Release stops renewal and deletes the lease row if this holder still owns
// it. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	_, err := l.m.db.ExecContext(ctx,
		`DELETE FROM sync_lease WHERE name = ? AND holder = ?`, l.m.opts.Name, l.holder)
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}
