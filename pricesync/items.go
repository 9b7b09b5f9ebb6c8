package pricesync

import (
	"context"
	"fmt"

	"github.com/hazyhaar/pricesync/idgen"
	"github.com/hazyhaar/pricesync/pricesync/internal/schedule"
	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

type (
	Item        = store.Item
	Snapshot    = store.Snapshot
	MissingItem = store.MissingItem
	Run         = store.Run
)

// SearchItems runs a full-text search over item names and SKUs.
func (s *Service) SearchItems(ctx context.Context, query string, limit int) ([]*Item, error) {
	return s.store.SearchItems(ctx, query, limit)
}

// Item returns one item with its snapshot history.
func (s *Service) Item(ctx context.Context, sku string) (*Item, []Snapshot, error) {
	it, err := s.store.GetItem(ctx, sku)
	if err != nil {
		return nil, nil, err
	}
	snaps, err := s.store.Snapshots(ctx, sku)
	if err != nil {
		return nil, nil, err
	}
	return it, snaps, nil
}

// Runs lists recorded runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]*Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// GetRun returns one recorded run. A malformed id wraps ErrBadRunID.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	id, err := idgen.ParseRunID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRunID, err)
	}
	return s.store.GetRun(ctx, id)
}

// Schedule runs sync periodically per sync.interval until ctx is cancelled.
// It returns at once when no interval is configured.
func (s *Service) Schedule(ctx context.Context) {
	schedule.New(func(ctx context.Context) error {
		_, err := s.Run(ctx)
		return err
	}, schedule.Config{
		Interval:   s.config.Sync.Interval,
		RunOnStart: s.config.Sync.RunOnStart,
		Busy:       ErrAlreadyRunning,
	}, s.logger).Run(ctx)
}
