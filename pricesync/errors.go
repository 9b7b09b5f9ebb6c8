package pricesync

import (
	"errors"

	"github.com/hazyhaar/pricesync/pricesync/internal/store"
)

var (
	// ErrAlreadyRunning is returned when a sync run is already in progress in
	// this process or in another process sharing the database.
	ErrAlreadyRunning = errors.New("pricesync: sync already running")
	// ErrFeedMissing is returned when the server reports the feed unchanged
	// but no local copy exists to process.
	ErrFeedMissing = errors.New("pricesync: feed file missing")
	// ErrLeaseLost is returned when the run lease was taken over before the
	// pass could commit.
	ErrLeaseLost = errors.New("pricesync: run lease lost")
	// ErrBadRunID is returned by GetRun for an id that is not a run ID.
	ErrBadRunID = errors.New("pricesync: malformed run id")
)

// ErrNotFound is returned by Item and GetRun for an unknown key.
var ErrNotFound = store.ErrNotFound
