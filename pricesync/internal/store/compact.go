package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// CompactResult reports the outcome of a best-effort VACUUM.
type CompactResult struct {
	Ran        bool
	Skipped    string
	SizeBefore int64
	SizeAfter  int64
	FreeBytes  uint64
	Duration   time.Duration
	Err        error
}

// FreeSpaceFactor is the free-space multiple of the database size required
// before VACUUM is attempted. VACUUM writes a full copy of the database.
const FreeSpaceFactor = 1.5

// diskFree returns the bytes available to unprivileged users on the
// filesystem holding dir.
var diskFree = func(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Compact runs VACUUM on a dedicated connection. It never fails the caller:
// problems are logged and reported in the result.
func (s *Store) Compact(ctx context.Context, logger *slog.Logger) CompactResult {
	if logger == nil {
		logger = slog.Default()
	}
	var res CompactResult

	if s.path == "" || s.path == ":memory:" {
		res.Skipped = "in-memory database"
		return res
	}

	size, err := s.Size()
	if err != nil {
		res.Err = err
		logger.Warn("compact: size check failed", "error", err)
		return res
	}
	res.SizeBefore = size

	free, err := diskFree(filepath.Dir(s.path))
	if err != nil {
		res.Err = fmt.Errorf("store: statfs: %w", err)
		logger.Warn("compact: free space check failed", "error", err)
		return res
	}
	res.FreeBytes = free
	if float64(free) < float64(size)*FreeSpaceFactor {
		res.Skipped = "insufficient free space"
		logger.Warn("compact: skipped",
			"reason", res.Skipped,
			"db_size", humanize.IBytes(uint64(size)),
			"free", humanize.IBytes(free))
		return res
	}

	conn, err := s.DB.Conn(ctx)
	if err != nil {
		res.Err = fmt.Errorf("store: conn: %w", err)
		logger.Warn("compact: acquire connection failed", "error", err)
		return res
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		res.Err = fmt.Errorf("store: vacuum: %w", err)
		logger.Warn("compact: vacuum failed", "error", err)
		return res
	}
	res.Ran = true
	res.Duration = time.Since(start)
	res.SizeAfter, _ = s.Size()

	logger.Info("compact: done",
		"before", humanize.IBytes(uint64(res.SizeBefore)),
		"after", humanize.IBytes(uint64(res.SizeAfter)),
		"duration", res.Duration)
	return res
}
