// Package schedule triggers sync runs periodically inside the serve process.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config configures the scheduler.
type Config struct {
	// Interval between runs. Zero disables the scheduler.
	Interval time.Duration
	// RunOnStart triggers one run immediately.
	RunOnStart bool
	// Busy is the error a trigger returns when a run is already in progress.
	// Such ticks are logged at info level instead of error.
	Busy error
}

// Trigger performs one run.
type Trigger func(ctx context.Context) error

// Scheduler calls a Trigger on a ticker.
type Scheduler struct {
	trigger Trigger
	config  Config
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(trigger Trigger, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{trigger: trigger, config: cfg, logger: logger}
}

// Enabled reports whether an interval is configured.
func (s *Scheduler) Enabled() bool { return s.config.Interval > 0 }

// Run ticks until ctx is cancelled. It returns immediately when disabled.
// Runs never overlap: a tick that fires during a run is dropped by the ticker.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.logger.Info("schedule: started", "interval", s.config.Interval)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedule: stopped")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	err := s.trigger(ctx)
	switch {
	case err == nil:
	case s.config.Busy != nil && errors.Is(err, s.config.Busy):
		s.logger.Info("schedule: run already in progress, tick skipped")
	case ctx.Err() != nil:
	default:
		s.logger.Error("schedule: run failed", "error", err)
	}
}
