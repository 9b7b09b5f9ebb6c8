package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_Ticks(t *testing.T) {
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(func(context.Context) error {
		if n.Add(1) >= 3 {
			cancel()
		}
		return nil
	}, Config{Interval: 10 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if n.Load() < 3 {
		t.Errorf("triggers = %d, want >= 3", n.Load())
	}
}

func TestRun_RunOnStart(t *testing.T) {
	// WHAT: RunOnStart fires before the first tick.
	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(func(context.Context) error {
		n.Add(1)
		cancel()
		return errors.New("ignored")
	}, Config{Interval: time.Hour, RunOnStart: true}, nil)

	s.Run(ctx)
	if n.Load() != 1 {
		t.Errorf("triggers = %d, want 1", n.Load())
	}
}

func TestRun_Disabled(t *testing.T) {
	s := New(func(context.Context) error {
		t.Error("disabled scheduler fired")
		return nil
	}, Config{}, nil)
	if s.Enabled() {
		t.Error("zero interval should disable")
	}
	s.Run(context.Background())
}
