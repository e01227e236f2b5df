package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 7, 2, 3, 15, 0, 0, time.UTC)
	next, err := NextRunTime("0 4 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 7, 2, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunTimeInvalidExpr(t *testing.T) {
	if _, err := NextRunTime("not a cron", time.Now()); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestAddJobRejectsBadExpression(t *testing.T) {
	s := NewScheduler(Config{})
	err := s.AddJob("61 * * * *", Job{Name: "bad", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}

func TestTickFiresDueJobsOnce(t *testing.T) {
	now := time.Date(2026, 7, 2, 3, 59, 30, 0, time.UTC)
	s := NewScheduler(Config{nowFn: func() time.Time { return now }})

	var fired atomic.Int64
	if err := s.AddJob("0 4 * * *", Job{
		Name: "refresh",
		Run:  func(context.Context) error { fired.Add(1); return nil },
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	// Before 04:00 nothing is due.
	s.tick(context.Background())
	if fired.Load() != 0 {
		t.Fatal("job fired before its schedule")
	}

	// Cross 04:00: exactly one firing, then the next run moves a day out.
	now = time.Date(2026, 7, 2, 4, 0, 5, 0, time.UTC)
	s.tick(context.Background())
	s.tick(context.Background())
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}

	now = time.Date(2026, 7, 3, 4, 0, 5, 0, time.UTC)
	s.tick(context.Background())
	if got := fired.Load(); got != 2 {
		t.Fatalf("fired = %d, want 2 after next day", got)
	}
}

func TestJobErrorDoesNotStopOthers(t *testing.T) {
	now := time.Date(2026, 7, 2, 3, 59, 0, 0, time.UTC)
	s := NewScheduler(Config{nowFn: func() time.Time { return now }})

	var okFired atomic.Int64
	_ = s.AddJob("0 4 * * *", Job{
		Name: "broken",
		Run:  func(context.Context) error { return errors.New("boom") },
	})
	_ = s.AddJob("0 4 * * *", Job{
		Name: "fine",
		Run:  func(context.Context) error { okFired.Add(1); return nil },
	})

	now = time.Date(2026, 7, 2, 4, 0, 5, 0, time.UTC)
	s.tick(context.Background())
	if okFired.Load() != 1 {
		t.Fatalf("healthy job fired %d times, want 1", okFired.Load())
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(Config{Interval: 10 * time.Millisecond})
	var fired atomic.Int64
	_ = s.AddJob("* * * * *", Job{
		Name: "noop",
		Run:  func(context.Context) error { fired.Add(1); return nil },
	})
	s.Start(context.Background())
	s.Stop()
}
