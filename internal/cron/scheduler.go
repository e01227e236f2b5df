// Package cron runs in-process maintenance jobs on cron schedules,
// like the nightly status directory refresh.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named unit of scheduled work. Errors are logged, never
// fatal.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type scheduled struct {
	job     Job
	expr    string
	sched   cronlib.Schedule
	nextRun time.Time
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
	// nowFn is swappable in tests.
	nowFn func() time.Time
}

// Scheduler ticks at a coarse interval and fires every job whose cron
// schedule has come due since the last tick.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	nowFn    func() time.Time

	mu   sync.Mutex
	jobs []*scheduled

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.nowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		nowFn:    nowFn,
	}
}

// AddJob registers a job under a cron expression. The first run is the
// next matching time after registration, never immediately.
func (s *Scheduler) AddJob(expr string, job Job) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduled{
		job:     job,
		expr:    expr,
		sched:   sched,
		nextRun: sched.Next(s.nowFn()),
	})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFn()
	s.mu.Lock()
	var due []*scheduled
	for _, sc := range s.jobs {
		if !now.Before(sc.nextRun) {
			due = append(due, sc)
			sc.nextRun = sc.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, sc := range due {
		s.fire(ctx, sc)
	}
}

func (s *Scheduler) fire(ctx context.Context, sc *scheduled) {
	start := s.nowFn()
	if err := sc.job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", sc.job.Name, "error", err)
		return
	}
	s.logger.Info("cron: job fired",
		"job", sc.job.Name,
		"duration", time.Since(start).String(),
		"next_run_at", sc.nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
