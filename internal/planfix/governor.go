package planfix

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/basket/planbot/internal/otel"
)

const (
	// cooldownMargin is added on top of the provider's reset hint.
	cooldownMargin = 15 * time.Second
	// defaultCooldown applies when a throttle response carries no hint.
	defaultCooldown = 120 * time.Second

	jitterFloor = 50 * time.Millisecond
	jitterSpan  = 200 * time.Millisecond
)

// Outcome is what a governed call reports back about rate-limit signals
// observed on the wire. The governor owns the reaction; the caller only
// describes what it saw.
type Outcome struct {
	// Throttled is true for a provider throttle response (HTTP 403, code 22).
	Throttled bool
	// ResetHint is the provider's raw timeToReset value. Values above
	// 1000 are milliseconds, smaller values are seconds. 0 means absent.
	ResetHint float64
	// Remaining mirrors X-RateLimit-Remaining; -1 when the header is absent.
	Remaining int
}

// GovernorOptions configures a Governor. Zero fields fall back to the
// provider's documented limits.
type GovernorOptions struct {
	MaxConcurrency int
	MinInterval    time.Duration
	DailyLimit     int
	MaxRetries     int
	Logger         *slog.Logger
	Metrics        *otel.Metrics
}

// Governor serializes access to the Planfix API for the whole process:
// bounded concurrency, minimum spacing with jitter, a daily quota that
// resets at local midnight, and a global cooldown entered whenever the
// provider throttles. One instance is shared by every caller.
type Governor struct {
	permits     chan struct{}
	minInterval time.Duration
	dailyLimit  int
	maxRetries  int
	logger      *slog.Logger
	metrics     *otel.Metrics

	nowFn    func() time.Time
	sleepFn  func(context.Context, time.Duration) error
	jitterFn func() time.Duration

	mu            sync.Mutex
	nextSlot      time.Time
	cooldownUntil time.Time
	usedToday     int
	day           string
	lastRemaining int
}

func NewGovernor(opts GovernorOptions) *Governor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 3
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = 20000
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Governor{
		permits:       make(chan struct{}, opts.MaxConcurrency),
		minInterval:   opts.MinInterval,
		dailyLimit:    opts.DailyLimit,
		maxRetries:    opts.MaxRetries,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		nowFn:         time.Now,
		sleepFn:       sleepCtx,
		jitterFn:      defaultJitter,
		lastRemaining: -1,
	}
}

// Execute runs fn under the governor's pacing rules. Throttle outcomes
// are retried in a bounded loop; each retry waits out the cooldown the
// throttle installed. Quota exhaustion fails fast without dispatching.
func (g *Governor) Execute(ctx context.Context, op string, fn func(context.Context) (Outcome, error)) error {
	var lastCooldown time.Duration
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		select {
		case g.permits <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		start := g.nowFn()
		outcome, err := func() (Outcome, error) {
			defer func() { <-g.permits }()
			if err := g.awaitTurn(ctx); err != nil {
				return Outcome{Remaining: -1}, err
			}
			return fn(ctx)
		}()

		g.recordCall(op, start)

		if outcome.Remaining >= 0 {
			g.mu.Lock()
			g.lastRemaining = outcome.Remaining
			g.mu.Unlock()
			g.logger.Debug("rate limit remaining", "op", op, "remaining", outcome.Remaining)
		}

		if outcome.Throttled {
			lastCooldown = g.enterCooldown(op, outcome.ResetHint, attempt)
			continue
		}
		return err
	}
	return &ThrottledError{RetryAfter: lastCooldown, Attempts: g.maxRetries}
}

// awaitTurn reserves the next dispatch slot and sleeps until it. The
// reservation happens under the lock so concurrent callers pile up
// behind each other instead of bursting. A cooldown installed by a
// throttled caller while we slept moves the slot, so every wake
// re-checks the window before dispatching.
func (g *Governor) awaitTurn(ctx context.Context) error {
	g.mu.Lock()
	now := g.nowFn()

	day := now.Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.usedToday = 0
	}
	if g.usedToday >= g.dailyLimit {
		resetAt := nextMidnight(now)
		g.mu.Unlock()
		if g.metrics != nil {
			g.metrics.QuotaRejects.Add(ctx, 1)
		}
		g.logger.Warn("daily quota exhausted", "used", g.dailyLimit, "reset_at", resetAt)
		return &QuotaExceededError{ResetAt: resetAt}
	}
	g.usedToday++

	dispatchAt := now.Add(g.jitterFn())
	if g.nextSlot.After(dispatchAt) {
		dispatchAt = g.nextSlot
	}
	if g.cooldownUntil.After(dispatchAt) {
		dispatchAt = g.cooldownUntil
	}
	g.nextSlot = dispatchAt.Add(g.minInterval)
	g.mu.Unlock()

	for {
		if wait := dispatchAt.Sub(now); wait > 0 {
			if err := g.sleepFn(ctx, wait); err != nil {
				return err
			}
		}
		g.mu.Lock()
		now = g.nowFn()
		if !g.cooldownUntil.After(now) {
			g.mu.Unlock()
			return nil
		}
		// A throttle landed while we slept; wait out the extended window.
		dispatchAt = g.cooldownUntil
		g.nextSlot = dispatchAt.Add(g.minInterval)
		g.mu.Unlock()
	}
}

// enterCooldown installs a global cooldown from a throttle signal and
// returns its length. Concurrent callers all observe it.
func (g *Governor) enterCooldown(op string, hint float64, attempt int) time.Duration {
	cooldown := defaultCooldown
	if hint > 0 {
		reset := time.Duration(hint * float64(time.Second))
		if hint > 1000 {
			// Large values are milliseconds.
			reset = time.Duration(hint * float64(time.Millisecond))
		}
		cooldown = reset + cooldownMargin
	}

	g.mu.Lock()
	until := g.nowFn().Add(cooldown)
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.ThrottleEvents.Add(context.Background(), 1)
	}
	g.logger.Warn("provider throttled, entering cooldown",
		"op", op, "attempt", attempt, "cooldown", cooldown.String())
	return cooldown
}

// UsedToday returns how many requests the current daily window consumed.
func (g *Governor) UsedToday() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usedToday
}

// Remaining returns the last X-RateLimit-Remaining value seen, -1 if none.
func (g *Governor) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRemaining
}

// CooldownRemaining reports how long the active cooldown still holds.
func (g *Governor) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := g.cooldownUntil.Sub(g.nowFn()); d > 0 {
		return d
	}
	return 0
}

func (g *Governor) recordCall(op string, start time.Time) {
	if g.metrics == nil {
		return
	}
	ctx := context.Background()
	g.metrics.APICallsTotal.Add(ctx, 1)
	g.metrics.APICallDuration.Record(ctx, g.nowFn().Sub(start).Seconds())
	_ = op
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter() time.Duration {
	return jitterFloor + time.Duration(rand.Int64N(int64(jitterSpan)))
}
