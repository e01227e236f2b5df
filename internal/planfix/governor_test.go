package planfix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the governor deterministically: sleeps advance the
// clock instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func testGovernor(clock *fakeClock, opts GovernorOptions) *Governor {
	g := NewGovernor(opts)
	g.nowFn = clock.Now
	g.sleepFn = clock.Sleep
	g.jitterFn = func() time.Duration { return 0 }
	return g
}

func okCall(calls *int) func(context.Context) (Outcome, error) {
	return func(context.Context) (Outcome, error) {
		*calls++
		return Outcome{Remaining: -1}, nil
	}
}

func TestExecuteEnforcesSpacing(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	var calls int
	for i := 0; i < 3; i++ {
		if err := g.Execute(context.Background(), "op", okCall(&calls)); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want two spacing waits", sleeps)
	}
	for _, d := range sleeps {
		if d != time.Second {
			t.Errorf("spacing sleep = %v, want 1s", d)
		}
	}
}

func TestExecuteQuotaFailsFast(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{DailyLimit: 2, MinInterval: time.Millisecond})

	var calls int
	for i := 0; i < 2; i++ {
		if err := g.Execute(context.Background(), "op", okCall(&calls)); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}

	err := g.Execute(context.Background(), "op", okCall(&calls))
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, fn must not run past the quota", calls)
	}

	wantReset := time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)
	if !quota.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", quota.ResetAt, wantReset)
	}
}

func TestExecuteQuotaResetsAtMidnight(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{DailyLimit: 1, MinInterval: time.Millisecond})

	var calls int
	if err := g.Execute(context.Background(), "op", okCall(&calls)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := g.Execute(context.Background(), "op", okCall(&calls)); err == nil {
		t.Fatal("expected quota error")
	}

	// Cross local midnight: the window resets and calls flow again.
	clock.Advance(15 * time.Hour)
	if err := g.Execute(context.Background(), "op", okCall(&calls)); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
	if g.UsedToday() != 1 {
		t.Errorf("UsedToday = %d, want 1 in the fresh window", g.UsedToday())
	}
}

func TestExecuteRetriesThrottleThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	calls := 0
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		calls++
		if calls == 1 {
			return Outcome{Throttled: true, ResetHint: 5, Remaining: -1}, nil
		}
		return Outcome{Remaining: -1}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	// Retry waited out the cooldown: hint 5s + 15s margin.
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 20*time.Second {
		t.Fatalf("sleeps = %v, want one 20s cooldown wait", sleeps)
	}
}

func TestExecuteThrottleHintMilliseconds(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	calls := 0
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		calls++
		if calls == 1 {
			// Values above 1000 are milliseconds: 5000 → 5s + margin.
			return Outcome{Throttled: true, ResetHint: 5000, Remaining: -1}, nil
		}
		return Outcome{Remaining: -1}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 20*time.Second {
		t.Fatalf("sleeps = %v, want one 20s cooldown wait", sleeps)
	}
}

func TestExecuteThrottleDefaultCooldown(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	calls := 0
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		calls++
		if calls == 1 {
			// No hint at all: the 120s default applies.
			return Outcome{Throttled: true, Remaining: -1}, nil
		}
		return Outcome{Remaining: -1}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 120*time.Second {
		t.Fatalf("sleeps = %v, want one 120s default cooldown", sleeps)
	}
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second, MaxRetries: 3})

	calls := 0
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		calls++
		return Outcome{Throttled: true, ResetHint: 1, Remaining: -1}, nil
	})
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if throttled.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", throttled.Attempts)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want exactly 3 attempts", calls)
	}
}

func TestCooldownVisibleToOtherCallers(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second, MaxRetries: 1})

	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		return Outcome{Throttled: true, ResetHint: 30, Remaining: -1}, nil
	})
	if err == nil {
		t.Fatal("expected throttle error")
	}
	if got := g.CooldownRemaining(); got != 45*time.Second {
		t.Fatalf("CooldownRemaining = %v, want 45s", got)
	}

	// A different caller waits out the same cooldown before dispatching.
	var calls int
	if err := g.Execute(context.Background(), "other", okCall(&calls)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) == 0 || sleeps[len(sleeps)-1] != 45*time.Second {
		t.Fatalf("sleeps = %v, want trailing 45s cooldown wait", sleeps)
	}
}

func TestCooldownInstalledWhileWaitingDelaysDispatch(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	var calls int
	if err := g.Execute(context.Background(), "op", okCall(&calls)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// While the next caller sleeps out its 1s spacing, a concurrent
	// throttle installs a 75s cooldown (hint 60s + 15s margin). The
	// sleeper must re-check after waking instead of dispatching into
	// the window.
	installed := false
	g.sleepFn = func(ctx context.Context, d time.Duration) error {
		if !installed {
			installed = true
			g.enterCooldown("other", 60, 1)
		}
		return clock.Sleep(ctx, d)
	}

	start := clock.Now()
	var dispatchedAt time.Time
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		dispatchedAt = clock.Now()
		return Outcome{Remaining: -1}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cooldownEnd := start.Add(60*time.Second + cooldownMargin)
	if dispatchedAt.Before(cooldownEnd) {
		t.Fatalf("dispatched at %v with %v of cooldown remaining",
			dispatchedAt, cooldownEnd.Sub(dispatchedAt))
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 74*time.Second {
		t.Fatalf("sleeps = %v, want [1s 74s]", sleeps)
	}
}

func TestExecuteRecordsRemaining(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	if g.Remaining() != -1 {
		t.Fatalf("initial Remaining = %d, want -1", g.Remaining())
	}
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		return Outcome{Remaining: 1234}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if g.Remaining() != 1234 {
		t.Fatalf("Remaining = %d, want 1234", g.Remaining())
	}
}

func TestExecutePropagatesCallError(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	boom := errors.New("boom")
	calls := 0
	err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
		calls++
		return Outcome{Remaining: -1}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, non-throttle errors must not retry", calls)
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{MinInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Execute(ctx, "op", func(context.Context) (Outcome, error) {
		t.Fatal("fn must not run with canceled context")
		return Outcome{}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestConcurrentCallersShareQuota(t *testing.T) {
	clock := newFakeClock()
	g := testGovernor(clock, GovernorOptions{
		MaxConcurrency: 3,
		MinInterval:    time.Millisecond,
		DailyLimit:     10,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	quotaErrs := 0
	okCalls := 0
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Execute(context.Background(), "op", func(context.Context) (Outcome, error) {
				return Outcome{Remaining: -1}, nil
			})
			mu.Lock()
			defer mu.Unlock()
			var quota *QuotaExceededError
			if errors.As(err, &quota) {
				quotaErrs++
			} else if err == nil {
				okCalls++
			}
		}()
	}
	wg.Wait()

	if okCalls != 10 || quotaErrs != 5 {
		t.Fatalf("ok=%d quota=%d, want 10/5", okCalls, quotaErrs)
	}
}

func TestHumanDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{3 * time.Second, "a few seconds"},
		{30 * time.Second, "about 30 seconds"},
		{90 * time.Second, "about a minute"},
		{2 * time.Minute, "about 2 minutes"},
		{45 * time.Minute, "about 45 minutes"},
		{90 * time.Minute, "about an hour"},
		{3 * time.Hour, "about 3 hours"},
		{-time.Second, "a few seconds"},
	}
	for _, tc := range cases {
		if got := HumanDuration(tc.in); got != tc.want {
			t.Errorf("HumanDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
