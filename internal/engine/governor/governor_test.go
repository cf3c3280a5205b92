package governor

import (
	"testing"
	"time"

	logx "fleetbot/pkg/logx"
)

func newTestGovernor(cfg Config) (*Governor, *time.Time) {
	g := New(cfg, logx.Nop())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestPerSecondCeiling(t *testing.T) {
	t.Parallel()
	g, now := newTestGovernor(Config{MaxPerSecond: 1, MaxPerDay: 100})

	if d := g.Check("a1"); !d.Allowed {
		t.Fatalf("fresh account should be allowed, got retry after %v", d.RetryAfter)
	}
	g.Consume("a1")

	d := g.Check("a1")
	if d.Allowed {
		t.Fatal("second send in the same second should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", d.RetryAfter)
	}

	*now = now.Add(1100 * time.Millisecond)
	if d := g.Check("a1"); !d.Allowed {
		t.Fatalf("token should have refilled, got retry after %v", d.RetryAfter)
	}
}

func TestDailyCeiling(t *testing.T) {
	t.Parallel()
	g, now := newTestGovernor(Config{MaxPerSecond: 1000, MaxPerDay: 3})

	for i := 0; i < 3; i++ {
		*now = now.Add(2 * time.Second)
		if d := g.Check("a1"); !d.Allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
		g.Consume("a1")
	}

	d := g.Check("a1")
	if d.Allowed {
		t.Fatal("fourth send should exceed the daily ceiling")
	}
	wantReset := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC).Sub(*now)
	if d.RetryAfter != wantReset {
		t.Fatalf("RetryAfter = %v, want %v (next UTC day)", d.RetryAfter, wantReset)
	}

	// Budgets reset at the UTC day boundary.
	*now = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	if d := g.Check("a1"); !d.Allowed {
		t.Fatal("new day should reset the daily budget")
	}
}

func TestBudgetsAreIndependentPerAccount(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(Config{MaxPerSecond: 1, MaxPerDay: 100})

	g.Consume("a1")
	if d := g.Check("a1"); d.Allowed {
		t.Fatal("a1 should be throttled")
	}
	if d := g.Check("a2"); !d.Allowed {
		t.Fatal("a2 must not share a1's budget")
	}
}

func TestNearLimitFiresOncePerDay(t *testing.T) {
	t.Parallel()
	g, now := newTestGovernor(Config{MaxPerSecond: 1000, MaxPerDay: 10, NearLimitRatio: 0.5})

	var fired []string
	g.OnNearLimit(func(id string) { fired = append(fired, id) })

	for i := 0; i < 7; i++ {
		*now = now.Add(2 * time.Second)
		g.Consume("a1")
	}
	if len(fired) != 1 || fired[0] != "a1" {
		t.Fatalf("near-limit callback fired %v times, want exactly once for a1", fired)
	}

	// New day window re-arms the notification.
	*now = now.Add(24 * time.Hour)
	for i := 0; i < 5; i++ {
		*now = now.Add(2 * time.Second)
		g.Consume("a1")
	}
	if len(fired) != 2 {
		t.Fatalf("near-limit should fire again after the day rolls, got %d", len(fired))
	}
}

func TestApplySwapsCeilings(t *testing.T) {
	t.Parallel()
	g, now := newTestGovernor(Config{MaxPerSecond: 1, MaxPerDay: 100})
	g.Consume("a1")
	if d := g.Check("a1"); d.Allowed {
		t.Fatal("expected throttle at 1/s")
	}

	g.Apply(Config{MaxPerSecond: 100, MaxPerDay: 100})
	*now = now.Add(100 * time.Millisecond)
	if d := g.Check("a1"); !d.Allowed {
		t.Fatalf("after raising the ceiling the send should pass, retry %v", d.RetryAfter)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(Config{MaxPerSecond: 1000, MaxPerDay: 10})
	g.Consume("a1")
	g.Consume("a1")

	views := g.Snapshot()
	if len(views) != 1 {
		t.Fatalf("len(views) = %d, want 1", len(views))
	}
	v := views[0]
	if v.AccountID != "a1" || v.DayUsed != 2 || v.DayLimit != 10 {
		t.Fatalf("unexpected view: %+v", v)
	}
}
