// Package governor enforces per-account throughput ceilings.
//
// Two windows are tracked per account: a short token-bucket window
// (max sends per second, via x/time/rate) and a fixed daily window. The
// scheduler holds the per-account dispatch lock around Check/Consume, so the
// pair is atomic for a given account and budgets cannot be double-spent.
package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "fleetbot/pkg/logx"
)

type Config struct {
	// MaxPerSecond is the sustained send ceiling per account. Burst is 1:
	// fleet accounts must never burst, bursts are what platforms detect.
	MaxPerSecond float64
	// MaxPerDay caps sends per account per UTC day.
	MaxPerDay int
	// NearLimitRatio of the daily ceiling at which the governor reports
	// sustained near-ceiling usage (protective cooldown signal). 0 disables.
	NearLimitRatio float64
}

func (c Config) withDefaults() Config {
	if c.MaxPerSecond <= 0 {
		c.MaxPerSecond = 1
	}
	if c.MaxPerDay <= 0 {
		c.MaxPerDay = 200
	}
	if c.NearLimitRatio < 0 || c.NearLimitRatio >= 1 {
		c.NearLimitRatio = 0.9
	}
	return c
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// BudgetView is a per-account snapshot for observability.
type BudgetView struct {
	AccountID string    `json:"account_id"`
	DayUsed   int       `json:"day_used"`
	DayLimit  int       `json:"day_limit"`
	DayResets time.Time `json:"day_resets"`
}

type budget struct {
	lim      *rate.Limiter
	dayStart time.Time
	dayUsed  int
	notified bool
}

type Governor struct {
	mu       sync.Mutex
	cfg      Config
	accounts map[string]*budget
	log      logx.Logger

	// onNearLimit fires once per account per day window when usage crosses
	// NearLimitRatio of the daily ceiling. The health tracker hooks in here.
	onNearLimit func(accountID string)

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Governor {
	return &Governor{
		cfg:      cfg.withDefaults(),
		accounts: map[string]*budget{},
		log:      log,
		now:      time.Now,
	}
}

// OnNearLimit installs the near-ceiling callback. Must be set before the
// scheduler starts; the callback must not call back into the governor.
func (g *Governor) OnNearLimit(fn func(accountID string)) {
	g.mu.Lock()
	g.onNearLimit = fn
	g.mu.Unlock()
}

// Apply swaps ceilings at runtime (config hot reload).
func (g *Governor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	for _, b := range g.accounts {
		b.lim.SetLimit(rate.Limit(cfg.MaxPerSecond))
	}
}

// Check reports whether the account may send now. It never consumes budget.
func (g *Governor) Check(accountID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b := g.budgetLocked(accountID, now)

	if b.dayUsed >= g.cfg.MaxPerDay {
		return Decision{Allowed: false, RetryAfter: b.dayStart.Add(24 * time.Hour).Sub(now)}
	}

	tokens := b.lim.TokensAt(now)
	if tokens < 1 {
		wait := time.Duration(float64(time.Second) * (1 - tokens) / g.cfg.MaxPerSecond)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: wait}
	}
	return Decision{Allowed: true}
}

// Consume records one successful send against both windows.
// Callers must have passed Check under the same per-account dispatch lock.
func (g *Governor) Consume(accountID string) {
	g.mu.Lock()

	now := g.now()
	b := g.budgetLocked(accountID, now)
	_ = b.lim.AllowN(now, 1)
	b.dayUsed++

	var notify func(string)
	threshold := int(g.cfg.NearLimitRatio * float64(g.cfg.MaxPerDay))
	if g.cfg.NearLimitRatio > 0 && !b.notified && threshold > 0 && b.dayUsed >= threshold {
		b.notified = true
		notify = g.onNearLimit
		if !g.log.IsZero() {
			g.log.Warn("account near daily send ceiling",
				logx.String("account", accountID),
				logx.Int("used", b.dayUsed),
				logx.Int("limit", g.cfg.MaxPerDay))
		}
	}
	g.mu.Unlock()

	// Fire outside the lock; the tracker may publish events and hit storage.
	if notify != nil {
		notify(accountID)
	}
}

// Snapshot returns per-account budget views sorted by the caller if needed.
func (g *Governor) Snapshot() []BudgetView {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make([]BudgetView, 0, len(g.accounts))
	for id, b := range g.accounts {
		g.rollLocked(b, now)
		out = append(out, BudgetView{
			AccountID: id,
			DayUsed:   b.dayUsed,
			DayLimit:  g.cfg.MaxPerDay,
			DayResets: b.dayStart.Add(24 * time.Hour),
		})
	}
	return out
}

func (g *Governor) budgetLocked(accountID string, now time.Time) *budget {
	b := g.accounts[accountID]
	if b == nil {
		b = &budget{
			lim:      rate.NewLimiter(rate.Limit(g.cfg.MaxPerSecond), 1),
			dayStart: dayStart(now),
		}
		g.accounts[accountID] = b
	}
	g.rollLocked(b, now)
	return b
}

func (g *Governor) rollLocked(b *budget, now time.Time) {
	if ds := dayStart(now); ds.After(b.dayStart) {
		b.dayStart = ds
		b.dayUsed = 0
		b.notified = false
	}
}

func dayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
