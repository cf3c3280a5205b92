// Package health owns the account usability state machine
// (ok/error/banned/cooldown) that gates scheduling eligibility.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/storage"
	"fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

type Config struct {
	// CooldownWindow is how long an account sits out after the governor
	// reports sustained near-ceiling usage. Reverts to ok automatically.
	CooldownWindow time.Duration
	// SendFailureThreshold drives ok -> error after this many consecutive
	// failed sends on one account. 0 applies the default.
	SendFailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 30 * time.Minute
	}
	if c.SendFailureThreshold <= 0 {
		c.SendFailureThreshold = 3
	}
	return c
}

// StatusChange is published on the bus whenever an account transitions.
type StatusChange struct {
	AccountID string             `json:"account_id"`
	From      storage.PoolStatus `json:"from"`
	To        storage.PoolStatus `json:"to"`
	Reason    string             `json:"reason"`
}

type state struct {
	status        storage.PoolStatus
	cooldownUntil time.Time
	// probation marks an error account whose session reconnected; the first
	// successful send restores ok (spec: reconnect + one good send).
	probation    bool
	sendFailures int
}

type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	accounts map[string]*state

	now func() time.Time
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg.withDefaults(),
		store:    store,
		bus:      bus,
		log:      log,
		accounts: map[string]*state{},
		now:      time.Now,
	}
}

// Load seeds tracker state from persisted accounts. Cooldowns are not
// persisted, so an account stored as cooldown restarts as ok.
func (t *Tracker) Load(ctx context.Context) error {
	accounts, err := t.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range accounts {
		st := a.PoolStatus
		if st == "" || st == storage.PoolStatusCooldown {
			st = storage.PoolStatusOK
		}
		t.accounts[a.ID] = &state{status: st}
	}
	return nil
}

// Status returns the account's current pool status, lazily expiring cooldown.
func (t *Tracker) Status(accountID string) storage.PoolStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(accountID)
}

// Eligible reports whether the account may be selected for dispatch.
// Accounts in error that reconnected (probation) are eligible so the one
// verifying send can happen.
func (t *Tracker) Eligible(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.statusLocked(accountID) {
	case storage.PoolStatusOK:
		return true
	case storage.PoolStatusError:
		return t.stateLocked(accountID).probation
	default:
		return false
	}
}

// NoteSendOK records a successful send. Clears the consecutive-failure
// counter; an error account on probation is restored to ok.
func (t *Tracker) NoteSendOK(ctx context.Context, accountID string) {
	t.mu.Lock()
	st := t.stateLocked(accountID)
	st.sendFailures = 0
	var change *StatusChange
	if t.statusLocked(accountID) == storage.PoolStatusError && st.probation {
		change = t.transitionLocked(accountID, storage.PoolStatusOK, "verified send after reconnect")
	}
	t.mu.Unlock()

	t.commit(ctx, change)
}

// NoteSendFailure records a failed send classified by the transport layer.
// Restricted failures drive error immediately; permanent ones drive banned;
// plain action failures accumulate toward the threshold. Transient and
// rate-limit failures never reach here.
func (t *Tracker) NoteSendFailure(ctx context.Context, accountID string, class transport.FailureClass) {
	t.mu.Lock()
	st := t.stateLocked(accountID)
	var change *StatusChange
	switch class {
	case transport.FailurePermanent:
		change = t.transitionLocked(accountID, storage.PoolStatusBanned, "permanent platform restriction")
	case transport.FailureRestricted:
		st.probation = false
		change = t.transitionLocked(accountID, storage.PoolStatusError, "platform restriction")
	default:
		st.sendFailures++
		if st.sendFailures >= t.cfg.SendFailureThreshold && t.statusLocked(accountID) == storage.PoolStatusOK {
			change = t.transitionLocked(accountID, storage.PoolStatusError, "repeated send failures")
		}
	}
	t.mu.Unlock()

	t.commit(ctx, change)
}

// NoteSessionDead is called by the pool after reconnect attempts are
// exhausted. Drives the account to error.
func (t *Tracker) NoteSessionDead(ctx context.Context, accountID string, reason string) {
	t.mu.Lock()
	st := t.stateLocked(accountID)
	st.probation = false
	change := t.transitionLocked(accountID, storage.PoolStatusError, reason)
	t.mu.Unlock()

	t.commit(ctx, change)
}

// NoteReconnected marks an error account as probational: it becomes eligible
// again and the next successful send restores ok.
func (t *Tracker) NoteReconnected(accountID string) {
	t.mu.Lock()
	st := t.stateLocked(accountID)
	if t.statusLocked(accountID) == storage.PoolStatusError {
		st.probation = true
	}
	t.mu.Unlock()
}

// NoteNearLimit is the governor's near-ceiling hook: ok -> cooldown for the
// configured window. Queued in-flight work is unaffected; only new dispatch
// selection excludes the account.
func (t *Tracker) NoteNearLimit(accountID string) {
	t.mu.Lock()
	var change *StatusChange
	if t.statusLocked(accountID) == storage.PoolStatusOK {
		st := t.stateLocked(accountID)
		st.cooldownUntil = t.now().Add(t.cfg.CooldownWindow)
		change = t.transitionLocked(accountID, storage.PoolStatusCooldown, "near daily ceiling")
	}
	t.mu.Unlock()

	t.commit(context.Background(), change)
}

// Reset is the manual escape hatch: any status (including banned) back to ok.
func (t *Tracker) Reset(ctx context.Context, accountID string) {
	t.mu.Lock()
	st := t.stateLocked(accountID)
	st.sendFailures = 0
	st.probation = false
	st.cooldownUntil = time.Time{}
	change := t.transitionLocked(accountID, storage.PoolStatusOK, "manual reset")
	t.mu.Unlock()

	t.commit(ctx, change)
}

// Ban forces the terminal state (operator action or an external signal the
// engine itself did not observe).
func (t *Tracker) Ban(ctx context.Context, accountID, reason string) {
	t.mu.Lock()
	change := t.transitionLocked(accountID, storage.PoolStatusBanned, reason)
	t.mu.Unlock()

	t.commit(ctx, change)
}

// AccountView is a per-account snapshot for observability.
type AccountView struct {
	AccountID     string             `json:"account_id"`
	Status        storage.PoolStatus `json:"status"`
	Score         int                `json:"score"`
	Probation     bool               `json:"probation,omitempty"`
	SendFailures  int                `json:"send_failures,omitempty"`
	CooldownUntil time.Time          `json:"cooldown_until,omitempty"`
}

// Score condenses an account's usability into 0..100 for dashboards:
// banned 0, error 25 (50 on probation), cooldown 60, ok 100 minus a
// penalty per accumulated send failure.
func (t *Tracker) Score(accountID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scoreLocked(accountID)
}

func (t *Tracker) scoreLocked(accountID string) int {
	st := t.stateLocked(accountID)
	switch t.statusLocked(accountID) {
	case storage.PoolStatusBanned:
		return 0
	case storage.PoolStatusError:
		if st.probation {
			return 50
		}
		return 25
	case storage.PoolStatusCooldown:
		return 60
	}
	score := 100 - 20*st.sendFailures
	if score < 40 {
		score = 40
	}
	return score
}

func (t *Tracker) Snapshot() []AccountView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AccountView, 0, len(t.accounts))
	for id := range t.accounts {
		st := t.accounts[id]
		out = append(out, AccountView{
			AccountID:     id,
			Status:        t.statusLocked(id),
			Score:         t.scoreLocked(id),
			Probation:     st.probation,
			SendFailures:  st.sendFailures,
			CooldownUntil: st.cooldownUntil,
		})
	}
	return out
}

// ---- internals ----

func (t *Tracker) stateLocked(accountID string) *state {
	st := t.accounts[accountID]
	if st == nil {
		st = &state{status: storage.PoolStatusOK}
		t.accounts[accountID] = st
	}
	return st
}

func (t *Tracker) statusLocked(accountID string) storage.PoolStatus {
	st := t.stateLocked(accountID)
	if st.status == storage.PoolStatusCooldown && !st.cooldownUntil.After(t.now()) {
		st.status = storage.PoolStatusOK
		st.cooldownUntil = time.Time{}
	}
	return st.status
}

// transitionLocked applies the state change and returns the event to publish,
// or nil when it is a no-op. Banned is terminal for every path except an
// explicit target of ok (manual reset).
func (t *Tracker) transitionLocked(accountID string, to storage.PoolStatus, reason string) *StatusChange {
	st := t.stateLocked(accountID)
	from := st.status
	if from == to {
		return nil
	}
	if from == storage.PoolStatusBanned && to != storage.PoolStatusOK {
		return nil
	}
	st.status = to
	if to != storage.PoolStatusCooldown {
		st.cooldownUntil = time.Time{}
	}
	if to == storage.PoolStatusOK {
		st.sendFailures = 0
		st.probation = false
	}
	return &StatusChange{AccountID: accountID, From: from, To: to, Reason: reason}
}

// commit persists and publishes a transition outside the tracker lock.
func (t *Tracker) commit(ctx context.Context, change *StatusChange) {
	if change == nil {
		return
	}
	if err := t.store.UpdateAccountHealth(ctx, change.AccountID, change.To, t.Score(change.AccountID)); err != nil {
		// Unknown accounts can legitimately appear here (session for an
		// account deleted mid-flight); anything else is worth a warning.
		if !errors.Is(err, storage.ErrNotFound) && !t.log.IsZero() {
			t.log.Warn("persist account status failed",
				logx.String("account", change.AccountID),
				logx.String("status", string(change.To)),
				logx.Err(err))
		}
	}
	if !t.log.IsZero() {
		t.log.Info("account status changed",
			logx.String("account", change.AccountID),
			logx.String("from", string(change.From)),
			logx.String("to", string(change.To)),
			logx.String("reason", change.Reason))
	}
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Topic: eventbus.TopicAccountStatusChanged, Data: *change})
	}
}
