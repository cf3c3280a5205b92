// Package pool maintains the bounded set of live authenticated sessions the
// scheduler dispatches through. It owns connection lifecycle: create on
// demand, reuse while healthy, reconnect on fault, evict on death or idle
// timeout. Callers get backpressure (ErrSessionUnavailable), never blocking.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetbot/internal/engine/health"
	"fleetbot/internal/eventbus"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

type Pool struct {
	mu  sync.Mutex
	cfg Config

	sessions map[string]*session // by account id

	connector transport.Connector
	creds     CredentialSource
	tracker   *health.Tracker
	bus       eventbus.Bus
	log       logx.Logger

	sup    *rtsup.Supervisor
	stopCh chan struct{}
	closed bool
}

func New(cfg Config, connector transport.Connector, creds CredentialSource, tracker *health.Tracker, bus eventbus.Bus, log logx.Logger) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		sessions:  map[string]*session{},
		connector: connector,
		creds:     creds,
		tracker:   tracker,
		bus:       bus,
		log:       log,
	}
}

// Start launches the background health loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.closed = false
	p.stopCh = make(chan struct{})
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log.With(logx.String("comp", "pool"))))
	sup := p.sup
	p.mu.Unlock()

	sup.GoRestart("healthloop", p.healthLoop, rtsup.WithStopOnCleanExit(true))
	p.log.Info("session pool started",
		logx.Int("capacity", p.cfg.MaxClients),
		logx.Duration("idle_timeout", p.cfg.IdleTimeout),
		logx.Duration("ping_interval", p.cfg.PingInterval))
}

// Stop halts the health loop and closes every pooled session.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.stopCh = nil
	p.closed = true
	sup := p.sup
	p.sup = nil
	victims := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		victims = append(victims, s)
	}
	p.sessions = map[string]*session{}
	p.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	for _, s := range victims {
		if s.tr != nil {
			_ = s.tr.Close()
		}
	}
	p.log.Info("session pool stopped", logx.Int("closed", len(victims)))
}

// Acquire returns an exclusive session for the account, creating one if
// capacity allows. At capacity it evicts the least-recently-used idle session
// first; with no idle victim it returns ErrSessionUnavailable immediately.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrSessionUnavailable
	}

	if s := p.sessions[accountID]; s != nil {
		switch s.state {
		case StateIdle:
			p.setStateLocked(s, StateActive, "acquired")
			s.releaseGen++
			if s.idleTimer != nil {
				s.idleTimer.Stop()
				s.idleTimer = nil
			}
			s.lastUsed = time.Now()
			h := &Session{accountID: accountID, tr: s.tr, pool: p}
			p.mu.Unlock()
			return h, nil
		case StateActive, StateConnecting, StateReconnecting:
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: session %s", ErrSessionUnavailable, s.state)
		case StateDead:
			delete(p.sessions, accountID)
		}
	}

	// No live session: make room if needed, then connect.
	if len(p.sessions) >= p.cfg.MaxClients {
		victim := p.lruIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: pool at capacity", ErrSessionUnavailable)
		}
		p.evictLocked(victim, "lru eviction")
	}

	// Placeholder holds the capacity slot while connecting off-lock.
	s := &session{accountID: accountID, state: StateConnecting}
	p.sessions[accountID] = s
	p.mu.Unlock()

	p.publish(accountID, "", StateConnecting, "")

	tr, err := p.connect(ctx, accountID)

	p.mu.Lock()
	// The pool may have been stopped (or the slot evicted) while connecting.
	cur := p.sessions[accountID]
	if cur != s || p.closed {
		p.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return nil, ErrSessionUnavailable
	}
	if err != nil {
		delete(p.sessions, accountID)
		p.setStateLocked(s, StateDead, "auth failed")
		p.mu.Unlock()

		class := transport.Classify(err)
		if class == transport.FailureRestricted || class == transport.FailurePermanent {
			p.tracker.NoteSendFailure(ctx, accountID, class)
		}
		p.log.Warn("session connect failed",
			logx.String("account", accountID),
			logx.String("class", class.String()),
			logx.Err(err))
		return nil, fmt.Errorf("%w: connect: %v", ErrSessionUnavailable, err)
	}
	s.tr = tr
	s.connectedAt = time.Now()
	s.lastUsed = s.connectedAt
	// Auth success lands the session in idle before the acquirer takes it, so
	// observers see the full connecting -> idle -> active walk.
	p.setStateLocked(s, StateIdle, "connected")
	p.setStateLocked(s, StateActive, "acquired")
	h := &Session{accountID: accountID, tr: tr, pool: p}
	p.mu.Unlock()
	return h, nil
}

// Release returns the session to the pool, stamps last-use, and arms the
// idle-timeout eviction.
func (p *Pool) Release(h *Session) {
	if h == nil {
		return
	}
	p.mu.Lock()
	s := p.sessions[h.accountID]
	if s == nil || s.tr != h.tr || s.state != StateActive {
		// Evicted or replaced while in use; close the orphan handle.
		p.mu.Unlock()
		if h.tr != nil && (s == nil || s.tr != h.tr) {
			_ = h.tr.Close()
		}
		return
	}
	s.lastUsed = time.Now()
	p.setStateLocked(s, StateIdle, "released")
	p.armIdleTimerLocked(s)
	p.mu.Unlock()
}

// SetMaxClients adjusts capacity at runtime. Non-positive values are
// rejected; shrinking evicts idle sessions LRU-first, and fails with
// ErrCapacityConflict if in-use sessions still exceed the new cap.
func (p *Pool) SetMaxClients(n int) error {
	if n <= 0 {
		return ErrInvalidCapacity
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.sessions) > n {
		victim := p.lruIdleLocked()
		if victim == nil {
			return fmt.Errorf("%w: %d in use, want capacity %d", ErrCapacityConflict, len(p.sessions), n)
		}
		p.evictLocked(victim, "capacity shrink")
	}
	p.cfg.MaxClients = n
	return nil
}

// Evict drops the account's session if present (account deleted or banned).
func (p *Pool) Evict(accountID string, reason string) {
	p.mu.Lock()
	s := p.sessions[accountID]
	if s != nil {
		p.evictLocked(s, reason)
	}
	p.mu.Unlock()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Capacity:    p.cfg.MaxClients,
		Total:       len(p.sessions),
		IdleTimeout: p.cfg.IdleTimeout,
	}
	for _, s := range p.sessions {
		switch s.state {
		case StateActive:
			st.Active++
		case StateIdle:
			st.Idle++
		case StateConnecting:
			st.Connecting++
		case StateReconnecting:
			st.Reconnecting++
		}
	}
	st.Healthy = st.Active + st.Idle
	st.Unhealthy = st.Total - st.Healthy
	return st
}

// ---- internals ----

func (p *Pool) connect(ctx context.Context, accountID string) (transport.Session, error) {
	cred, err := p.creds.Credential(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", accountID, err)
	}
	return p.connector.Connect(ctx, cred)
}

// lruIdleLocked returns the least-recently-used idle session, or nil.
func (p *Pool) lruIdleLocked() *session {
	var victim *session
	for _, s := range p.sessions {
		if s.state != StateIdle {
			continue
		}
		if victim == nil || s.lastUsed.Before(victim.lastUsed) {
			victim = s
		}
	}
	return victim
}

func (p *Pool) evictLocked(s *session, reason string) {
	delete(p.sessions, s.accountID)
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	p.setStateLocked(s, StateDead, reason)
	if s.tr != nil {
		tr := s.tr
		s.tr = nil
		// Close off-lock; transports may block.
		go func() { _ = tr.Close() }()
	}
}

func (p *Pool) armIdleTimerLocked(s *session) {
	s.releaseGen++
	gen := s.releaseGen
	accountID := s.accountID
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() {
		p.mu.Lock()
		cur := p.sessions[accountID]
		if cur != nil && cur.state == StateIdle && cur.releaseGen == gen {
			p.evictLocked(cur, "idle timeout")
		}
		p.mu.Unlock()
	})
}

func (p *Pool) setStateLocked(s *session, to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	p.publish(s.accountID, from.String(), to, reason)
}

func (p *Pool) publish(accountID, from string, to State, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicSessionStateChanged,
		Data:  SessionEvent{AccountID: accountID, From: from, To: to.String(), Reason: reason},
	})
}
