package pool

import (
	"context"
	"time"

	"fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

// healthLoop pings idle sessions on a fixed timer and repairs faulted ones.
//
// Only idle sessions are probed: an active session is exclusively owned by an
// in-flight dispatch, and pinging it would break the single-writer-per-account
// discipline. Active sessions prove liveness through their own traffic; if a
// send faults, the dispatch path reports it and the session lands back here.
func (p *Pool) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	p.mu.Lock()
	type probe struct {
		accountID string
		tr        transport.Session
	}
	probes := make([]probe, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.state == StateIdle && s.tr != nil {
			probes = append(probes, probe{accountID: s.accountID, tr: s.tr})
		}
	}
	sup := p.sup
	p.mu.Unlock()

	for _, pr := range probes {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
		err := pr.tr.Ping(pctx)
		cancel()
		if err == nil {
			continue
		}

		p.log.Warn("session ping failed", logx.String("account", pr.accountID), logx.Err(err))

		p.mu.Lock()
		s := p.sessions[pr.accountID]
		// Skip if the session was acquired or replaced while we were pinging.
		if s == nil || s.tr != pr.tr || s.state != StateIdle {
			p.mu.Unlock()
			continue
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		p.setStateLocked(s, StateReconnecting, "ping failed")
		p.mu.Unlock()

		accountID := pr.accountID
		if sup != nil {
			sup.Go0("reconnect."+accountID, func(c context.Context) {
				p.reconnect(c, accountID)
			})
		}
	}
}

// reconnect retries the stored credential with bounded exponential backoff.
// Recovery returns the session to Idle and flags the account as probational;
// exhausting attempts evicts the session and drives the account to error.
func (p *Pool) reconnect(ctx context.Context, accountID string) {
	backoff := p.cfg.ReconnectBase

	for attempt := 1; attempt <= p.cfg.ReconnectMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.ReconnectMax {
			backoff = p.cfg.ReconnectMax
		}

		tr, err := p.connect(ctx, accountID)
		if err == nil {
			p.mu.Lock()
			s := p.sessions[accountID]
			if s == nil || s.state != StateReconnecting || p.closed {
				p.mu.Unlock()
				_ = tr.Close()
				return
			}
			old := s.tr
			s.tr = tr
			s.connectedAt = time.Now()
			s.lastUsed = s.connectedAt
			p.setStateLocked(s, StateIdle, "reconnected")
			p.armIdleTimerLocked(s)
			p.mu.Unlock()

			if old != nil {
				_ = old.Close()
			}
			p.tracker.NoteReconnected(accountID)
			p.log.Info("session reconnected", logx.String("account", accountID), logx.Int("attempt", attempt))
			return
		}

		class := transport.Classify(err)
		p.log.Warn("session reconnect attempt failed",
			logx.String("account", accountID),
			logx.Int("attempt", attempt),
			logx.String("class", class.String()),
			logx.Err(err))

		// A restriction will not heal with more retries.
		if class == transport.FailureRestricted || class == transport.FailurePermanent {
			p.killSession(ctx, accountID, class, err.Error())
			return
		}
	}

	p.killSession(ctx, accountID, transport.FailureTransient, "reconnect attempts exhausted")
}

// killSession evicts the account's session and drives its health state.
func (p *Pool) killSession(ctx context.Context, accountID string, class transport.FailureClass, reason string) {
	p.mu.Lock()
	s := p.sessions[accountID]
	if s != nil {
		p.evictLocked(s, reason)
	}
	p.mu.Unlock()

	switch class {
	case transport.FailureRestricted, transport.FailurePermanent:
		p.tracker.NoteSendFailure(ctx, accountID, class)
	default:
		p.tracker.NoteSessionDead(ctx, accountID, reason)
	}
}
