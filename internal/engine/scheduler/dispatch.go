package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"fleetbot/internal/engine/pool"
	"fleetbot/internal/eventbus"
	"fleetbot/internal/storage"
	"fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

// accountLocks serializes dispatch per account across tasks. Tasks sharing an
// account never send concurrently, whatever their tick ordering.
type accountLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *accountLocks) lock(accountID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]*sync.Mutex{}
	}
	am := l.m[accountID]
	if am == nil {
		am = &sync.Mutex{}
		l.m[accountID] = am
	}
	l.mu.Unlock()

	am.Lock()
	return am.Unlock
}

// dispatch executes one run of the task: scan the rotation for the first
// pair whose account is healthy AND has budget, send under the account lock,
// then persist the outcome. A rate-limited account does not stall the task;
// the scan moves on to the next pair.
//
// A tick where no pair clears the filter, or where no session slot is free,
// is a silent skip: the task stays due and is retried next tick without
// counting as a failure.
func (s *Service) dispatch(ctx context.Context, t storage.Task) {
	pairs := pairList(t)
	if len(pairs) == 0 {
		return
	}

	cursor := s.loadCursor(t)
	for i := 0; i < len(pairs); i++ {
		idx := (cursor + i) % len(pairs)
		pair := pairs[idx]
		if !s.tracker.Eligible(pair.AccountID) || !s.gov.Check(pair.AccountID).Allowed {
			continue
		}
		if s.attempt(ctx, t, pair, idx) {
			return
		}
		// The budget was spent while we waited on the account lock; keep
		// scanning, another pair may still have room.
	}
	s.log.Debug("dispatch skipped, no eligible pair with budget", logx.String("task", t.ID))
}

// attempt sends through one pair under its account lock. It reports false
// only when the governor denied the account after the lock was taken, so the
// caller rotates to the next candidate; every other outcome is terminal for
// this tick.
func (s *Service) attempt(ctx context.Context, t storage.Task, pair Pair, picked int) bool {
	unlock := s.locks.lock(pair.AccountID)
	defer unlock()

	// Re-check under the account lock: another task may have spent the budget
	// while we waited.
	if d := s.gov.Check(pair.AccountID); !d.Allowed {
		s.log.Debug("account budget exhausted, rotating on",
			logx.String("task", t.ID),
			logx.String("account", pair.AccountID),
			logx.Duration("retry_after", d.RetryAfter))
		return false
	}

	sess, err := s.pool.Acquire(ctx, pair.AccountID)
	if err != nil {
		if errors.Is(err, pool.ErrSessionUnavailable) {
			s.log.Debug("dispatch deferred, session unavailable",
				logx.String("task", t.ID),
				logx.String("account", pair.AccountID))
			return true
		}
		s.log.Warn("session acquire failed",
			logx.String("task", t.ID),
			logx.String("account", pair.AccountID),
			logx.Err(err))
		return true
	}
	defer s.pool.Release(sess)

	actx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	res, err := s.execute(actx, t, sess, pair)
	cancel()

	if err == nil {
		s.recordSuccess(ctx, t, pair, picked, res)
		return true
	}
	s.recordFailure(ctx, t, pair, picked, err)
	return true
}

// execute performs the task's action through the session.
func (s *Service) execute(ctx context.Context, t storage.Task, sess *pool.Session, pair Pair) (transport.Result, error) {
	switch t.Kind {
	case storage.TaskChannelMonitoring:
		cfg := t.Config.ChannelMonitoring
		probe, err := sess.Send(ctx, transport.Action{
			Kind:     transport.ActionProbe,
			TargetID: pair.TargetID,
			Keywords: cfg.Keywords,
		})
		if err != nil {
			return transport.Result{}, err
		}
		if !probe.Matched {
			// No keyword hit is a successful no-op run.
			return probe, nil
		}
		text, err := s.content.Resolve(ctx, cfg.CommentRef)
		if err != nil {
			return transport.Result{}, err
		}
		return sess.Send(ctx, transport.Action{
			Kind:     transport.ActionPost,
			TargetID: pair.TargetID,
			Text:     text,
		})
	default:
		text, err := s.content.Resolve(ctx, t.Config.ContentRef())
		if err != nil {
			return transport.Result{}, err
		}
		return sess.Send(ctx, transport.Action{
			Kind:     transport.ActionPost,
			TargetID: pair.TargetID,
			Text:     text,
		})
	}
}

func (s *Service) recordSuccess(ctx context.Context, t storage.Task, pair Pair, picked int, res transport.Result) {
	now := s.now()
	s.gov.Consume(pair.AccountID)
	s.tracker.NoteSendOK(ctx, pair.AccountID)
	if err := s.store.TouchAccount(ctx, pair.AccountID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("touch account failed", logx.String("account", pair.AccountID), logx.Err(err))
	}

	s.appendExecution(ctx, storage.Execution{
		TaskID:     t.ID,
		AccountID:  pair.AccountID,
		TargetID:   pair.TargetID,
		Success:    true,
		ExecutedAt: now,
	})

	err := s.mutateTask(ctx, t.ID, func(fresh *storage.Task) {
		fresh.ConsecutiveFailures = 0
		fresh.NextRunAt = s.nextRun(*fresh, now)
		fresh.DispatchState = s.saveCursor(len(pairList(*fresh)), picked)
	})
	if err != nil && !errors.Is(err, errTaskGone) {
		s.log.Warn("persist task after success failed", logx.String("task", t.ID), logx.Err(err))
	}

	s.log.Info("dispatch succeeded",
		logx.String("task", t.ID),
		logx.String("account", pair.AccountID),
		logx.String("target", pair.TargetID),
		logx.String("message_id", res.MessageID))
}

func (s *Service) recordFailure(ctx context.Context, t storage.Task, pair Pair, picked int, sendErr error) {
	class := transport.Classify(sendErr)
	now := s.now()

	switch class {
	case transport.FailureTransient, transport.FailureRateLimited:
		// Infrastructure noise: no execution record, no failure count. The
		// task stays due and retries next tick.
		s.log.Debug("dispatch hit transient failure",
			logx.String("task", t.ID),
			logx.String("account", pair.AccountID),
			logx.String("class", class.String()),
			logx.Err(sendErr))
		return
	}

	s.tracker.NoteSendFailure(ctx, pair.AccountID, class)

	s.appendExecution(ctx, storage.Execution{
		TaskID:     t.ID,
		AccountID:  pair.AccountID,
		TargetID:   pair.TargetID,
		Success:    false,
		Error:      sendErr.Error(),
		ExecutedAt: now,
	})

	var stoppedFrom storage.TaskStatus
	err := s.mutateTask(ctx, t.ID, func(fresh *storage.Task) {
		fresh.ConsecutiveFailures++
		fresh.DispatchState = s.saveCursor(len(pairList(*fresh)), picked)
		if fresh.ConsecutiveFailures >= s.cfg.FailureThreshold && fresh.Status == storage.TaskRunning {
			stoppedFrom = fresh.Status
			fresh.Status = storage.TaskStopped
			return
		}
		fresh.NextRunAt = now.Add(s.backoff(fresh.ConsecutiveFailures))
	})
	if err != nil {
		if !errors.Is(err, errTaskGone) {
			s.log.Warn("persist task after failure failed", logx.String("task", t.ID), logx.Err(err))
		}
		return
	}

	if stoppedFrom != "" {
		s.log.Warn("task stopped after repeated failures",
			logx.String("task", t.ID),
			logx.Int("failures", s.cfg.FailureThreshold))
		s.publishStatus(t.ID, stoppedFrom, storage.TaskStopped, "failure threshold reached")
		return
	}

	s.log.Warn("dispatch failed",
		logx.String("task", t.ID),
		logx.String("account", pair.AccountID),
		logx.String("target", pair.TargetID),
		logx.String("class", class.String()),
		logx.Err(sendErr))
}

// mutateTask reloads the task, applies fn, and persists. Reloading keeps
// outcome writes from clobbering a concurrent stop/pause: only the fields fn
// touches change.
func (s *Service) mutateTask(ctx context.Context, id string, fn func(*storage.Task)) error {
	fresh, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errTaskGone
		}
		return err
	}
	fn(&fresh)
	fresh.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, fresh); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errTaskGone
		}
		return err
	}
	return nil
}

func (s *Service) appendExecution(ctx context.Context, e storage.Execution) {
	if err := s.store.AppendExecution(ctx, e); err != nil {
		s.log.Warn("append execution failed", logx.String("task", e.TaskID), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventbus.TopicExecutionRecorded, Data: e})
	}
}

// nextRun computes the deadline after a successful run: the cron slot when a
// schedule is set, otherwise now + interval + jitter.
func (s *Service) nextRun(t storage.Task, now time.Time) time.Time {
	if spec := t.Config.Schedule(); spec != "" {
		if sched, err := cronParser.Parse(spec); err == nil {
			return sched.Next(now)
		}
	}
	interval := t.Config.Interval()
	return now.Add(interval + s.jitter(interval))
}

// jitter returns a random addition in [0, JitterFrac*interval).
func (s *Service) jitter(interval time.Duration) time.Duration {
	span := time.Duration(s.cfg.JitterFrac * float64(interval))
	if span <= 0 {
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return time.Duration(s.rng.Int63n(int64(span)))
}

// backoff doubles per consecutive failure, capped.
func (s *Service) backoff(failures int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

func (s *Service) loadCursor(t storage.Task) int {
	if len(t.DispatchState) == 0 {
		return 0
	}
	var c dispatchCursor
	if err := json.Unmarshal(t.DispatchState, &c); err != nil || c.Next < 0 {
		return 0
	}
	return c.Next
}

// saveCursor advances the rotation past the pair just used.
func (s *Service) saveCursor(pairCount, picked int) []byte {
	if pairCount <= 0 {
		return nil
	}
	b, _ := json.Marshal(dispatchCursor{Next: (picked + 1) % pairCount})
	return b
}
