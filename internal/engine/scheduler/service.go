// Package scheduler turns persisted tasks into dispatched platform actions.
//
// A fixed tick drives the loop: due running tasks are fetched in priority
// order, each gets at most one dispatch per tick, and every dispatch runs in
// its own supervised goroutine under the target account's dispatch lock so no
// account ever sends concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"fleetbot/internal/engine/governor"
	"fleetbot/internal/engine/health"
	"fleetbot/internal/engine/pool"
	"fleetbot/internal/eventbus"
	rtsup "fleetbot/internal/runtime/supervisor"
	"fleetbot/internal/storage"
	logx "fleetbot/pkg/logx"
)

// cronParser accepts standard 5-field specs plus descriptors ("@hourly").
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	cfg     Config
	store   storage.Store
	pool    *pool.Pool
	gov     *governor.Governor
	tracker *health.Tracker
	bus     eventbus.Bus
	content ContentSource
	log     logx.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	sup      *rtsup.Supervisor
	inFlight map[string]bool // task id -> dispatch running

	dispatchWG sync.WaitGroup
	locks      accountLocks

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

func New(cfg Config, store storage.Store, p *pool.Pool, gov *governor.Governor, tracker *health.Tracker, bus eventbus.Bus, content ContentSource, log logx.Logger) *Service {
	if content == nil {
		content = StaticContent{}
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		pool:     p,
		gov:      gov,
		tracker:  tracker,
		bus:      bus,
		content:  content,
		log:      log,
		inFlight: map[string]bool{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Start launches the tick loop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup := s.sup
	stopCh := s.stopCh
	s.mu.Unlock()

	sup.GoRestart("tickloop", func(ctx context.Context) error {
		return s.run(ctx, stopCh)
	}, rtsup.WithStopOnCleanExit(true))

	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Int("failure_threshold", s.cfg.FailureThreshold))
}

// Stop halts the tick loop, then waits for in-flight dispatches up to the
// context deadline. In-flight sends are allowed to finish; they are not
// interrupted mid-action unless the grace period runs out.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop grace period expired with dispatches in flight")
	}

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) run(ctx context.Context, stopCh chan struct{}) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fetches due tasks and spawns one dispatch per task. A task still
// dispatching from an earlier tick is skipped, so long-running sends never
// stack.
func (s *Service) tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.FindDueTasks(ctx, now)
	if err != nil {
		s.log.Warn("due task query failed", logx.Err(err))
		return
	}

	for _, t := range due {
		t := t
		s.mu.Lock()
		if s.stopCh == nil || s.inFlight[t.ID] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[t.ID] = true
		sup := s.sup
		s.mu.Unlock()

		s.dispatchWG.Add(1)
		sup.Go0("dispatch."+t.ID, func(ctx context.Context) {
			defer s.dispatchWG.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inFlight, t.ID)
				s.mu.Unlock()
			}()
			s.dispatch(ctx, t)
		})
	}
}

// Precheck evaluates which (account, target) pairs of the task are currently
// dispatchable: account eligible per the health tracker and within budget per
// the governor.
func (s *Service) Precheck(ctx context.Context, taskID string) (PrecheckResult, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return PrecheckResult{}, err
	}
	return s.precheck(t), nil
}

func (s *Service) precheck(t storage.Task) PrecheckResult {
	res := PrecheckResult{Excluded: map[string]string{}}
	for _, p := range pairList(t) {
		if !s.tracker.Eligible(p.AccountID) {
			res.Excluded[p.AccountID] = "account " + string(s.tracker.Status(p.AccountID))
			continue
		}
		if d := s.gov.Check(p.AccountID); !d.Allowed {
			res.Excluded[p.AccountID] = fmt.Sprintf("rate limited, retry in %s", d.RetryAfter.Round(time.Second))
			continue
		}
		res.Eligible = append(res.Eligible, p)
	}
	if len(res.Excluded) == 0 {
		res.Excluded = nil
	}
	return res
}

// CreateTask validates and persists a new task. Tasks are created stopped
// unless the definition says otherwise; an invalid definition is never stored.
func (s *Service) CreateTask(ctx context.Context, t storage.Task) (storage.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	kind, err := s.validate(&t)
	if err != nil {
		return storage.Task{}, err
	}
	t.Kind = kind
	if t.Status == "" {
		t.Status = storage.TaskStopped
	}
	if t.Status != storage.TaskStopped && t.Status != storage.TaskRunning && t.Status != storage.TaskPaused {
		return storage.Task{}, &ValidationError{Field: "status", Reason: "unknown status " + string(t.Status)}
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.ConsecutiveFailures = 0
	t.DispatchState = nil
	if t.Status == storage.TaskRunning && t.NextRunAt.IsZero() {
		t.NextRunAt = s.firstRun(t, now)
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return storage.Task{}, err
	}
	s.log.Info("task created",
		logx.String("task", t.ID),
		logx.String("kind", string(t.Kind)),
		logx.Int("priority", t.Priority))
	return t, nil
}

// UpdateTask validates and persists changes to an existing task. Status,
// failure count and nextRunAt are owned by the lifecycle operations and are
// preserved from the stored row; changing the account or target set resets
// the dispatch rotation.
func (s *Service) UpdateTask(ctx context.Context, t storage.Task) (storage.Task, error) {
	cur, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return storage.Task{}, err
	}
	kind, err := s.validate(&t)
	if err != nil {
		return storage.Task{}, err
	}
	t.Kind = kind
	t.Status = cur.Status
	t.NextRunAt = cur.NextRunAt
	t.ConsecutiveFailures = cur.ConsecutiveFailures
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	if sameStrings(t.AccountIDs, cur.AccountIDs) && sameStrings(t.TargetIDs, cur.TargetIDs) {
		t.DispatchState = cur.DispatchState
	} else {
		t.DispatchState = nil
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return storage.Task{}, err
	}
	s.log.Info("task updated", logx.String("task", t.ID))
	return t, nil
}

func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.log.Info("task deleted", logx.String("task", id))
	return nil
}

// StartTask prechecks eligibility and moves the task to running. With no
// eligible (account, target) pair the task stays in its current status and
// the error names every exclusion.
func (s *Service) StartTask(ctx context.Context, id string) (PrecheckResult, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return PrecheckResult{}, err
	}
	res := s.precheck(t)
	if t.Status == storage.TaskRunning {
		return res, nil
	}
	if len(res.Eligible) == 0 {
		return res, &PrecheckError{TaskID: id, Excluded: res.Excluded}
	}
	from := t.Status
	t.Status = storage.TaskRunning
	t.ConsecutiveFailures = 0
	t.NextRunAt = s.firstRun(t, s.now())
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return res, err
	}
	s.publishStatus(t.ID, from, storage.TaskRunning, "started")
	return res, nil
}

// StopTask halts scheduling. An in-flight dispatch is allowed to finish; the
// task simply stops being selected.
func (s *Service) StopTask(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, storage.TaskStopped, "stopped",
		storage.TaskRunning, storage.TaskPaused)
}

// PauseTask suspends a running task without touching its schedule position.
func (s *Service) PauseTask(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, storage.TaskPaused, "paused", storage.TaskRunning)
}

// ResumeTask returns a paused task to running. NextRunAt is retained: a
// deadline that passed while paused makes the task due on the next tick.
func (s *Service) ResumeTask(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, storage.TaskRunning, "resumed", storage.TaskPaused)
}

func (s *Service) setStatus(ctx context.Context, id string, to storage.TaskStatus, reason string, from ...storage.TaskStatus) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == to {
		return nil
	}
	ok := false
	for _, f := range from {
		if t.Status == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	prev := t.Status
	t.Status = to
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publishStatus(id, prev, to, reason)
	return nil
}

// RestoreRunningTasks re-arms tasks persisted as running after a restart.
// Overdue deadlines are left in the past so restored tasks are picked up on
// the first tick, still in priority order.
func (s *Service) RestoreRunningTasks(ctx context.Context) (int, error) {
	tasks, err := s.store.FindRunningTasks(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	stopped := 0
	for _, t := range tasks {
		if _, err := s.validate(&t); err != nil {
			s.log.Warn("restored task has invalid config, stopping it",
				logx.String("task", t.ID), logx.Err(err))
			t.Status = storage.TaskStopped
			t.UpdatedAt = s.now()
			if uerr := s.store.UpdateTask(ctx, t); uerr != nil {
				s.log.Warn("stop invalid task failed", logx.String("task", t.ID), logx.Err(uerr))
			}
			stopped++
			continue
		}
		restored++
	}
	s.log.Info("running tasks restored",
		logx.Int("restored", restored),
		logx.Int("stopped_invalid", stopped))
	return restored, nil
}

// Stats returns the task's live status combined with execution aggregates.
func (s *Service) Stats(ctx context.Context, taskID string) (TaskStats, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskStats{}, err
	}
	es, err := s.store.TaskStats(ctx, taskID)
	if err != nil {
		return TaskStats{}, err
	}
	return TaskStats{
		TaskID:              t.ID,
		Status:              t.Status,
		Priority:            t.Priority,
		NextRunAt:           t.NextRunAt,
		ConsecutiveFailures: t.ConsecutiveFailures,
		Executions:          es,
	}, nil
}

// History returns the task's most recent executions, newest first.
func (s *Service) History(ctx context.Context, taskID string, limit int) ([]storage.Execution, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, taskID, limit)
}

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		TickInterval:     s.cfg.TickInterval,
		FailureThreshold: s.cfg.FailureThreshold,
	}
	for _, t := range tasks {
		switch t.Status {
		case storage.TaskRunning:
			snap.Running++
		case storage.TaskPaused:
			snap.Paused++
		case storage.TaskStopped:
			snap.Stopped++
		}
	}
	s.mu.Lock()
	snap.InFlight = len(s.inFlight)
	s.mu.Unlock()
	return snap, nil
}

// ---- validation ----

func (s *Service) validate(t *storage.Task) (storage.TaskKind, error) {
	kind, err := t.Config.Kind()
	if err != nil {
		return "", &ValidationError{Field: "config", Reason: err.Error()}
	}
	if t.Kind != "" && t.Kind != kind {
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("kind %q does not match config %q", t.Kind, kind)}
	}
	if len(t.AccountIDs) == 0 {
		return "", &ValidationError{Field: "account_ids", Reason: "at least one account required"}
	}
	if len(t.TargetIDs) == 0 {
		return "", &ValidationError{Field: "target_ids", Reason: "at least one target required"}
	}
	if t.Config.StrictPairing() && len(t.AccountIDs) != len(t.TargetIDs) {
		return "", &ValidationError{Field: "target_ids",
			Reason: fmt.Sprintf("strict pairing needs equal counts, got %d accounts and %d targets",
				len(t.AccountIDs), len(t.TargetIDs))}
	}
	if t.Config.ContentRef() == "" {
		return "", &ValidationError{Field: "content_ref", Reason: "required"}
	}
	if spec := t.Config.Schedule(); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return "", &ValidationError{Field: "schedule", Reason: fmt.Sprintf("bad cron spec %q: %v", spec, err)}
		}
	} else if t.Config.Interval() < s.cfg.MinInterval {
		return "", &ValidationError{Field: "interval",
			Reason: fmt.Sprintf("%s below minimum %s", t.Config.Interval(), s.cfg.MinInterval)}
	}
	return kind, nil
}

// firstRun computes the initial deadline when a task enters running.
// Interval tasks are due immediately; cron tasks wait for their next slot.
func (s *Service) firstRun(t storage.Task, now time.Time) time.Time {
	if spec := t.Config.Schedule(); spec != "" {
		if sched, err := cronParser.Parse(spec); err == nil {
			return sched.Next(now)
		}
	}
	return now
}

func (s *Service) publishStatus(id string, from, to storage.TaskStatus, reason string) {
	s.log.Info("task status changed",
		logx.String("task", id),
		logx.String("from", string(from)),
		logx.String("to", string(to)),
		logx.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicTaskStatusChanged,
			Data:  TaskStatusChange{TaskID: id, From: from, To: to, Reason: reason},
		})
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// errTaskGone marks a task deleted mid-dispatch; the outcome is dropped.
var errTaskGone = errors.New("task deleted during dispatch")
