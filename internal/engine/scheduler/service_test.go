package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/engine/governor"
	"fleetbot/internal/engine/health"
	"fleetbot/internal/engine/pool"
	"fleetbot/internal/eventbus"
	"fleetbot/internal/storage"
	"fleetbot/internal/transport"
	logx "fleetbot/pkg/logx"
)

// fakeSession records sends and fails on demand, keyed by account.
type fakeSession struct {
	accountID string
	conn      *fakeConnector
}

func (f *fakeSession) Send(_ context.Context, a transport.Action) (transport.Result, error) {
	f.conn.mu.Lock()
	f.conn.sends = append(f.conn.sends, sendRecord{AccountID: f.accountID, Action: a})
	err := f.conn.sendErr[f.accountID]
	match := f.conn.probeMatch
	started := f.conn.sendStarted
	gate := f.conn.sendGate
	f.conn.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return transport.Result{}, err
	}
	if a.Kind == transport.ActionProbe {
		return transport.Result{Matched: match}, nil
	}
	return transport.Result{MessageID: "42"}, nil
}

func (f *fakeSession) Ping(_ context.Context) error { return nil }
func (f *fakeSession) Close() error                 { return nil }

type sendRecord struct {
	AccountID string
	Action    transport.Action
}

type fakeConnector struct {
	mu         sync.Mutex
	sends      []sendRecord
	sendErr    map[string]error
	probeMatch bool
	// sendStarted/sendGate let a test observe a send in progress and hold it
	// open; both nil in the common case.
	sendStarted chan struct{}
	sendGate    chan struct{}
}

func (f *fakeConnector) Connect(_ context.Context, credential string) (transport.Session, error) {
	// Credentials are "token-<account>"; recover the account for recording.
	return &fakeSession{accountID: strings.TrimPrefix(credential, "token-"), conn: f}, nil
}

func (f *fakeConnector) recorded() []sendRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendRecord(nil), f.sends...)
}

func (f *fakeConnector) failAccount(id string, err error) {
	f.mu.Lock()
	if f.sendErr == nil {
		f.sendErr = map[string]error{}
	}
	f.sendErr[id] = err
	f.mu.Unlock()
}

type fixedCreds struct{}

func (fixedCreds) Credential(_ context.Context, accountID string) (string, error) {
	return "token-" + accountID, nil
}

type fixture struct {
	svc     *Service
	store   storage.Store
	conn    *fakeConnector
	tracker *health.Tracker
	gov     *governor.Governor
	bus     eventbus.Bus
	now     time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New()
	conn := &fakeConnector{}
	// High health threshold so task-level failure tests drive task state, not
	// account state.
	tracker := health.New(health.Config{SendFailureThreshold: 100}, store, bus, logx.Nop())
	gov := governor.New(governor.Config{MaxPerSecond: 1000, MaxPerDay: 100000}, logx.Nop())
	p := pool.New(pool.Config{MaxClients: 8}, conn, fixedCreds{}, tracker, nil, logx.Nop())

	svc := New(cfg, store, p, gov, tracker, bus, nil, logx.Nop())
	f := &fixture{
		svc:     svc,
		store:   store,
		conn:    conn,
		tracker: tracker,
		gov:     gov,
		bus:     bus,
		now:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addAccount(t *testing.T, id string) {
	t.Helper()
	err := f.store.PutAccount(context.Background(), storage.Account{
		ID: id, Credential: "token-" + id, PoolStatus: storage.PoolStatusOK,
	})
	if err != nil {
		t.Fatalf("PutAccount %s: %v", id, err)
	}
}

func postingTask(id string, accounts, targets []string, interval time.Duration) storage.Task {
	return storage.Task{
		ID:         id,
		AccountIDs: accounts,
		TargetIDs:  targets,
		Config: storage.TaskConfig{
			GroupPosting: &storage.GroupPostingConfig{
				Interval:   storage.Duration(interval),
				ContentRef: "hello",
			},
		},
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MinInterval: time.Minute})
	ctx := context.Background()

	tests := []struct {
		name  string
		task  storage.Task
		field string
	}{
		{
			name:  "empty config",
			task:  storage.Task{ID: "t1", AccountIDs: []string{"a"}, TargetIDs: []string{"g"}},
			field: "config",
		},
		{
			name: "no accounts",
			task: storage.Task{ID: "t2", TargetIDs: []string{"g"},
				Config: storage.TaskConfig{GroupPosting: &storage.GroupPostingConfig{
					Interval: storage.Duration(time.Hour), ContentRef: "x"}}},
			field: "account_ids",
		},
		{
			name: "no targets",
			task: storage.Task{ID: "t3", AccountIDs: []string{"a"},
				Config: storage.TaskConfig{GroupPosting: &storage.GroupPostingConfig{
					Interval: storage.Duration(time.Hour), ContentRef: "x"}}},
			field: "target_ids",
		},
		{
			name: "interval below floor",
			task: storage.Task{ID: "t4", AccountIDs: []string{"a"}, TargetIDs: []string{"g"},
				Config: storage.TaskConfig{GroupPosting: &storage.GroupPostingConfig{
					Interval: storage.Duration(time.Second), ContentRef: "x"}}},
			field: "interval",
		},
		{
			name: "bad cron spec",
			task: storage.Task{ID: "t5", AccountIDs: []string{"a"}, TargetIDs: []string{"g"},
				Config: storage.TaskConfig{GroupPosting: &storage.GroupPostingConfig{
					Schedule: "not a cron", ContentRef: "x"}}},
			field: "schedule",
		},
		{
			name: "missing content",
			task: storage.Task{ID: "t6", AccountIDs: []string{"a"}, TargetIDs: []string{"g"},
				Config: storage.TaskConfig{GroupPosting: &storage.GroupPostingConfig{
					Interval: storage.Duration(time.Hour)}}},
			field: "content_ref",
		},
		{
			name: "strict pairing count mismatch",
			task: storage.Task{ID: "t7", AccountIDs: []string{"a", "b"}, TargetIDs: []string{"g"},
				Config: storage.TaskConfig{GroupPosting: &storage.GroupPostingConfig{
					Interval: storage.Duration(time.Hour), ContentRef: "x", StrictPairing: true}}},
			field: "target_ids",
		},
		{
			name: "two config variants",
			task: storage.Task{ID: "t8", AccountIDs: []string{"a"}, TargetIDs: []string{"g"},
				Config: storage.TaskConfig{
					GroupPosting:      &storage.GroupPostingConfig{Interval: storage.Duration(time.Hour), ContentRef: "x"},
					ChannelMonitoring: &storage.ChannelMonitoringConfig{Interval: storage.Duration(time.Hour), CommentRef: "y"},
				}},
			field: "config",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateTask(ctx, tt.task)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %s, want %s", ve.Field, tt.field)
			}
			if _, err := f.store.GetTask(ctx, tt.task.ID); !errors.Is(err, storage.ErrNotFound) {
				t.Fatal("invalid task must never be persisted")
			}
		})
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	created, err := f.svc.CreateTask(ctx, postingTask("", []string{"a1"}, []string{"g1"}, time.Hour))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == "" {
		t.Fatal("id should be generated")
	}
	if created.Status != storage.TaskStopped {
		t.Fatalf("status = %s, want stopped", created.Status)
	}
	if created.Kind != storage.TaskGroupPosting {
		t.Fatalf("kind = %s, want group_posting", created.Kind)
	}
}

func TestStartTaskRequiresEligiblePair(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.tracker.Ban(ctx, "a1", "test")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	_, err := f.svc.StartTask(ctx, "t1")
	var pe *PrecheckError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PrecheckError", err)
	}
	if _, ok := pe.Excluded["a1"]; !ok {
		t.Fatalf("excluded = %v, want reason for a1", pe.Excluded)
	}

	got, err := f.store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskStopped {
		t.Fatalf("status = %s, task must not start without an eligible pair", got.Status)
	}
}

func TestStartTaskSetsRunningAndDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	res, err := f.svc.StartTask(ctx, "t1")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if len(res.Eligible) != 1 {
		t.Fatalf("eligible pairs = %d, want 1", len(res.Eligible))
	}

	got, _ := f.store.GetTask(ctx, "t1")
	if got.Status != storage.TaskRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if !got.NextRunAt.Equal(f.now) {
		t.Fatalf("NextRunAt = %v, want %v (due immediately)", got.NextRunAt, f.now)
	}

	due, err := f.store.FindDueTasks(ctx, f.now)
	if err != nil || len(due) != 1 {
		t.Fatalf("FindDueTasks = %v, %v", due, err)
	}
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{JitterFrac: 0.1})
	ctx := context.Background()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)

	sends := f.conn.recorded()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if sends[0].AccountID != "a1" || sends[0].Action.TargetID != "g1" || sends[0].Action.Text != "hello" {
		t.Fatalf("unexpected send: %+v", sends[0])
	}

	hist, err := f.store.ListExecutions(ctx, "t1", 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("executions = %v, %v", hist, err)
	}
	if !hist[0].Success {
		t.Fatalf("execution = %+v, want success", hist[0])
	}

	got, _ := f.store.GetTask(ctx, "t1")
	min := f.now.Add(time.Hour)
	max := f.now.Add(time.Hour + 6*time.Minute)
	if got.NextRunAt.Before(min) || got.NextRunAt.After(max) {
		t.Fatalf("NextRunAt = %v, want within [%v, %v]", got.NextRunAt, min, max)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d, want 0", got.ConsecutiveFailures)
	}

	views := f.gov.Snapshot()
	if len(views) != 1 || views[0].DayUsed != 1 {
		t.Fatalf("governor snapshot = %+v, want one consumed send", views)
	}

	a, _ := f.store.GetAccount(ctx, "a1")
	if !a.LastActiveAt.Equal(f.now) {
		t.Fatalf("LastActiveAt = %v, want %v", a.LastActiveAt, f.now)
	}
}

func TestDispatchFailureBackoffThenStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{
		FailureThreshold: 3,
		BackoffBase:      time.Minute,
		BackoffMax:       time.Hour,
	})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.conn.failAccount("a1", errors.New("message rejected"))

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	// First failure: counted, backed off.
	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)
	got, _ := f.store.GetTask(ctx, "t1")
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", got.ConsecutiveFailures)
	}
	if !got.NextRunAt.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("NextRunAt = %v, want base backoff %v", got.NextRunAt, f.now.Add(time.Minute))
	}

	// Second failure: doubled backoff.
	f.svc.dispatch(ctx, got)
	got, _ = f.store.GetTask(ctx, "t1")
	if got.ConsecutiveFailures != 2 {
		t.Fatalf("failures = %d, want 2", got.ConsecutiveFailures)
	}
	if !got.NextRunAt.Equal(f.now.Add(2 * time.Minute)) {
		t.Fatalf("NextRunAt = %v, want doubled backoff", got.NextRunAt)
	}

	// Third failure crosses the threshold: task stops.
	f.svc.dispatch(ctx, got)
	got, _ = f.store.GetTask(ctx, "t1")
	if got.Status != storage.TaskStopped {
		t.Fatalf("status = %s, want stopped at threshold", got.Status)
	}

	stats, err := f.store.TaskStats(ctx, "t1")
	if err != nil || stats.Failed != 3 {
		t.Fatalf("stats = %+v, %v; want 3 failed executions", stats, err)
	}

	var stopEvents int
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Topic != eventbus.TopicTaskStatusChanged {
				continue
			}
			sc, ok := e.Data.(TaskStatusChange)
			if ok && sc.To == storage.TaskStopped {
				stopEvents++
			}
		case <-deadline:
			done = true
		}
	}
	if stopEvents != 1 {
		t.Fatalf("stop events = %d, want exactly 1", stopEvents)
	}
}

func TestTransientFailureNotCounted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FailureThreshold: 3})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.conn.failAccount("a1", &transport.RateLimitError{RetryAfter: 5 * time.Second})

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)

	got, _ := f.store.GetTask(ctx, "t1")
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d, rate limits must not count", got.ConsecutiveFailures)
	}
	if !got.NextRunAt.Equal(task.NextRunAt) {
		t.Fatalf("NextRunAt changed to %v; transient skip must leave the task due", got.NextRunAt)
	}
	if hist, _ := f.store.ListExecutions(ctx, "t1", 10); len(hist) != 0 {
		t.Fatalf("executions = %d, transient failures are not recorded", len(hist))
	}
}

func TestDispatchSkipsIneligibleAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	f.tracker.Ban(ctx, "a1", "test")

	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)

	if sends := f.conn.recorded(); len(sends) != 0 {
		t.Fatalf("sends = %d, banned account must never dispatch", len(sends))
	}
	got, _ := f.store.GetTask(ctx, "t1")
	if got.ConsecutiveFailures != 0 {
		t.Fatal("skip must not count as a failure")
	}
}

func TestRotationAcrossAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.addAccount(t, "a2")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1", "a2"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	for i := 0; i < 3; i++ {
		task, _ := f.store.GetTask(ctx, "t1")
		f.svc.dispatch(ctx, task)
	}

	sends := f.conn.recorded()
	if len(sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(sends))
	}
	want := []string{"a1", "a2", "a1"}
	for i, s := range sends {
		if s.AccountID != want[i] {
			t.Fatalf("send %d used %s, want %s (round robin)", i, s.AccountID, want[i])
		}
	}
}

func TestRotationSkipsBudgetExhaustedAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.addAccount(t, "a2")

	// a1 already spent today's single send on another task; a2 has budget.
	f.gov.Apply(governor.Config{MaxPerSecond: 1000, MaxPerDay: 1})
	f.gov.Consume("a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1", "a2"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)

	sends := f.conn.recorded()
	if len(sends) != 1 || sends[0].AccountID != "a2" {
		t.Fatalf("sends = %+v, want exactly one dispatch via a2", sends)
	}

	got, _ := f.store.GetTask(ctx, "t1")
	if !got.NextRunAt.After(f.now) {
		t.Fatalf("NextRunAt = %v, dispatch via a2 should have rescheduled the task", got.NextRunAt)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatal("a rate-limited sibling account must not count as a failure")
	}
}

func TestTickSkipsTaskAlreadyDispatching(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TickInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	started := make(chan struct{}, 2)
	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	f.conn.mu.Lock()
	f.conn.sendStarted = started
	f.conn.sendGate = gate
	f.conn.mu.Unlock()

	f.svc.Start(ctx)
	defer f.svc.Stop(context.Background())
	defer openGate()

	f.svc.tick(ctx)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never reached the transport")
	}

	// The first dispatch is still mid-send; a new tick must skip the task.
	f.svc.tick(ctx)
	select {
	case <-started:
		t.Fatal("task dispatched twice concurrently")
	case <-time.After(50 * time.Millisecond):
	}

	openGate()
	f.svc.Stop(context.Background())

	if sends := f.conn.recorded(); len(sends) != 1 {
		t.Fatalf("sends = %d, want exactly 1", len(sends))
	}
}

func TestChannelMonitoringCommentsOnMatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.conn.probeMatch = true

	task := storage.Task{
		ID:         "t1",
		AccountIDs: []string{"a1"},
		TargetIDs:  []string{"ch1"},
		Config: storage.TaskConfig{
			ChannelMonitoring: &storage.ChannelMonitoringConfig{
				Interval:   storage.Duration(time.Hour),
				Keywords:   []string{"launch"},
				CommentRef: "congrats",
			},
		},
	}
	if _, err := f.svc.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	stored, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, stored)

	sends := f.conn.recorded()
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want probe + comment", len(sends))
	}
	if sends[0].Action.Kind != transport.ActionProbe {
		t.Fatalf("first action = %v, want probe", sends[0].Action.Kind)
	}
	if sends[1].Action.Kind != transport.ActionPost || sends[1].Action.Text != "congrats" {
		t.Fatalf("second action = %+v, want comment post", sends[1].Action)
	}
}

func TestPauseResumeRetainsDeadline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	before, _ := f.store.GetTask(ctx, "t1")

	if err := f.svc.PauseTask(ctx, "t1"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	paused, _ := f.store.GetTask(ctx, "t1")
	if paused.Status != storage.TaskPaused || !paused.NextRunAt.Equal(before.NextRunAt) {
		t.Fatalf("paused task = %+v, deadline must be retained", paused)
	}
	if due, _ := f.store.FindDueTasks(ctx, f.now.Add(time.Hour)); len(due) != 0 {
		t.Fatal("paused tasks must not be due")
	}

	if err := f.svc.ResumeTask(ctx, "t1"); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	resumed, _ := f.store.GetTask(ctx, "t1")
	if resumed.Status != storage.TaskRunning || !resumed.NextRunAt.Equal(before.NextRunAt) {
		t.Fatalf("resumed task = %+v, deadline must survive the pause", resumed)
	}
}

func TestLifecycleTransitionRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := f.svc.PauseTask(ctx, "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pausing a stopped task: err = %v, want ErrInvalidTransition", err)
	}
	if err := f.svc.ResumeTask(ctx, "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resuming a stopped task: err = %v, want ErrInvalidTransition", err)
	}
	if err := f.svc.StopTask(ctx, "t1"); err != nil {
		t.Fatalf("stopping a stopped task should be a no-op, got %v", err)
	}
}

func TestUpdateTaskClearsRotationOnStructuralChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")
	f.addAccount(t, "a2")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1", "a2"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)

	task, _ = f.store.GetTask(ctx, "t1")
	if len(task.DispatchState) == 0 {
		t.Fatal("dispatch should persist a rotation cursor")
	}

	// Priority-only change keeps the cursor.
	upd := task
	upd.Priority = 5
	after, err := f.svc.UpdateTask(ctx, upd)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if len(after.DispatchState) == 0 {
		t.Fatal("non-structural update must keep the rotation cursor")
	}

	// Changing the account set invalidates it.
	upd = after
	upd.AccountIDs = []string{"a2"}
	after, err = f.svc.UpdateTask(ctx, upd)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if len(after.DispatchState) != 0 {
		t.Fatal("structural update must clear the rotation cursor")
	}
}

func TestRestoreStopsInvalidRunningTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MinInterval: time.Minute})
	ctx := context.Background()

	// Simulate a row written by an older build with a now-invalid config.
	bad := postingTask("t1", []string{"a1"}, []string{"g1"}, time.Second)
	bad.Status = storage.TaskRunning
	if err := f.store.CreateTask(ctx, bad); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	good := postingTask("t2", []string{"a1"}, []string{"g1"}, time.Hour)
	good.Status = storage.TaskRunning
	if err := f.store.CreateTask(ctx, good); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := f.svc.RestoreRunningTasks(ctx)
	if err != nil {
		t.Fatalf("RestoreRunningTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1 (stopped-invalid tasks are not restored)", n)
	}

	got, _ := f.store.GetTask(ctx, "t1")
	if got.Status != storage.TaskStopped {
		t.Fatalf("invalid task status = %s, want stopped", got.Status)
	}
	got, _ = f.store.GetTask(ctx, "t2")
	if got.Status != storage.TaskRunning {
		t.Fatalf("valid task status = %s, want running", got.Status)
	}
}

func TestStatsAndHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.addAccount(t, "a1")

	if _, err := f.svc.CreateTask(ctx, postingTask("t1", []string{"a1"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := f.svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	task, _ := f.store.GetTask(ctx, "t1")
	f.svc.dispatch(ctx, task)

	st, err := f.svc.Stats(ctx, "t1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Status != storage.TaskRunning || st.Executions.Succeeded != 1 {
		t.Fatalf("stats = %+v", st)
	}

	hist, err := f.svc.History(ctx, "t1", 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %v, %v", hist, err)
	}

	if _, err := f.svc.Stats(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Stats for unknown task: err = %v, want ErrNotFound", err)
	}
}

func TestDeferredWhenSessionUnavailable(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	conn := &fakeConnector{}
	tracker := health.New(health.Config{SendFailureThreshold: 100}, store, nil, logx.Nop())
	gov := governor.New(governor.Config{MaxPerSecond: 1000, MaxPerDay: 100000}, logx.Nop())
	p := pool.New(pool.Config{MaxClients: 1}, conn, fixedCreds{}, tracker, nil, logx.Nop())
	svc := New(Config{}, store, p, gov, tracker, nil, nil, logx.Nop())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		if err := store.PutAccount(ctx, storage.Account{ID: id, Credential: "token-" + id, PoolStatus: storage.PoolStatusOK}); err != nil {
			t.Fatalf("PutAccount: %v", err)
		}
	}

	// Occupy the pool's only slot with a1.
	held, err := p.Acquire(ctx, "a1")
	if err != nil {
		t.Fatalf("Acquire a1: %v", err)
	}
	defer p.Release(held)

	if _, err := svc.CreateTask(ctx, postingTask("t1", []string{"a2"}, []string{"g1"}, time.Hour)); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := svc.StartTask(ctx, "t1"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	task, _ := store.GetTask(ctx, "t1")
	svc.dispatch(ctx, task)

	got, _ := store.GetTask(ctx, "t1")
	if got.ConsecutiveFailures != 0 {
		t.Fatal("backpressure must not count as failure")
	}
	if !got.NextRunAt.Equal(task.NextRunAt) {
		t.Fatal("deferred dispatch must leave the task due for the next tick")
	}
	if hist, _ := store.ListExecutions(ctx, "t1", 10); len(hist) != 0 {
		t.Fatal("no execution may be recorded for a deferred dispatch")
	}
}
