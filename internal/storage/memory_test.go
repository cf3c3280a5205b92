package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func taskWith(id string, priority int, nextRunAt time.Time) Task {
	return Task{
		ID:         id,
		Kind:       TaskGroupPosting,
		AccountIDs: []string{"a1"},
		TargetIDs:  []string{"g1"},
		Config: TaskConfig{GroupPosting: &GroupPostingConfig{
			Interval:   Duration(time.Hour),
			ContentRef: "x",
		}},
		Status:    TaskRunning,
		Priority:  priority,
		NextRunAt: nextRunAt,
	}
}

func TestFindDueTasksOrdering(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Insert out of order on purpose.
	tasks := []Task{
		taskWith("t-low", 1, now.Add(-time.Minute)),
		taskWith("t-high-late", 9, now.Add(-time.Second)),
		taskWith("t-high-early", 9, now.Add(-time.Minute)),
		taskWith("t-null", 5, time.Time{}), // never run: due immediately
		taskWith("t-future", 9, now.Add(time.Hour)),
		taskWith("t-tie-b", 3, now.Add(-time.Minute)),
		taskWith("t-tie-a", 3, now.Add(-time.Minute)),
	}
	for _, task := range tasks {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask %s: %v", task.ID, err)
		}
	}

	due, err := s.FindDueTasks(ctx, now)
	if err != nil {
		t.Fatalf("FindDueTasks: %v", err)
	}

	want := []string{"t-high-early", "t-high-late", "t-null", "t-tie-a", "t-tie-b", "t-low"}
	if len(due) != len(want) {
		t.Fatalf("due = %d tasks, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}
}

func TestFindDueTasksSkipsNonRunning(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	paused := taskWith("t-paused", 1, now.Add(-time.Minute))
	paused.Status = TaskPaused
	stopped := taskWith("t-stopped", 1, now.Add(-time.Minute))
	stopped.Status = TaskStopped
	for _, task := range []Task{paused, stopped} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	due, err := s.FindDueTasks(ctx, now)
	if err != nil {
		t.Fatalf("FindDueTasks: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %v, want none", due)
	}
}

func TestTaskCRUD(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	task := taskWith("t1", 1, time.Time{})
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateTask(ctx, task); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create err = %v, want ErrConflict", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	// Stores must not alias caller slices.
	got.AccountIDs[0] = "mutated"
	again, _ := s.GetTask(ctx, "t1")
	if again.AccountIDs[0] != "a1" {
		t.Fatal("GetTask returned aliased internal state")
	}

	got.AccountIDs[0] = "a2"
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask after delete err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateTask(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateTask on missing task err = %v, want ErrNotFound", err)
	}
}

func TestExecutionsAndStats(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	execs := []Execution{
		{TaskID: "t1", AccountID: "a1", TargetID: "g1", Success: true, ExecutedAt: base},
		{TaskID: "t1", AccountID: "a1", TargetID: "g1", Success: false, Error: "boom", ExecutedAt: base.Add(time.Minute)},
		{TaskID: "t2", AccountID: "a1", TargetID: "g1", Success: true, ExecutedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range execs {
		if err := s.AppendExecution(ctx, e); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}

	hist, err := s.ListExecutions(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2", len(hist))
	}
	if hist[0].Error != "boom" {
		t.Fatal("history must be newest first")
	}

	if hist, _ := s.ListExecutions(ctx, "t1", 1); len(hist) != 1 {
		t.Fatal("limit not applied")
	}

	st, err := s.TaskStats(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskStats: %v", err)
	}
	if st.Total != 2 || st.Succeeded != 1 || st.Failed != 1 || st.LastError != "boom" {
		t.Fatalf("stats = %+v", st)
	}
	if !st.LastRunAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("LastRunAt = %v", st.LastRunAt)
	}
}

func TestAccountOps(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if err := s.PutAccount(ctx, Account{ID: "a1", Credential: "tok"}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	a, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.PoolStatus != PoolStatusOK {
		t.Fatalf("default status = %s, want ok", a.PoolStatus)
	}

	if err := s.UpdateAccountHealth(ctx, "a1", PoolStatusBanned, 0); err != nil {
		t.Fatalf("UpdateAccountHealth: %v", err)
	}
	at := time.Now()
	if err := s.TouchAccount(ctx, "a1", at); err != nil {
		t.Fatalf("TouchAccount: %v", err)
	}
	a, _ = s.GetAccount(ctx, "a1")
	if a.PoolStatus != PoolStatusBanned || a.HealthScore != 0 || !a.LastActiveAt.Equal(at) {
		t.Fatalf("account = %+v", a)
	}

	if err := s.UpdateAccountHealth(ctx, "nope", PoolStatusOK, 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()
	var cfg GroupPostingConfig
	for _, tt := range []struct {
		raw  string
		want time.Duration
	}{
		{`{"interval":"90s","content_ref":"x"}`, 90 * time.Second},
		{`{"interval":"2h","content_ref":"x"}`, 2 * time.Hour},
		{`{"interval":45,"content_ref":"x"}`, 45 * time.Second}, // bare numbers are seconds
	} {
		if err := json.Unmarshal([]byte(tt.raw), &cfg); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.raw, err)
		}
		if cfg.Interval.Std() != tt.want {
			t.Fatalf("interval from %s = %v, want %v", tt.raw, cfg.Interval.Std(), tt.want)
		}
	}

	if err := json.Unmarshal([]byte(`{"interval":"not-a-duration"}`), &cfg); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
