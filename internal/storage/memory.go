package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is the in-process Store used by tests and dev setups.
// Semantics mirror the sqlite driver, including due-task ordering.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	tasks    map[string]Task
	execs    []Execution
	execSeq  int64
}

func NewMemory() Store {
	return &memStore{
		accounts: map[string]Account{},
		tasks:    map[string]Task{},
	}
}

func (s *memStore) Close() error { return nil }

// ---- Accounts ----

func (s *memStore) PutAccount(_ context.Context, a Account) error {
	if a.PoolStatus == "" {
		a.PoolStatus = PoolStatusOK
	}
	if a.HealthScore == 0 && a.PoolStatus == PoolStatusOK {
		a.HealthScore = 100
	}
	s.mu.Lock()
	s.accounts[a.ID] = a
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *memStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateAccountHealth(_ context.Context, id string, status PoolStatus, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.PoolStatus = status
	a.HealthScore = score
	s.accounts[id] = a
	return nil
}

func (s *memStore) TouchAccount(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastActiveAt = at
	s.accounts[id] = a
	return nil
}

// ---- Tasks ----

func (s *memStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrConflict)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) ListTasks(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) FindDueTasks(_ context.Context, now time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status != TaskRunning {
			continue
		}
		if t.NextRunAt.IsZero() || !t.NextRunAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	sortDue(out)
	return out, nil
}

func (s *memStore) FindRunningTasks(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == TaskRunning {
			out = append(out, t.Clone())
		}
	}
	sortDue(out)
	return out, nil
}

func sortDue(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		// Zero NextRunAt ("null") sorts first, matching the sqlite driver.
		if !a.NextRunAt.Equal(b.NextRunAt) {
			return a.NextRunAt.Before(b.NextRunAt)
		}
		return a.ID < b.ID
	})
}

// ---- Executions ----

func (s *memStore) AppendExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execSeq++
	e.ID = s.execSeq
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	s.execs = append(s.execs, e)
	return nil
}

func (s *memStore) ListExecutions(_ context.Context, taskID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for i := len(s.execs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.execs[i].TaskID == taskID {
			out = append(out, s.execs[i])
		}
	}
	return out, nil
}

func (s *memStore) TaskStats(_ context.Context, taskID string) (ExecStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st ExecStats
	for _, e := range s.execs {
		if e.TaskID != taskID {
			continue
		}
		st.Total++
		if e.Success {
			st.Succeeded++
		} else {
			st.Failed++
			st.LastError = e.Error
		}
		if e.ExecutedAt.After(st.LastRunAt) {
			st.LastRunAt = e.ExecutedAt
		}
	}
	return st, nil
}
