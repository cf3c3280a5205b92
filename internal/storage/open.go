package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fleetbot/pkg/logx"
)

// Store is the persistence API the engine depends on.
//
// Implementations must keep a single task's update atomic; the scheduler
// assumes one task's write never corrupts another's row.
type Store interface {
	// Accounts.
	PutAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	UpdateAccountHealth(ctx context.Context, id string, status PoolStatus, score int) error
	TouchAccount(ctx context.Context, id string, at time.Time) error

	// Tasks.
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id string) error

	// FindDueTasks returns running tasks with NextRunAt unset or <= now,
	// ordered priority DESC, NextRunAt ASC, id ASC (deterministic ties).
	FindDueTasks(ctx context.Context, now time.Time) ([]Task, error)
	FindRunningTasks(ctx context.Context) ([]Task, error)

	// Executions (append-only).
	AppendExecution(ctx context.Context, e Execution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error)
	TaskStats(ctx context.Context, taskID string) (ExecStats, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
