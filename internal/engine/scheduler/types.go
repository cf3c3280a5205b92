package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/storage"
)

type Config struct {
	// TickInterval is the fixed cadence driving due-task evaluation.
	TickInterval time.Duration
	// MinInterval is the validation floor for task intervals.
	MinInterval time.Duration
	// JitterFrac adds up to this fraction of the interval to each computed
	// nextRunAt so accounts never send in detectable lockstep.
	JitterFrac float64
	// Backoff applied to nextRunAt on action failures, doubling per
	// consecutive failure and capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// FailureThreshold stops a task after this many consecutive action
	// failures and emits a status-change event.
	FailureThreshold int
	// DispatchTimeout bounds one action execution.
	DispatchTimeout time.Duration
	// HistoryLimit is the default page size for execution history queries.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.JitterFrac <= 0 || c.JitterFrac > 1 {
		c.JitterFrac = 0.1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 60 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	return c
}

// ValidationError rejects malformed task definitions at create/update time;
// nothing invalid is ever persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

// ErrInvalidTransition reports a lifecycle call that does not apply to the
// task's current status (e.g. pausing a stopped task).
var ErrInvalidTransition = errors.New("invalid task status transition")

// PrecheckError is returned by StartTask when no (account, target) pair is
// eligible: the task is not started and the reasons name every exclusion.
type PrecheckError struct {
	TaskID   string
	Excluded map[string]string // account id -> reason
}

func (e *PrecheckError) Error() string {
	reasons := make([]string, 0, len(e.Excluded))
	for id, r := range e.Excluded {
		reasons = append(reasons, id+": "+r)
	}
	return fmt.Sprintf("task %s has no eligible account/target pair (%s)",
		e.TaskID, strings.Join(reasons, "; "))
}

// Pair is one dispatchable (account, target) combination.
type Pair struct {
	AccountID string `json:"account_id"`
	TargetID  string `json:"target_id"`
}

// PrecheckResult reports dispatch eligibility for a task.
type PrecheckResult struct {
	Eligible []Pair            `json:"eligible"`
	Excluded map[string]string `json:"excluded,omitempty"`
}

// TaskStatusChange is published on the bus when a task's status transitions.
type TaskStatusChange struct {
	TaskID string             `json:"task_id"`
	From   storage.TaskStatus `json:"from"`
	To     storage.TaskStatus `json:"to"`
	Reason string             `json:"reason"`
}

// TaskStats combines a task's live status with its execution aggregates.
type TaskStats struct {
	TaskID              string             `json:"task_id"`
	Status              storage.TaskStatus `json:"status"`
	Priority            int                `json:"priority"`
	NextRunAt           time.Time          `json:"next_run_at,omitzero"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Executions          storage.ExecStats  `json:"executions"`
}

// Snapshot is the scheduler's observability view.
type Snapshot struct {
	TickInterval     time.Duration `json:"tick_interval"`
	Running          int           `json:"running"`
	Paused           int           `json:"paused"`
	Stopped          int           `json:"stopped"`
	InFlight         int           `json:"in_flight"`
	FailureThreshold int           `json:"failure_threshold"`
}

// ContentSource resolves a task's content reference into message text.
// Template rendering lives outside the engine; the default source treats the
// reference as literal text.
type ContentSource interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// StaticContent is the pass-through ContentSource.
type StaticContent struct{}

func (StaticContent) Resolve(_ context.Context, ref string) (string, error) { return ref, nil }

// dispatchCursor is the opaque dispatch state persisted per task: the index
// into the task's pair list where the next dispatch starts scanning. Cleared
// whenever accounts/targets change, so it never indexes a stale pair list.
type dispatchCursor struct {
	Next int `json:"next"`
}

// pairList expands the task's configured pairs deterministically: the
// account x target cross-product by default, or 1:1 when strict pairing is
// enabled.
func pairList(t storage.Task) []Pair {
	if t.Config.StrictPairing() {
		n := len(t.AccountIDs)
		if len(t.TargetIDs) < n {
			n = len(t.TargetIDs)
		}
		pairs := make([]Pair, 0, n)
		for i := 0; i < n; i++ {
			pairs = append(pairs, Pair{AccountID: t.AccountIDs[i], TargetID: t.TargetIDs[i]})
		}
		return pairs
	}
	pairs := make([]Pair, 0, len(t.AccountIDs)*len(t.TargetIDs))
	for _, a := range t.AccountIDs {
		for _, tg := range t.TargetIDs {
			pairs = append(pairs, Pair{AccountID: a, TargetID: tg})
		}
	}
	return pairs
}
