package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store (tests, dev)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PoolStatus is the account-level usability classification.
//
// Accounts in "error" or "banned" are excluded from dispatch; "cooldown" is a
// protective throttle that auto-expires.
type PoolStatus string

const (
	PoolStatusOK       PoolStatus = "ok"
	PoolStatusError    PoolStatus = "error"
	PoolStatusBanned   PoolStatus = "banned"
	PoolStatusCooldown PoolStatus = "cooldown"
)

func (s PoolStatus) Valid() bool {
	switch s {
	case PoolStatusOK, PoolStatusError, PoolStatusBanned, PoolStatusCooldown:
		return true
	}
	return false
}

// Account is one authenticated messaging-platform identity.
// The engine owns PoolStatus; credential lifecycle belongs to the transport.
type Account struct {
	ID           string
	Label        string
	Credential   string
	PoolStatus   PoolStatus
	HealthScore  int
	LastActiveAt time.Time
}

type TaskKind string

const (
	TaskGroupPosting      TaskKind = "group_posting"
	TaskChannelMonitoring TaskKind = "channel_monitoring"
)

type TaskStatus string

const (
	TaskStopped TaskStatus = "stopped"
	TaskRunning TaskStatus = "running"
	TaskPaused  TaskStatus = "paused"
)

// Duration marshals as a Go duration string ("30s", "2h") inside JSON config
// blobs so persisted task configs stay human-readable.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		// Bare numbers are seconds.
		*d = Duration(time.Duration(x) * time.Second)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// GroupPostingConfig configures a recurring post into one or more groups.
type GroupPostingConfig struct {
	// Interval between posts per task run. Ignored when Schedule is set.
	Interval Duration `json:"interval"`
	// Schedule is an optional cron spec ("*/30 * * * *", "@hourly") that
	// replaces the fixed interval.
	Schedule   string `json:"schedule,omitempty"`
	ContentRef string `json:"content_ref"`
	// StrictPairing pairs accountIDs[i] with targetIDs[i] instead of the
	// default account x target cross-product.
	StrictPairing bool `json:"strict_pairing,omitempty"`
}

// ChannelMonitoringConfig configures watching channels and commenting when
// keywords match.
type ChannelMonitoringConfig struct {
	Interval      Duration `json:"interval"`
	Schedule      string   `json:"schedule,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	CommentRef    string   `json:"comment_ref"`
	StrictPairing bool     `json:"strict_pairing,omitempty"`
}

// TaskConfig is a tagged variant keyed by task kind: exactly one member must
// be set. Validation happens at create/update time, not at dispatch time.
type TaskConfig struct {
	GroupPosting      *GroupPostingConfig      `json:"group_posting,omitempty"`
	ChannelMonitoring *ChannelMonitoringConfig `json:"channel_monitoring,omitempty"`
}

func (c TaskConfig) Kind() (TaskKind, error) {
	switch {
	case c.GroupPosting != nil && c.ChannelMonitoring != nil:
		return "", errors.New("task config: exactly one of group_posting/channel_monitoring must be set")
	case c.GroupPosting != nil:
		return TaskGroupPosting, nil
	case c.ChannelMonitoring != nil:
		return TaskChannelMonitoring, nil
	default:
		return "", errors.New("task config: empty")
	}
}

func (c TaskConfig) Interval() time.Duration {
	if c.GroupPosting != nil {
		return c.GroupPosting.Interval.Std()
	}
	if c.ChannelMonitoring != nil {
		return c.ChannelMonitoring.Interval.Std()
	}
	return 0
}

func (c TaskConfig) Schedule() string {
	if c.GroupPosting != nil {
		return c.GroupPosting.Schedule
	}
	if c.ChannelMonitoring != nil {
		return c.ChannelMonitoring.Schedule
	}
	return ""
}

func (c TaskConfig) StrictPairing() bool {
	if c.GroupPosting != nil {
		return c.GroupPosting.StrictPairing
	}
	if c.ChannelMonitoring != nil {
		return c.ChannelMonitoring.StrictPairing
	}
	return false
}

func (c TaskConfig) ContentRef() string {
	if c.GroupPosting != nil {
		return c.GroupPosting.ContentRef
	}
	if c.ChannelMonitoring != nil {
		return c.ChannelMonitoring.CommentRef
	}
	return ""
}

// Task is a persisted recurring outbound action.
//
// NextRunAt zero value means "null": the task is due immediately once running.
// DispatchState is opaque to storage; the scheduler stores its pair-rotation
// cursor there and clears it whenever AccountIDs/TargetIDs change.
type Task struct {
	ID                  string
	Kind                TaskKind
	AccountIDs          []string
	TargetIDs           []string
	Config              TaskConfig
	Status              TaskStatus
	Priority            int
	NextRunAt           time.Time
	DispatchState       []byte
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy so stores can hand out tasks without aliasing
// internal slices.
func (t Task) Clone() Task {
	cp := t
	cp.AccountIDs = append([]string(nil), t.AccountIDs...)
	cp.TargetIDs = append([]string(nil), t.TargetIDs...)
	cp.DispatchState = append([]byte(nil), t.DispatchState...)
	return cp
}

// Execution is an append-only dispatch outcome record. Never mutated.
type Execution struct {
	ID         int64
	TaskID     string
	AccountID  string
	TargetID   string
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// ExecStats aggregates a task's execution history.
type ExecStats struct {
	Total     int
	Succeeded int
	Failed    int
	LastRunAt time.Time
	LastError string
}
