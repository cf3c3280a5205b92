package pool

import (
	"context"
	"errors"
	"time"

	"fleetbot/internal/transport"
)

var (
	// ErrSessionUnavailable is backpressure, not failure: the caller retries
	// on a later tick. Returned when the pool is at capacity with no idle
	// victim, the account's session is reconnecting, or connect failed.
	ErrSessionUnavailable = errors.New("session unavailable")

	// ErrInvalidCapacity rejects non-positive capacity.
	ErrInvalidCapacity = errors.New("pool capacity must be > 0")

	// ErrCapacityConflict reports a shrink below the number of sessions
	// currently in use.
	ErrCapacityConflict = errors.New("capacity below active session count")
)

type Config struct {
	// MaxClients bounds concurrent live sessions across all accounts.
	MaxClients int
	// IdleTimeout evicts sessions that sit idle this long. 0 applies default.
	IdleTimeout time.Duration
	// PingInterval paces the background health loop.
	PingInterval time.Duration
	// PingTimeout bounds one ping.
	PingTimeout time.Duration
	// Reconnect backoff window and attempt cap for faulted sessions.
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 2 * time.Minute
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	return c
}

// State is a session's lifecycle position.
//
//	Connecting -> Idle (auth ok) | Dead (auth failed)
//	Idle <-> Active on acquire/release
//	Idle|Active -> Reconnecting on transport fault
//	Reconnecting -> Idle (recovered) | Dead (attempts exhausted)
//	Dead is terminal and triggers eviction.
type State int

const (
	StateConnecting State = iota
	StateIdle
	StateActive
	StateReconnecting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// CredentialSource resolves the stored credential for an account.
// Backed by storage in production, by fixtures in tests.
type CredentialSource interface {
	Credential(ctx context.Context, accountID string) (string, error)
}

// SessionEvent is published on the bus for session state transitions.
type SessionEvent struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// Stats is the pool introspection view.
type Stats struct {
	Capacity     int           `json:"capacity"`
	Total        int           `json:"total"`
	Active       int           `json:"active"`
	Idle         int           `json:"idle"`
	Connecting   int           `json:"connecting"`
	Reconnecting int           `json:"reconnecting"`
	Healthy      int           `json:"healthy"`
	Unhealthy    int           `json:"unhealthy"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// session is the pool's internal record for one account's live connection.
type session struct {
	accountID string
	state     State
	tr        transport.Session

	lastUsed    time.Time
	connectedAt time.Time

	// idleTimer is armed on release and disarmed on acquire.
	idleTimer *time.Timer
	// releaseGen invalidates stale idle timers after re-acquire cycles.
	releaseGen uint64
}

// Session is the handle returned by Acquire. The holder owns the underlying
// connection exclusively until Release.
type Session struct {
	accountID string
	tr        transport.Session
	pool      *Pool
}

func (s *Session) AccountID() string { return s.accountID }

func (s *Session) Send(ctx context.Context, a transport.Action) (transport.Result, error) {
	return s.tr.Send(ctx, a)
}
