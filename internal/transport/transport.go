package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ActionKind selects what a Session.Send performs.
type ActionKind string

const (
	// ActionPost publishes a message into a group or channel.
	ActionPost ActionKind = "post"
	// ActionProbe fetches channel state for monitoring (no message is sent).
	ActionProbe ActionKind = "probe"
)

// Action is one unit of platform work driven through a session.
type Action struct {
	Kind     ActionKind
	TargetID string
	Text     string
	// Keywords are matched against probed channel state (ActionProbe only).
	Keywords []string
}

// Result of a successfully executed action.
type Result struct {
	MessageID string
	// Matched reports whether any keyword matched during a probe.
	Matched bool
	Detail  string
}

// Session is a live authenticated connection for one account.
// Implementations need not be safe for concurrent Send calls; the engine
// serializes all activity per account.
type Session interface {
	Send(ctx context.Context, a Action) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Connector dials and authenticates a session from a stored credential.
type Connector interface {
	Connect(ctx context.Context, credential string) (Session, error)
}

// ---- Failure taxonomy ----
//
// The scheduler's retry policy hangs off this classification: transient and
// rate-limit failures are retried silently next tick and never count against
// a task's failure threshold; action failures count; restricted/permanent
// failures additionally drive the owning account's health state.

type FailureClass int

const (
	// FailureTransient: infrastructure fault (network, timeout). Retry next tick.
	FailureTransient FailureClass = iota
	// FailureRateLimited: platform flood control. Retry next tick.
	FailureRateLimited
	// FailureAction: the action itself failed (bad target, rejected content).
	// Counts toward the task's consecutive-failure threshold.
	FailureAction
	// FailureRestricted: account-level restriction, recoverable by reconnect.
	FailureRestricted
	// FailurePermanent: account ban. Terminal; requires manual intervention.
	FailurePermanent
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureRateLimited:
		return "rate_limited"
	case FailureAction:
		return "action"
	case FailureRestricted:
		return "restricted"
	case FailurePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// RateLimitError reports platform-side flood control.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by platform (retry after %s)", e.RetryAfter)
}

// RestrictedError reports an account-level restriction.
// Permanent restrictions (bans) require manual intervention.
type RestrictedError struct {
	Reason    string
	Permanent bool
}

func (e *RestrictedError) Error() string {
	if e.Permanent {
		return "account banned: " + e.Reason
	}
	return "account restricted: " + e.Reason
}

// Classify maps an error from Send/Ping/Connect onto the failure taxonomy.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureAction
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return FailureRateLimited
	}
	var re *RestrictedError
	if errors.As(err, &re) {
		if re.Permanent {
			return FailurePermanent
		}
		return FailureRestricted
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return FailureTransient
	}
	return FailureAction
}
