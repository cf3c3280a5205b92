package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureAction},
		{"plain error", errors.New("bad request"), FailureAction},
		{"rate limit", &RateLimitError{RetryAfter: 30 * time.Second}, FailureRateLimited},
		{"wrapped rate limit", fmt.Errorf("send: %w", &RateLimitError{RetryAfter: time.Second}), FailureRateLimited},
		{"restricted", &RestrictedError{Reason: "flagged"}, FailureRestricted},
		{"banned", &RestrictedError{Reason: "spam report", Permanent: true}, FailurePermanent},
		{"deadline", context.DeadlineExceeded, FailureTransient},
		{"canceled", context.Canceled, FailureTransient},
		{"network", &net.DNSError{Err: "no such host", IsTimeout: true}, FailureTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailureClassString(t *testing.T) {
	t.Parallel()
	if got := FailureRateLimited.String(); got != "rate_limited" {
		t.Fatalf("String() = %q", got)
	}
	if got := FailureClass(99).String(); got != "unknown" {
		t.Fatalf("String() on bogus class = %q", got)
	}
}
