// Package ratelimit implements sliding-window request limits per (action, client).
//
// A request is admitted when fewer than limit requests were admitted for the same
// key within the trailing window; only admitted requests are recorded, so a denied
// burst does not consume slots. Keys are independent of each other.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request may proceed.
type Limiter interface {
	Allow(ctx context.Context, action, client string, limit int, window time.Duration) (Decision, error)
	Remaining(ctx context.Context, action, client string, limit int, window time.Duration) (int, error)
	Reset(ctx context.Context, action, client string) error
	// Cleanup drops state with no request newer than horizon and reports how many keys were removed.
	Cleanup(ctx context.Context, horizon time.Duration) (int, error)
}

// Policy is a caller-supplied limit for one action.
type Policy struct {
	Action  string
	Limit   int
	Window  time.Duration
	Message string
}
