// Package ratelimit admits or rejects sync requests using a sliding window
// over a shared counter store, so the quota holds no matter which server
// instance handles a given request.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check, with everything a caller
// needs to build rate headers and a retry delay.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// WindowStore records request timestamps per identifier within a sliding
// window. Add trims entries older than windowStart, then records at only when
// fewer than quota entries remain, so rejected requests never consume quota.
// The returned count includes the current request whether or not it was
// recorded; oldest is the oldest remaining entry (zero when none).
type WindowStore interface {
	Add(ctx context.Context, id string, at, windowStart time.Time, quota int, ttl time.Duration) (count int, oldest time.Time, err error)
}

type Limiter struct {
	store  WindowStore
	quota  int
	window time.Duration
	now    func() time.Time
}

func New(store WindowStore, quota int, window time.Duration) *Limiter {
	return &Limiter{store: store, quota: quota, window: window, now: time.Now}
}

// Check admits or rejects one request for the identifier. A rejected request
// does not consume quota. RetryAfter on rejection is the time until the
// oldest in-window request slides out, never more than the window length.
func (l *Limiter) Check(ctx context.Context, id string) (Decision, error) {
	now := l.now()
	start := now.Add(-l.window)

	count, oldest, err := l.store.Add(ctx, id, now, start, l.quota, l.window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed: count <= l.quota,
		Limit:   l.quota,
		ResetAt: now.Add(l.window),
	}
	if !oldest.IsZero() {
		d.ResetAt = oldest.Add(l.window)
	}
	if d.Allowed {
		d.Remaining = l.quota - count
	} else {
		d.RetryAfter = d.ResetAt.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		if d.RetryAfter > l.window {
			d.RetryAfter = l.window
		}
	}
	return d, nil
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
