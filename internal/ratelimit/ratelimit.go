// Package ratelimit bounds how many attempts an identity may make per action
// within a rolling window. Stores perform check-then-increment as one atomic step.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Actions guarded by the core.
const (
	ActionRedeemCode       = "redeem_code"
	ActionValidateCode     = "validate_code"
	ActionRequestPlayback  = "request_playback"
	ActionValidatePlayback = "validate_playback"
)

var (
	// ErrLimited indicates the caller exceeded the allowed attempts for the window.
	ErrLimited = errors.New("rate limited")
	// ErrInvalidPolicy indicates a non-positive limit or window.
	ErrInvalidPolicy = errors.New("rate limit policy must be positive")
)

// Key identifies a rate window.
type Key struct {
	Identity string
	Action   string
}

// String renders k with the action length first so parts containing ':'
// cannot collide.
func (k Key) String() string {
	return strconv.Itoa(len(k.Action)) + ":" + k.Action + ":" + k.Identity
}

// Window is the post-increment state of a rate window.
type Window struct {
	Count  int
	Start  time.Time
	Length time.Duration
}

// Expired reports whether the window has fully elapsed at now.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.Start.Add(w.Length))
}

// Store persists rate windows.
type Store interface {
	// Increment atomically resets the window for key when now-start >= window,
	// then increments it, returning the resulting state.
	Increment(ctx context.Context, key Key, window time.Duration, now time.Time) (Window, error)
	// Sweep removes windows whose own length has elapsed at now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Decision reports whether an attempt may proceed.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// Err returns ErrLimited for rejected decisions.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrLimited
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Policy is the limit applied to a single action.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Limiter applies policies against a Store.
type Limiter struct {
	store    Store
	policies map[string]Policy
	enabled  bool
	now      func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithPolicy registers the policy used by Allow for action.
func WithPolicy(action string, p Policy) Option {
	return func(l *Limiter) { l.policies[action] = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Disabled turns policy-driven Allow calls into allows without touching the
// store. Explicit Check calls carry their own limit and still apply.
func Disabled() Option {
	return func(l *Limiter) { l.enabled = false }
}

// NewLimiter constructs a Limiter backed by store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	if store == nil {
		panic("ratelimit: store must not be nil")
	}
	l := &Limiter{
		store:    store,
		policies: make(map[string]Policy),
		enabled:  true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an attempt for (identity, action) and reports whether it is
// within limit attempts per window.
func (l *Limiter) Check(ctx context.Context, identity, action string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, ErrInvalidPolicy
	}

	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "unknown"
	}

	now := l.now()
	w, err := l.store.Increment(ctx, Key{Identity: identity, Action: action}, window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate window: %w", err)
	}

	d := Decision{Allowed: w.Count <= limit, Count: w.Count, Limit: limit}
	if !d.Allowed {
		d.RetryAfter = w.Start.Add(window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// Allow checks identity against the registered policy for action. Actions
// without a policy, and every action on a disabled limiter, are allowed.
func (l *Limiter) Allow(ctx context.Context, identity, action string) (Decision, error) {
	p, ok := l.policies[action]
	if !ok || !l.enabled {
		return Decision{Allowed: true}, nil
	}
	return l.Check(ctx, identity, action, p.Limit, p.Window)
}

// Sweep drops windows that have elapsed. Each window is judged by its own
// length, so windows from explicit Check calls survive until they end.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	return l.store.Sweep(ctx, l.now())
}
