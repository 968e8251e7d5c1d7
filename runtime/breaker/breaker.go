// Package breaker implements the per-job circuit breaker: a three-state
// machine (closed/open/half_open) that trips on a rolling window of
// countable failures and must be explicitly probed back to health.
//
// Unlike a generation-counting breaker, failures are tracked as individual
// timestamps so the rolling window can be pruned exactly: a failure from 61
// minutes ago stops counting against the threshold the instant it ages out,
// not at the next full-window reset.
package breaker

import (
	"sync"
	"time"
)

// State is one of the breaker's three positions.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// FailureClass classifies an observed failure for the purpose of deciding
// whether it counts against the failure threshold.
type FailureClass string

const (
	ClassTransient   FailureClass = "transient"
	ClassRateLimited FailureClass = "rate_limited"
	ClassPermanent   FailureClass = "permanent"
	ClassExpected    FailureClass = "expected"
	ClassExternal    FailureClass = "external"
)

// Countable reports whether a failure of this class counts toward the
// breaker's failure threshold. Only "expected" failures are excluded.
func (c FailureClass) Countable() bool {
	return c != ClassExpected
}

// ClassifyHTTPStatus maps an HTTP status code (and whether a Retry-After
// header was present) to a FailureClass.
func ClassifyHTTPStatus(status int, hasRetryAfter bool) FailureClass {
	switch {
	case status == 429:
		return ClassRateLimited
	case status == 403 && hasRetryAfter:
		return ClassRateLimited
	case status == 403:
		return ClassExternal
	case status >= 500 && status < 600:
		return ClassTransient
	case status == 422:
		return ClassPermanent
	case status == 404:
		return ClassExpected
	default:
		return ClassExternal
	}
}

// Config tunes a breaker's thresholds and timings.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbes   int
	RollingWindow    time.Duration
}

// DefaultConfig matches the defaults named in the design notes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Minute,
		HalfOpenProbes:   2,
		RollingWindow:    60 * time.Minute,
	}
}

// PersistedState is the round-trippable shape returned by GetState and
// accepted by RestoreState, for durable per-job persistence.
type PersistedState struct {
	State             State
	Failures          int
	Successes         int
	FailureTimestamps []time.Time
	OpenedAt          time.Time
}

// TransitionEvent is emitted when the breaker changes state in a way the
// design notes call out explicitly (opened, closed). half_open transitions
// are silent.
type TransitionEvent struct {
	From State
	To   State
}

// Breaker is a single job's circuit breaker. Not safe for sharing across
// jobs; the Job Registry (or runner) owns one instance per job.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state     State
	failures  int
	successes int
	failureTS []time.Time
	openedAt  time.Time

	onTransition func(TransitionEvent)
}

// Option customizes a Breaker at construction.
type Option func(*Breaker)

// WithClock injects a time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a callback invoked on circuit:opened and
// circuit:closed transitions (not on open->half_open, which is silent
// per the design notes).
func WithTransitionHook(fn func(TransitionEvent)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New constructs a Breaker in the closed state.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanExecute reports whether a call may proceed. In open state, it checks
// whether the cooldown has elapsed; if so it transitions to half_open and
// returns true (the caller's call becomes the first probe).
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.resetWindow()
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenProbes {
			b.transitionTo(StateClosed)
			b.resetWindow()
		}
	}
}

// RecordFailure records a failure of the given class. Countable failures
// accumulate against the rolling-window threshold; in half_open, any
// countable failure reopens the circuit immediately.
func (b *Breaker) RecordFailure(class FailureClass) {
	if !class.Countable() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failureTS = append(b.failureTS, now)
	b.pruneWindow(now)
	b.failures = len(b.failureTS)

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = now
		b.transitionTo(StateOpen)
	}
}

// Reset forces the breaker back to closed regardless of current state,
// clearing all counters. Emits circuit:closed if the state actually
// changed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.resetWindow()
		return
	}
	b.transitionTo(StateClosed)
	b.resetWindow()
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) resetWindow() {
	b.failures = 0
	b.successes = 0
	b.failureTS = nil
}

// pruneWindow drops failure timestamps older than now - RollingWindow.
func (b *Breaker) pruneWindow(now time.Time) {
	if b.cfg.RollingWindow <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.RollingWindow)
	kept := b.failureTS[:0]
	for _, ts := range b.failureTS {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failureTS = kept
}

// transitionTo updates state and fires the transition hook, if any. Caller
// must hold b.mu.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	b.state = to
	if from == to || b.onTransition == nil {
		return
	}
	if to == StateOpen || to == StateClosed {
		b.onTransition(TransitionEvent{From: from, To: to})
	}
}

// GetState returns a round-trippable snapshot of the breaker's internal
// state for durable persistence.
func (b *Breaker) GetState() PersistedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := make([]time.Time, len(b.failureTS))
	copy(ts, b.failureTS)
	return PersistedState{
		State:             b.state,
		Failures:          b.failures,
		Successes:         b.successes,
		FailureTimestamps: ts,
		OpenedAt:          b.openedAt,
	}
}

// RestoreState loads a previously persisted snapshot, used on process
// startup to resume a job's breaker exactly where it left off.
func (b *Breaker) RestoreState(s PersistedState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s.State
	b.failures = s.Failures
	b.successes = s.Successes
	b.failureTS = append([]time.Time(nil), s.FailureTimestamps...)
	b.openedAt = s.OpenedAt
	if b.state == "" {
		b.state = StateClosed
	}
}
