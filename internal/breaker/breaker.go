// Package breaker isolates failing sources so a broken site is not hammered
// every cycle.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pauljones0/shift-code-bot/internal/metrics"
)

const (
	DefaultThreshold = 3
	DefaultTimeout   = 5 * time.Minute
)

// State is a point-in-time copy of one source's circuit.
type State struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Open        bool      `json:"open"`
}

type Breaker struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	now       func() time.Time
	states    map[string]*State
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &Breaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		states:    make(map[string]*State),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) state(source string) *State {
	s, ok := b.states[source]
	if !ok {
		s = &State{}
		b.states[source] = s
	}
	return s
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(source)
	s.Failures++
	s.LastFailure = b.now()
	if s.Failures >= b.threshold && !s.Open {
		s.Open = true
		metrics.SetBreakerOpen(source, true)
		slog.Warn("Circuit breaker opened", "source", source, "failures", s.Failures, "timeout", b.timeout)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(source)
	if s.Open {
		slog.Info("Circuit breaker closed", "source", source)
	}
	s.Failures = 0
	s.Open = false
	metrics.SetBreakerOpen(source, false)
}

// CanAttempt reports whether source may be contacted. An open circuit allows
// an attempt again once the timeout has elapsed since the last failure, and
// closes at that point. The failure count is kept, so one more failure
// reopens it.
func (b *Breaker) CanAttempt(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(source)
	if !s.Open {
		return true
	}
	if b.now().Sub(s.LastFailure) >= b.timeout {
		s.Open = false
		metrics.SetBreakerOpen(source, false)
		slog.Info("Circuit breaker timeout elapsed, allowing attempt", "source", source)
		return true
	}
	return false
}

// Snapshot returns a copy of the state for source.
func (b *Breaker) Snapshot(source string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.state(source)
}
