// Package circuitbreaker guards calls to backing stores. After a run of
// consecutive failures a key trips open and callers are turned away at once,
// which lets the risk scorer fall back to its fail-safe answer instead of
// queuing behind a dead database.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of a single key.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the cooldown passes
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "secmon",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per key ("history", "audit", ...).
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	limit    int
	cooldown time.Duration
	now      func() time.Time
}

// New returns a breaker that opens after limit consecutive failures and
// probes again once cooldown has elapsed.
func New(limit int, cooldown time.Duration) *Breaker {
	if limit <= 0 {
		limit = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		limit:    limit,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			b.move(key, c, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Success closes a half-open circuit and clears the failure run.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != StateClosed {
		b.move(key, c, StateClosed)
	}
}

// Failure counts a failed call; a failed probe reopens the circuit.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.limit) {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// Release gives back a half-open probe that ended without a verdict. The
// cooldown has already elapsed, so the next Allow probes again.
func (b *Breaker) Release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok && c.state == StateHalfOpen {
		b.move(key, c, StateOpen)
	}
}

// Do runs fn through the circuit for key. Only errors for which counts
// returns true are charged to the circuit; a nil counts charges every error.
// A cancelled call says nothing about the store and is neither charged nor
// counted as a success.
func (b *Breaker) Do(key string, counts func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.Success(key)
	case errors.Is(err, context.Canceled):
		b.Release(key)
	case counts == nil || counts(err):
		b.Failure(key)
	default:
		// The store answered; the error is about the request, not the store.
		b.Success(key)
	}
	return err
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) move(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	stateTransitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
