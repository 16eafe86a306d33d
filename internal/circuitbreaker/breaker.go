// Package circuitbreaker stops calling a failing dependency (the on-chain
// swap router) until a cooldown has passed, then lets a single probe
// through to test it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do without calling fn while the circuit is open.
var ErrOpen = errors.New("circuitbreaker: open")

// State of a circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen // one probe in flight
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blocki",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by circuit, from-state, and to-state.",
}, []string{"circuit", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOnTransition registers a callback run synchronously on every state
// change. It must not call back into the breaker.
func WithOnTransition(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// Breaker guards one dependency. It opens after threshold consecutive
// failures and admits a probe once cooldown has passed since opening.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	onTransition func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a closed breaker. Non-positive threshold and cooldown
// default to 5 and 30s.
func New(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the circuit name used in metrics.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open circuit whose cooldown has
// passed still reports open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn if the circuit admits it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.failures = 0
		b.setState(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// setState requires b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	transitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
