package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects attempts.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // attempts pass through
	StateOpen                  // attempts fail fast until the cool-down ends
	StateHalfOpen              // a limited number of probe attempts are let through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes needed to close it again
	OpenTimeout      time.Duration // cool-down before probing
	MaxHalfOpen      int           // concurrent probes while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
		MaxHalfOpen:      1,
	}
}

// Stats holds circuit breaker statistics
type Stats struct {
	State           State
	Failures        int
	Successes       int
	HalfOpenProbes  int
	LastFailureTime time.Time
	StateChangeTime time.Time
}

// Breaker guards an operation that keeps failing, such as restarting a
// decoder for a camera that is offline.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	probes          int
	lastFailureTime time.Time
	stateChangeTime time.Time

	onStateChange func(from, to State)
}

// New creates a breaker. Zero config fields take the defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxHalfOpen <= 0 {
		cfg.MaxHalfOpen = def.MaxHalfOpen
	}
	return &Breaker{
		cfg:             cfg,
		now:             time.Now,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers fn to be called after every transition. fn runs on
// the goroutine that caused the transition, outside the breaker's lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether an attempt may proceed. Every nil return must be
// followed by Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from State
	changed := false

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.stateChangeTime) < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		from, changed = b.transitionLocked(StateHalfOpen)
		b.probes++
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxHalfOpen {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
	}
	fn := b.onStateChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(from, StateHalfOpen)
	}
	return nil
}

// Success records a successful attempt.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	var from State
	changed := false

	if b.state == StateHalfOpen {
		b.successes++
		if b.probes > 0 {
			b.probes--
		}
		if b.successes >= b.cfg.SuccessThreshold {
			from, changed = b.transitionLocked(StateClosed)
		}
	}
	fn := b.onStateChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(from, StateClosed)
	}
}

// Failure records a failed attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.failures++
	b.successes = 0
	b.lastFailureTime = b.now()
	var from State
	changed := false

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			from, changed = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		from, changed = b.transitionLocked(StateOpen)
	}
	fn := b.onStateChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(from, StateOpen)
	}
}

// Execute runs fn when allowed and records its outcome. fn's error is returned as is.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current state. An open breaker whose cool-down has ended
// still reports open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns current circuit breaker statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		HalfOpenProbes:  b.probes,
		LastFailureTime: b.lastFailureTime,
		StateChangeTime: b.stateChangeTime,
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from, changed := b.transitionLocked(StateClosed)
	b.failures = 0
	fn := b.onStateChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(from, StateClosed)
	}
}

func (b *Breaker) transitionLocked(to State) (from State, changed bool) {
	from = b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.stateChangeTime = b.now()
	b.successes = 0
	b.probes = 0
	if to != StateOpen {
		b.failures = 0
	}
	return from, true
}
