// Package resilience provides the circuit breaker protecting optional
// provider calls on the voice path.
//
// The breaker matters most for retrieval: snippet lookup runs inside the
// silence debounce window on a hard budget, and a degraded embeddings or
// database backend would otherwise burn that budget on every single turn.
// An open breaker turns the failure into an immediate skip.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects every call with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is the number of consecutive successful half-open calls needed
	// to close. Default: 3.
	Probes int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker (closed, open, half-open).
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	failures int // consecutive failures while closed
	okProbes int // consecutive successes while half-open
	inFlight int // half-open probes currently executing
	openedAt time.Time
}

// NewBreaker builds a breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		log:       cfg.Logger,
	}
}

// Do runs fn unless the breaker rejects the call. While open it returns
// [ErrOpen] without invoking fn; while half-open only one probe runs at a
// time.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.okProbes = 0
		b.inFlight = 0
		b.log.Info("circuit probing", "breaker", b.name)
		fallthrough
	case HalfOpen:
		if b.inFlight > 0 {
			return ErrOpen
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.inFlight--
		if err != nil {
			b.reopen()
			return
		}
		b.okProbes++
		if b.okProbes >= b.probes {
			b.state = Closed
			b.failures = 0
			b.log.Info("circuit closed", "breaker", b.name)
		}

	case Closed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.reopen()
		}
	}
}

// reopen must be called with b.mu held.
func (b *Breaker) reopen() {
	b.state = Open
	b.openedAt = time.Now()
	b.log.Warn("circuit opened", "breaker", b.name, "cooldown", b.cooldown)
}

// State reports the breaker's mode. An open breaker past its cooldown
// reports HalfOpen; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.okProbes = 0
	b.inFlight = 0
}
