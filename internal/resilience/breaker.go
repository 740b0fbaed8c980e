// Package resilience provides connect failover across live providers.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) kept
// per provider. [Failover] implements [live.Provider] by opening the line on
// the first provider whose breaker admits the attempt, so a service that keeps
// refusing connections is bypassed until its reset timeout elapses.
//
// Cancelled attempts are neutral: a call stopped while connecting never
// counts against a provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects
// attempts.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe attempts.
	StateHalfOpen
)

// String returns the state name.
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

// BreakerConfig holds the tuning of a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failed connects that opens
	// the breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes that close the breaker
	// again. Default: 1.
	HalfOpenMax int
}

// Breaker guards one provider.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int // admitted half-open attempts
	successes int // successful half-open attempts
}

// NewBreaker returns a closed [Breaker]. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Do runs fn if the breaker admits it. An error caused by ctx ending is
// returned as is and leaves the breaker unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.succeed(probe)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		if probe {
			b.probes--
		}
	default:
		b.fail(probe)
	}
	return err
}

// admit decides whether an attempt may run and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.successes = 0, 0
		slog.Info("provider breaker half-open", "provider", b.name)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.halfOpenMax {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// fail records a failed attempt. Must be called with b.mu held.
func (b *Breaker) fail(probe bool) {
	if probe {
		b.state = StateOpen
		b.openedAt = time.Now()
		slog.Warn("provider breaker re-opened", "provider", b.name)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures && b.state == StateClosed {
		b.state = StateOpen
		b.openedAt = time.Now()
		slog.Warn("provider breaker opened", "provider", b.name, "consecutive_failures", b.failures)
	}
}

// succeed records a successful attempt. Must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	b.failures = 0
	if !probe {
		return
	}
	b.successes++
	if b.successes >= b.halfOpenMax {
		b.state = StateClosed
		slog.Info("provider breaker closed", "provider", b.name)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// attempt.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.probes, b.successes = 0, 0, 0
}
