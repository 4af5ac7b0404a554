// Package resilience keeps slow or failing side channels from stalling the
// render loop.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [GuardSink] puts one in front of a [gazeoverlay.GazeSink] so that an
// unreachable gaze log costs one failed write per cooldown instead of one per
// eye frame.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ariastream/internal/gazeoverlay"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown has elapsed.
	Open

	// HalfOpen lets a single probe call through. Its outcome closes or
	// re-opens the breaker.
	HalfOpen
)

// String returns the human-readable name of the state.
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

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
	}
}

// Do runs fn if the breaker allows it and records the outcome. It returns
// [ErrOpen] without calling fn while open or while a probe is in flight.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = HalfOpen
		slog.Info("resilience: probing", "name", b.name)
	}
	switch {
	case b.state == Open, b.state == HalfOpen && b.probing:
		b.mu.Unlock()
		return ErrOpen
	case b.state == HalfOpen:
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
		if err != nil {
			b.trip()
		} else {
			b.state, b.failures = Closed, 0
			slog.Info("resilience: closed", "name", b.name)
		}
		return err
	}
	if err == nil {
		b.failures = 0
		return nil
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.trip()
	}
	return err
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	slog.Warn("resilience: opened", "name", b.name, "consecutive_failures", b.failures, "cooldown", b.cooldown)
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [HalfOpen]; the transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// GuardedSink is a [gazeoverlay.GazeSink] behind a [Breaker].
type GuardedSink struct {
	sink    gazeoverlay.GazeSink
	breaker *Breaker
	skipped atomic.Int64
}

var _ gazeoverlay.GazeSink = (*GuardedSink)(nil)

// GuardSink wraps sink with b. Samples offered while b is open are dropped
// and counted.
func GuardSink(sink gazeoverlay.GazeSink, b *Breaker) *GuardedSink {
	return &GuardedSink{sink: sink, breaker: b}
}

// RecordGaze implements [gazeoverlay.GazeSink]. It returns nil for samples
// dropped by an open breaker.
func (g *GuardedSink) RecordGaze(ctx context.Context, s gazeoverlay.Sample) error {
	err := g.breaker.Do(func() error { return g.sink.RecordGaze(ctx, s) })
	if errors.Is(err, ErrOpen) {
		g.skipped.Add(1)
		return nil
	}
	return err
}

// Skipped returns the number of samples dropped while the breaker was open.
func (g *GuardedSink) Skipped() int64 { return g.skipped.Load() }
