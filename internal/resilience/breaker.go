// Package resilience provides retry, circuit breaking and dead-letter
// bookkeeping for calls to external evidence sources.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout passes.
	BreakerOpen
	// BreakerHalfOpen lets one probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned when a call is rejected by an open breaker.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// Breaker opens after Threshold consecutive failures and rejects calls for
// ResetAfter, then lets a single probe decide whether to close again.
type Breaker struct {
	threshold  int
	resetAfter time.Duration
	onChange   func(from, to BreakerState)

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// 5 failures and 30 seconds.
func NewBreaker(threshold int, resetAfter time.Duration, onChange func(from, to BreakerState)) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &Breaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		onChange:   onChange,
		now:        time.Now,
	}
}

// Call runs fn through the breaker.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.resetAfter {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetAfter {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		if b.state != BreakerClosed {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		if b.state != BreakerOpen {
			b.setState(BreakerOpen)
		}
	}
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// Breakers hands out one Breaker per name, created on first use.
type Breakers struct {
	threshold  int
	resetAfter time.Duration
	onChange   func(name string, from, to BreakerState)

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers creates an empty breaker set sharing one configuration.
func NewBreakers(threshold int, resetAfter time.Duration, onChange func(name string, from, to BreakerState)) *Breakers {
	return &Breakers{
		threshold:  threshold,
		resetAfter: resetAfter,
		onChange:   onChange,
		m:          make(map[string]*Breaker),
	}
}

// Get returns the breaker for name.
func (bs *Breakers) Get(name string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.m[name]; ok {
		return b
	}
	var cb func(from, to BreakerState)
	if bs.onChange != nil {
		cb = func(from, to BreakerState) { bs.onChange(name, from, to) }
	}
	b := NewBreaker(bs.threshold, bs.resetAfter, cb)
	bs.m[name] = b
	return b
}

// States snapshots every breaker's state.
func (bs *Breakers) States() map[string]BreakerState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]BreakerState, len(bs.m))
	for name, b := range bs.m {
		out[name] = b.State()
	}
	return out
}
