// Package breaker implements per-service circuit breakers for outbound calls.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"healthai/internal/apperr"
)

// ErrTimeout is returned when a call exceeds the configured call timeout
var ErrTimeout = errors.New("call timeout")

// State represents the state of a circuit breaker.
type State int

const (
	// Closed passes calls through.
	Closed State = iota
	// Open rejects calls until the recovery timeout has elapsed.
	Open
	// HalfOpen lets probe calls through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open after the last failure.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that closes the circuit.
	SuccessThreshold int
	// CallTimeout bounds each call; zero disables it.
	CallTimeout time.Duration
	// IsFailure selects the errors that count against the circuit.
	// Other errors propagate without touching the counters. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns the defaults used for provider calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      120 * time.Second,
	}
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	FailureCount     int        `json:"failureCount"`
	SuccessCount     int        `json:"successCount"`
	LastFailureAt    *time.Time `json:"lastFailureAt,omitempty"`
	ResidualRecovery float64    `json:"residualRecoverySeconds"`
}

// Breaker is a three-state gate. Safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: Closed,
	}
}

// Name returns the service name the breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs fn through the breaker using the configured failure predicate.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.CallWith(ctx, b.cfg.IsFailure, fn)
}

// CallWith runs fn through the breaker, counting only errors isFailure accepts.
// A nil isFailure counts every error. Timeouts always count.
func (b *Breaker) CallWith(ctx context.Context, isFailure func(error) bool, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := b.run(ctx, fn)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, ErrTimeout):
		b.recordFailure()
	case ctx.Err() != nil:
		// caller gave up; says nothing about the service
	case isFailure == nil || isFailure(err):
		b.recordFailure()
	}
	return err
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s exceeded %s: %v", ErrTimeout, b.name, b.cfg.CallTimeout, err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s exceeded %s", ErrTimeout, b.name, b.cfg.CallTimeout)
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	elapsed := b.now().Sub(b.lastFailure)
	if elapsed >= b.cfg.RecoveryTimeout {
		b.transition(HalfOpen)
		return nil
	}
	return apperr.CircuitOpen(b.name, b.cfg.RecoveryTimeout-elapsed)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.failures++
		b.transition(Open)
	case Open:
		// late result of a call admitted before the circuit opened
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Closed:
		b.failures = 0
		b.successes = 0
	case HalfOpen:
		b.successes = 0
	}
	if b.onChange != nil {
		go b.onChange(b.name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failures,
		SuccessCount: b.successes,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	if b.state == Open {
		if residual := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure); residual > 0 {
			s.ResidualRecovery = residual.Seconds()
		}
	}
	return s
}

// Reset closes the circuit and clears the counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}
