package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a per-platform circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests flow normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen lets a probe request through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a platform's circuit rejects a call. No
// budget is spent on rejected calls.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// CircuitConfig controls when a platform circuit trips and recovers.
type CircuitConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Default 5.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a
	// probe. Default 30s.
	ResetTimeout time.Duration
	// HalfOpenProbes is the number of successful probes needed to close
	// the circuit again. Default 1.
	HalfOpenProbes int
	// ShouldTrip decides which errors count toward the threshold. Nil
	// counts every error.
	ShouldTrip func(err error) bool
	// OnStateChange observes transitions, for logging and metrics.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitConfig returns production defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Circuit guards calls against one platform adapter.
type Circuit struct {
	cfg CircuitConfig

	mu                sync.Mutex
	state             CircuitState
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int

	now func() time.Time
}

// NewCircuit creates a circuit breaker.
func NewCircuit(cfg CircuitConfig) *Circuit {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Circuit{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (c *Circuit) WithNow(now func() time.Time) *Circuit {
	c.now = now
	return c
}

// Execute runs fn through the circuit. An open circuit returns
// ErrCircuitOpen without calling fn.
func (c *Circuit) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	c.record(err)
	return err
}

// CircuitVal is Execute with a return value.
func CircuitVal[T any](ctx context.Context, c *Circuit, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	c.record(err)
	return val, err
}

// State returns the current state, accounting for reset-timeout expiry.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && c.now().Sub(c.lastFailure) >= c.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return c.state
}

// Reset forces the circuit closed.
func (c *Circuit) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition(CircuitClosed)
	c.failures = 0
	c.halfOpenSuccesses = 0
}

func (c *Circuit) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitOpen:
		if c.now().Sub(c.lastFailure) >= c.cfg.ResetTimeout {
			c.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (c *Circuit) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trips := c.cfg.ShouldTrip
	if trips == nil {
		trips = func(e error) bool { return e != nil }
	}

	if err == nil || !trips(err) {
		if c.state == CircuitHalfOpen {
			c.halfOpenSuccesses++
			if c.halfOpenSuccesses >= c.cfg.HalfOpenProbes {
				c.transition(CircuitClosed)
				c.failures = 0
				c.halfOpenSuccesses = 0
			}
		} else {
			c.failures = 0
		}
		return
	}

	c.failures++
	c.lastFailure = c.now()
	if c.state == CircuitHalfOpen || c.failures >= c.cfg.FailureThreshold {
		c.transition(CircuitOpen)
		c.halfOpenSuccesses = 0
	}
}

func (c *Circuit) transition(to CircuitState) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
}
