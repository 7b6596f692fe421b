package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout elapses
	StateOpen
	// StateHalfOpen lets MaxRequests probe calls through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpenState is returned when the breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is spent
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config contains breaker configuration
type Config struct {
	// Consecutive failures that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Probe calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Counts are cleared every Interval while closed
	Interval time.Duration `yaml:"interval"`

	// Time spent open before probing
	Timeout time.Duration `yaml:"timeout"`

	// Called on every transition, outside the breaker lock
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultConfig returns the settings used for the index client.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// Counts holds request outcomes for the current generation
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker short-circuits calls to a dependency that keeps failing.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker. Zero config fields take DefaultConfig values.
func New(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker allows it and records the outcome. A
// cancelled ctx is not counted against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.Record(true)
		return err
	}
	b.Record(err == nil)
	return err
}

// Allow reserves a call slot or reports why the call is rejected. Every
// successful Allow must be followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	state, t := b.currentState(b.now())

	var err error
	switch {
	case state == StateOpen:
		err = ErrOpenState
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests:
		err = ErrTooManyRequests
	default:
		b.counts.onRequest()
	}
	b.mu.Unlock()

	b.notify(t)
	return err
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	now := b.now()
	state, t := b.currentState(now)

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			t = b.setState(StateClosed, now)
		}
	} else {
		b.counts.onFailure()
		switch state {
		case StateClosed:
			if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
				t = b.setState(StateOpen, now)
			}
		case StateHalfOpen:
			t = b.setState(StateOpen, now)
		}
	}
	b.mu.Unlock()

	b.notify(t)
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	state, t := b.currentState(b.now())
	b.mu.Unlock()

	b.notify(t)
	return state
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(StateClosed, b.now())
	b.counts = Counts{}
	b.mu.Unlock()

	b.notify(t)
}

type transition struct {
	from, to State
	changed  bool
}

// currentState advances time-based transitions. Callers hold mu.
func (b *Breaker) currentState(now time.Time) (State, transition) {
	var t transition
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			t = b.setState(StateHalfOpen, now)
		}
	}
	return b.state, t
}

// setState changes state and clears counts. Callers hold mu.
func (b *Breaker) setState(state State, now time.Time) transition {
	prev := b.state
	if prev == state {
		return transition{}
	}

	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}
	return transition{from: prev, to: state, changed: true}
}

func (b *Breaker) notify(t transition) {
	if t.changed && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, t.from, t.to)
	}
}
