// Package circuit implements per-upstream circuit breakers and the retry
// policy that wraps protected calls. Breaker state transitions are
// serialized per tool; cross-tool state is independent.
package circuit

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // failure threshold exceeded, calls fail fast
	StateHalfOpen              // cooldown elapsed, one trial call allowed
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

var (
	// ErrOpen is returned while the circuit is open.
	ErrOpen = errors.New("circuit open")
	// ErrTrialInFlight is returned in half-open when the single trial slot
	// is already taken.
	ErrTrialInFlight = errors.New("circuit half-open trial in flight")
)

// Config holds breaker thresholds.
type Config struct {
	Name             string
	FailureThreshold int           // failures within Window that trip the circuit
	Window           time.Duration // failure-counting window in closed state
	Cooldown         time.Duration // open duration before half-open
	OnStateChange    func(name string, from, to State)
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.Window <= 0 {
		out.Window = 60 * time.Second
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 30 * time.Second
	}
	return &out
}

// Breaker is a per-tool circuit breaker. Half-open admits at most one
// concurrent trial; its permit is released by Done.
type Breaker struct {
	cfg *Config

	mu             sync.Mutex
	state          State
	failureCount   int
	windowStart    time.Time
	lastTransition time.Time
	openedAt       time.Time
	trialInFlight  bool

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = &Config{}
	}
	c := cfg.withDefaults()
	return &Breaker{
		cfg:   c,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the breaker name (tool id).
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, applying the open → half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Allow reserves permission for one call. In half-open the reservation is
// the single trial permit; the caller must report the outcome via Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.currentState(now) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrTrialInFlight
		}
		b.trialInFlight = true
	}
	return nil
}

// Done reports a call outcome for a permit obtained from Allow.
func (b *Breaker) Done(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	switch state {
	case StateClosed:
		if success {
			b.failureCount = 0
			return
		}
		if now.Sub(b.windowStart) > b.cfg.Window {
			b.failureCount = 0
			b.windowStart = now
		}
		if b.failureCount == 0 {
			b.windowStart = now
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.setState(StateClosed, now)
		} else {
			b.setState(StateOpen, now)
		}
	case StateOpen:
		// Outcome arrived after the trip (stale in-flight call). Ignore.
	}
}

// RetryAfter returns how long until the circuit will admit a trial.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState(b.now()) != StateOpen {
		return 0
	}
	remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// currentState applies the cooldown timer. Callers hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

// setState transitions the breaker. Callers hold b.mu. No direct
// open → closed transition exists: open always passes through half-open.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.lastTransition = now

	switch state {
	case StateOpen:
		b.openedAt = now
		b.trialInFlight = false
	case StateClosed:
		b.failureCount = 0
		b.windowStart = now
	case StateHalfOpen:
		b.trialInFlight = false
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	} else {
		slog.Info("circuit state change", "name", b.cfg.Name, "from", prev.String(), "to", state.String())
	}
}

// Manager holds one breaker per upstream tool.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewManager creates a manager; new breakers inherit defaultCfg with the
// tool id as name.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = &Config{}
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for a tool, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

// Remove drops a breaker (tool deregistered).
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// States returns a snapshot of breaker states for the metrics exporter.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
