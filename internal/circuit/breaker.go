// Package circuit implements the per-provider fail-fast state machine.
//
// States:
//
//	closed     normal operation, requests pass through
//	open       provider is down, fail fast until the recovery deadline
//	half-open  probing recovery with a bounded probe budget
//
// Only structural errors count toward the failure threshold; a rate-limit
// storm must not trip the breaker and mask recovery.
package circuit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/metrics"
)

// State names a breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings tunes one breaker. Zero values fall back to the defaults.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	return s
}

// Status is a read-only view of one provider's circuit.
type Status struct {
	Provider            string     `json:"provider"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	HalfOpenSuccesses   int        `json:"half_open_successes"`
	ProbeBudget         int        `json:"probe_budget"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
}

type circuit struct {
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	probeBudget         int
	openUntil           time.Time
	lastFailure         time.Time
	lastSuccess         time.Time
	settings            Settings
}

// Breaker manages one circuit per provider. State is provider-local; a
// single mutex serializes writers per breaker instance while readers get a
// consistent snapshot.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	defaults Settings
	metrics  *metrics.Registry
	log      *zap.Logger
	now      func() time.Time
}

// New creates a breaker with the given default settings.
func New(defaults Settings, m *metrics.Registry, log *zap.Logger) *Breaker {
	return &Breaker{
		circuits: make(map[string]*circuit),
		defaults: defaults.withDefaults(),
		metrics:  m,
		log:      log.Named("circuit"),
		now:      time.Now,
	}
}

// Configure overrides settings for one provider.
func (b *Breaker) Configure(provider string, s Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)
	c.settings = s.withDefaults()
}

func (b *Breaker) get(provider string) *circuit {
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{state: Closed, settings: b.defaults}
		b.circuits[provider] = c
	}
	return c
}

// Allow reports whether a call to the provider may proceed. In half-open
// it consumes one unit of probe budget; callers that were allowed must
// report the outcome via RecordSuccess or RecordFailure.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)

	switch c.state {
	case Closed:
		return true
	case Open:
		if b.now().Before(c.openUntil) {
			return false
		}
		b.transition(provider, c, HalfOpen)
		c.probeBudget--
		return true
	case HalfOpen:
		if c.probeBudget <= 0 {
			return false
		}
		c.probeBudget--
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)
	c.lastSuccess = b.now()
	c.consecutiveFailures = 0

	if c.state == HalfOpen {
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= c.settings.SuccessThreshold {
			b.transition(provider, c, Closed)
		}
	}
}

// RecordFailure records a failed call. Only structural failures count
// toward the failure threshold; transient ones reset nothing and trip
// nothing.
func (b *Breaker) RecordFailure(provider string, structural bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)
	c.lastFailure = b.now()
	if !structural {
		return
	}

	switch c.state {
	case HalfOpen:
		b.transition(provider, c, Open)
	case Closed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.settings.FailureThreshold {
			b.transition(provider, c, Open)
		}
	}
}

func (b *Breaker) transition(provider string, c *circuit, to State) {
	from := c.state
	c.state = to
	switch to {
	case Open:
		c.openUntil = b.now().Add(c.settings.RecoveryTimeout)
		c.halfOpenSuccesses = 0
		if b.metrics != nil {
			b.metrics.CircuitOpensTotal.Inc(provider)
		}
	case HalfOpen:
		c.halfOpenSuccesses = 0
		c.probeBudget = c.settings.SuccessThreshold
	case Closed:
		c.consecutiveFailures = 0
		c.halfOpenSuccesses = 0
		c.openUntil = time.Time{}
	}
	b.log.Info("circuit transition",
		zap.String("provider", provider),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	b.updateOpenGauge()
}

func (b *Breaker) updateOpenGauge() {
	if b.metrics == nil {
		return
	}
	var open int64
	for _, c := range b.circuits {
		if c.state == Open {
			open++
		}
	}
	b.metrics.OpenCircuits.Set(open)
}

// ForceOpen opens the circuit regardless of thresholds.
func (b *Breaker) ForceOpen(provider string) { b.admin(provider, Open) }

// ForceClose closes the circuit regardless of thresholds.
func (b *Breaker) ForceClose(provider string) { b.admin(provider, Closed) }

// Reset discards all state for the provider, returning it to a fresh
// closed circuit.
func (b *Breaker) Reset(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, provider)
	if b.metrics != nil {
		b.metrics.CircuitAdminTotal.Inc(provider, "reset")
	}
	b.updateOpenGauge()
}

func (b *Breaker) admin(provider string, to State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(provider)
	b.transition(provider, c, to)
	if b.metrics != nil {
		b.metrics.CircuitAdminTotal.Inc(provider, string(to))
	}
}

// Status returns the circuit view for one provider.
func (b *Breaker) Status(provider string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked(provider, b.get(provider))
}

func (b *Breaker) statusLocked(provider string, c *circuit) Status {
	s := Status{
		Provider:            provider,
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		HalfOpenSuccesses:   c.halfOpenSuccesses,
		ProbeBudget:         c.probeBudget,
	}
	if !c.openUntil.IsZero() {
		t := c.openUntil
		s.OpenUntil = &t
	}
	if !c.lastFailure.IsZero() {
		t := c.lastFailure
		s.LastFailure = &t
	}
	if !c.lastSuccess.IsZero() {
		t := c.lastSuccess
		s.LastSuccess = &t
	}
	return s
}

// All returns the circuit view for every provider seen so far.
func (b *Breaker) All() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Status, len(b.circuits))
	for name, c := range b.circuits {
		out[name] = b.statusLocked(name, c)
	}
	return out
}
