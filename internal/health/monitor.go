// Package health tracks provider errors, classifies them against the
// closed taxonomy, and dispatches heal requests when structural errors
// accumulate past threshold.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/metrics"
)

// RecordedError is one classified provider error kept in the sliding
// window.
type RecordedError struct {
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	Kind      aerrors.Kind `json:"kind"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealRequest is dispatched to the heal worker when a provider crosses
// the structural-error threshold.
type HealRequest struct {
	Provider       string
	Model          string
	Trigger        RecordedError
	RecentErrors   []RecordedError
	AdapterVersion int
}

// Dispatcher receives heal requests. Implementations must not block; the
// monitor calls it inline under its own goroutine discipline.
type Dispatcher func(HealRequest)

// Observer is a pluggable notification callback. Observers are invoked on
// their own goroutines and cannot influence heal dispatch.
type Observer func(RecordedError)

// Settings tunes the monitor. Zero values fall back to the defaults.
type Settings struct {
	ErrorThreshold  int
	Window          time.Duration
	Cooldown        time.Duration
	MaxHistory      int
	HealingEnabled  bool
	AdapterVersionFn func(provider string) int
}

func (s Settings) withDefaults() Settings {
	if s.ErrorThreshold <= 0 {
		s.ErrorThreshold = 3
	}
	if s.Window <= 0 {
		s.Window = 5 * time.Minute
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 10 * time.Minute
	}
	if s.MaxHistory <= 0 {
		s.MaxHistory = 100
	}
	return s
}

type providerState struct {
	history             []RecordedError
	consecutiveFailures int
	cooldownUntil       time.Time
	lastSuccess         time.Time
	lastFailure         time.Time
	healing             bool
	paused              bool
}

// Monitor tracks per-provider health and fires heal dispatch.
type Monitor struct {
	mu        sync.Mutex
	providers map[string]*providerState
	settings  Settings
	dispatch  Dispatcher
	observers []Observer
	metrics   *metrics.Registry
	log       *zap.Logger
	now       func() time.Time
}

// New creates a health monitor.
func New(settings Settings, m *metrics.Registry, log *zap.Logger) *Monitor {
	return &Monitor{
		providers: make(map[string]*providerState),
		settings:  settings.withDefaults(),
		metrics:   m,
		log:       log.Named("health"),
		now:       time.Now,
	}
}

// OnHealRequest registers the heal dispatcher. At most one is supported;
// the heal worker collapses concurrent triggers itself.
func (m *Monitor) OnHealRequest(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch = d
}

// AddObserver registers an alerting callback.
func (m *Monitor) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Monitor) get(provider string) *providerState {
	s, ok := m.providers[provider]
	if !ok {
		s = &providerState{}
		m.providers[provider] = s
	}
	return s
}

// RecordSuccess resets the consecutive-failure count.
func (m *Monitor) RecordSuccess(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(provider)
	s.consecutiveFailures = 0
	s.lastSuccess = m.now()
}

// RecordError classifies and records a provider error. Structural errors
// feed the sliding window; crossing the threshold dispatches exactly one
// heal request and starts the cooldown. Returns true when a heal request
// was dispatched.
func (m *Monitor) RecordError(provider, model string, kind aerrors.Kind, message string) bool {
	now := m.now()
	entry := RecordedError{
		Provider:  provider,
		Model:     model,
		Kind:      kind,
		Message:   aerrors.TruncateMessage(message, 500),
		Timestamp: now,
	}

	m.mu.Lock()
	s := m.get(provider)
	s.consecutiveFailures++
	s.lastFailure = now
	s.history = append(s.history, entry)
	if len(s.history) > m.settings.MaxHistory {
		s.history = s.history[len(s.history)-m.settings.MaxHistory:]
	}

	if m.metrics != nil {
		m.metrics.ProviderErrorsTotal.Inc(provider, string(kind))
	}

	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)

	shouldHeal := m.shouldHealLocked(s, entry, now)
	var req HealRequest
	var dispatch Dispatcher
	if shouldHeal {
		s.healing = true
		s.cooldownUntil = now.Add(m.settings.Cooldown)
		recent := m.recentStructuralLocked(s, now)
		req = HealRequest{
			Provider:     provider,
			Model:        model,
			Trigger:      entry,
			RecentErrors: recent,
		}
		if m.settings.AdapterVersionFn != nil {
			req.AdapterVersion = m.settings.AdapterVersionFn(provider)
		}
		dispatch = m.dispatch
		if m.metrics != nil {
			m.metrics.HealRequestsTotal.Inc(provider, string(kind))
		}
	}
	m.mu.Unlock()

	for _, o := range observers {
		go func(o Observer) {
			// A misbehaving observer must not take the monitor down.
			defer func() { _ = recover() }()
			o(entry)
		}(o)
	}

	if dispatch != nil {
		m.log.Info("heal threshold crossed",
			zap.String("provider", provider),
			zap.String("kind", string(kind)))
		dispatch(req)
		return true
	}
	return false
}

func (m *Monitor) shouldHealLocked(s *providerState, entry RecordedError, now time.Time) bool {
	if !m.settings.HealingEnabled || m.dispatch == nil {
		return false
	}
	if s.paused || s.healing {
		return false
	}
	if now.Before(s.cooldownUntil) {
		return false
	}
	if !entry.Kind.Structural() {
		return false
	}
	return len(m.recentStructuralLocked(s, now)) >= m.settings.ErrorThreshold
}

func (m *Monitor) recentStructuralLocked(s *providerState, now time.Time) []RecordedError {
	cutoff := now.Add(-m.settings.Window)
	var recent []RecordedError
	for _, e := range s.history {
		if e.Kind.Structural() && e.Timestamp.After(cutoff) {
			recent = append(recent, e)
		}
	}
	return recent
}

// HealComplete marks a heal cycle finished. On success the provider's
// window is cleared.
func (m *Monitor) HealComplete(provider string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(provider)
	s.healing = false
	if success {
		s.history = nil
		s.consecutiveFailures = 0
	}
}

// DecayWindow drops the provider's structural errors from the current
// window. Used when a heal diagnosis declares the burst non-structural.
func (m *Monitor) DecayWindow(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(provider)
	kept := s.history[:0]
	for _, e := range s.history {
		if !e.Kind.Structural() {
			kept = append(kept, e)
		}
	}
	s.history = kept
}

// IsPaused reports whether the provider is paused. The router skips
// paused providers during candidate walks.
func (m *Monitor) IsPaused(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(provider).paused
}

// PauseHealing stops heal dispatch for the provider.
func (m *Monitor) PauseHealing(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(provider).paused = true
}

// ResumeHealing re-enables heal dispatch for the provider.
func (m *Monitor) ResumeHealing(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(provider).paused = false
}

// ProviderHealth is the read-only view of one provider's health.
type ProviderHealth struct {
	Provider            string                `json:"provider"`
	RecentErrors        int                   `json:"recent_errors"`
	ErrorsByKind        map[aerrors.Kind]int  `json:"errors_by_kind,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastSuccess         *time.Time            `json:"last_success,omitempty"`
	LastFailure         *time.Time            `json:"last_failure,omitempty"`
	CooldownUntil       *time.Time            `json:"cooldown_until,omitempty"`
	Healing             bool                  `json:"healing"`
	Paused              bool                  `json:"paused"`
}

// Summary returns the health view for every provider seen so far.
func (m *Monitor) Summary() map[string]ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-m.settings.Window)
	out := make(map[string]ProviderHealth, len(m.providers))
	for name, s := range m.providers {
		h := ProviderHealth{
			Provider:            name,
			ConsecutiveFailures: s.consecutiveFailures,
			Healing:             s.healing,
			Paused:              s.paused,
		}
		for _, e := range s.history {
			if e.Timestamp.After(cutoff) {
				h.RecentErrors++
				if h.ErrorsByKind == nil {
					h.ErrorsByKind = make(map[aerrors.Kind]int)
				}
				h.ErrorsByKind[e.Kind]++
			}
		}
		if !s.lastSuccess.IsZero() {
			t := s.lastSuccess
			h.LastSuccess = &t
		}
		if !s.lastFailure.IsZero() {
			t := s.lastFailure
			h.LastFailure = &t
		}
		if now.Before(s.cooldownUntil) {
			t := s.cooldownUntil
			h.CooldownUntil = &t
		}
		out[name] = h
	}
	return out
}
