package retry

import (
	"sync"
	"time"

	"github.com/medibridge/hms-backend/pkg/config"
)

const (
	defaultFailureThreshold = 10
	defaultResetTimeout     = 60 * time.Second
)

// CircuitPhase is the observable breaker state for one context label.
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open"
)

type circuitState struct {
	phase               CircuitPhase
	consecutiveFailures int
	lastFailureTime     time.Time
}

// BreakerRegistry is an in-process map of circuit states keyed by context
// label. State is not shared across instances; multi-instance deployments
// see independent breakers per process.
type BreakerRegistry struct {
	mu           sync.Mutex
	states       map[string]*circuitState
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

// NewBreakerRegistry builds a registry from the breaker configuration.
func NewBreakerRegistry(cfg config.BreakerConfig) *BreakerRegistry {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &BreakerRegistry{
		states:       make(map[string]*circuitState),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Allow reports whether a call for label may proceed. An open circuit whose
// reset timeout has elapsed moves to half-open and admits exactly one trial;
// further calls are refused until that trial is recorded.
func (r *BreakerRegistry) Allow(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(label)
	switch state.phase {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// A trial is already in flight.
		return false
	default:
		if r.now().Sub(state.lastFailureTime) >= r.resetTimeout {
			state.phase = CircuitHalfOpen
			return true
		}
		return false
	}
}

// RecordSuccess closes the circuit for label and clears its failure count.
func (r *BreakerRegistry) RecordSuccess(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(label)
	state.phase = CircuitClosed
	state.consecutiveFailures = 0
}

// RecordFailure counts a failure; crossing the threshold, or failing the
// half-open trial, opens the circuit.
func (r *BreakerRegistry) RecordFailure(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state(label)
	state.consecutiveFailures++
	state.lastFailureTime = r.now()
	if state.phase == CircuitHalfOpen || state.consecutiveFailures >= r.threshold {
		state.phase = CircuitOpen
	}
}

// Phase returns the observable state for label, for metrics and introspection.
func (r *BreakerRegistry) Phase(label string) CircuitPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(label).phase
}

// Failures returns the consecutive failure count for label.
func (r *BreakerRegistry) Failures(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state(label).consecutiveFailures
}

func (r *BreakerRegistry) state(label string) *circuitState {
	state, ok := r.states[label]
	if !ok {
		state = &circuitState{phase: CircuitClosed}
		r.states[label] = state
	}
	return state
}
