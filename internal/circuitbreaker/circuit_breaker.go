package circuitbreaker

import (
	"sync"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
)

// State of the breaker FSM.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned while the breaker is open and the open timeout has not
// elapsed. The caller's retry loop must treat it as terminal.
var ErrOpen = apperr.New(apperr.CodeBreakerOpen, "circuit breaker is open")

// ErrHalfOpenBusy is returned to concurrent callers while the single
// half-open probe is in flight.
var ErrHalfOpenBusy = apperr.New(apperr.CodeBreakerHalfOpenBusy, "circuit breaker half-open probe in flight")

// CircuitBreaker isolates a failing channel. Process-local: every consumer
// instance owns its own set.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time // overridable in tests
}

func New(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Execute runs fn under the breaker's admission policy.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	cb.record(probe, callErr)
	return callErr
}

// admit decides whether a call may proceed. Returns probe=true when the call
// is the single half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.openTimeout {
			return false, ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.probeInFlight = false
	}

	if cb.state == StateHalfOpen {
		if cb.probeInFlight {
			return false, ErrHalfOpenBusy
		}
		cb.probeInFlight = true
		return true, nil
	}

	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if callErr != nil {
		cb.failureCount++
		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failureCount = 0
			cb.successCount = 0
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	default:
		cb.failureCount = 0
	}
}

// State returns the current FSM state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
}
