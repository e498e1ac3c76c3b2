package fetch

import (
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
)

// BreakerState represents the circuit state for one host.
type BreakerState string

const (
	// StateClosed means requests to the host are allowed.
	StateClosed BreakerState = "closed"
	// StateOpen means the host is failing and requests are blocked.
	StateOpen BreakerState = "open"
	// StateHalfOpen means a few probe requests test recovery.
	StateHalfOpen BreakerState = "half_open"
)

// hostBreaker is a per-host circuit breaker. A host that keeps
// failing is cut off for a timeout, then probed with a bounded number
// of half-open calls.
type hostBreaker struct {
	host             string
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int

	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	halfOpenCalls    int
	lastStateChange  time.Time
}

func newHostBreaker(host string, maxFailures int, timeout time.Duration) *hostBreaker {
	return &hostBreaker{
		host:             host,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: 3,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Allow reports whether a request may proceed.
func (b *hostBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastStateChange) > b.timeout {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.halfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return true
}

// Record feeds the request outcome back into the breaker.
func (b *hostBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutiveFails = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.consecutiveFails++
	switch b.state {
	case StateHalfOpen:
		b.setState(StateOpen)
	case StateClosed:
		if b.consecutiveFails >= b.maxFailures {
			b.setState(StateOpen)
		}
	}
}

func (b *hostBreaker) setState(s BreakerState) {
	b.state = s
	b.lastStateChange = time.Now()
	logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"host":  b.host,
		"state": string(s),
	}).Info("Host circuit breaker state changed")
}

// State returns the current breaker state.
func (b *hostBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerSet lazily creates one breaker per host.
type breakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*hostBreaker
	maxFailures int
	timeout     time.Duration
}

func newBreakerSet(maxFailures int, timeout time.Duration) *breakerSet {
	return &breakerSet{
		breakers:    make(map[string]*hostBreaker),
		maxFailures: maxFailures,
		timeout:     timeout,
	}
}

func (s *breakerSet) forHost(host string) *hostBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[host]
	if !ok {
		b = newHostBreaker(host, s.maxFailures, s.timeout)
		s.breakers[host] = b
	}
	return b
}
