// Package circuitbreaker guards calls to external dependencies: the
// Spanner anchor, the semantic scoring service, the FX rate provider, and
// webhook endpoints. A tripped breaker fails fast so the engine can degrade
// to its local fallback instead of stalling a batch run.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // failure threshold exceeded, calls blocked
	StateHalfOpen              // probing whether the dependency recovered
)

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
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds breaker tuning.
type Config struct {
	// Name identifies this breaker in logs and stats.
	Name string

	// MaxRequests is the number of probe calls allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period in closed state for clearing counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip receives a copy of Counts after each failure in closed
	// state. Returning true trips the breaker.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig trips on >50% failures over at least 5 calls.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds call outcomes for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns failures over total calls.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker tracks call outcomes per generation; results from a stale
// generation are discarded so a long call finishing after a state change
// cannot corrupt the new window.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a breaker. A nil config gets DefaultConfig.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state, advancing open->half-open on expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs req if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req()
	cb.afterRequest(generation, err == nil)
	return result, err
}

// ExecuteContext is Execute with a context threaded through to req.
func (cb *CircuitBreaker) ExecuteContext(
	ctx context.Context,
	req func(context.Context) (interface{}, error),
) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil)
	return result, err
}

// Allow reports whether a call would be admitted, without executing one.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return ErrTooManyRequests
	}
	return nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prevState := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prevState, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

// String implements fmt.Stringer.
func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// ============================================================================
// ENGINE BREAKER SET
// ============================================================================

// EngineBreakers holds the pre-configured breakers for the engine's
// external dependencies.
type EngineBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	// Anchor guards the Spanner anchor ledger. Sealing degrades to
	// registry-only while open.
	Anchor *CircuitBreaker

	// Semantic guards the gRPC scoring service. Matching degrades to the
	// local embedder while open.
	Semantic *CircuitBreaker

	// Rates guards the FX rate provider. Conversion degrades to cached
	// then static rates while open.
	Rates *CircuitBreaker

	// Webhooks guards outbound delivery.
	Webhooks *CircuitBreaker
}

// NewEngineBreakers builds the standard breaker set.
func NewEngineBreakers() *EngineBreakers {
	eb := &EngineBreakers{breakers: make(map[string]*CircuitBreaker)}

	// Anchor writes are on the sealing path; trip fast, probe slowly.
	eb.Anchor = eb.register(&Config{
		Name:        "anchor",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	// Semantic scoring has a cheap local fallback; tolerate more noise.
	eb.Semantic = eb.register(&Config{
		Name:        "semantic",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.Requests >= 5 && c.FailureRatio() > 0.5 },
	})

	eb.Rates = eb.register(&Config{
		Name:        "rates",
		MaxRequests: 3,
		Interval:    120 * time.Second,
		Timeout:     45 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	eb.Webhooks = eb.register(&Config{
		Name:        "webhooks",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.Requests >= 4 && c.FailureRatio() > 0.4 },
	})

	return eb
}

func (eb *EngineBreakers) register(cfg *Config) *CircuitBreaker {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		}
	}
	cb := New(cfg)
	eb.mu.Lock()
	eb.breakers[cfg.Name] = cb
	eb.mu.Unlock()
	return cb
}

// Get returns a breaker by name, creating one with defaults if missing.
func (eb *EngineBreakers) Get(name string) *CircuitBreaker {
	eb.mu.RLock()
	cb, ok := eb.breakers[name]
	eb.mu.RUnlock()
	if ok {
		return cb
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if cb, ok = eb.breakers[name]; ok {
		return cb
	}
	cb = New(DefaultConfig(name))
	eb.breakers[name] = cb
	return cb
}

// BreakerStats is one breaker's snapshot for the health endpoint.
type BreakerStats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats snapshots every breaker.
func (eb *EngineBreakers) Stats() map[string]BreakerStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(eb.breakers))
	for name, cb := range eb.breakers {
		stats[name] = BreakerStats{
			Name:   name,
			State:  cb.State().String(),
			Counts: cb.Counts(),
		}
	}
	return stats
}

// HealthStatus reports HEALTHY unless any breaker is open.
func (eb *EngineBreakers) HealthStatus() (string, map[string]string) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	statuses := make(map[string]string, len(eb.breakers))
	healthy := true
	for name, cb := range eb.breakers {
		state := cb.State()
		statuses[name] = state.String()
		if state == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}

// ExecuteWithFallback runs request through cb, routing every failure, open
// circuit included, to fallback.
func ExecuteWithFallback[T any](
	cb *CircuitBreaker,
	request func() (T, error),
	fallback func(error) (T, error),
) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return request()
	})
	if err != nil {
		return fallback(err)
	}
	return result.(T), nil
}
