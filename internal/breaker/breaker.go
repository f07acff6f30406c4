// Package breaker provides per-service circuit breakers for protecting the
// aggregator against failing upstream providers. A breaker fails fast once a
// provider looks unhealthy and probes for recovery after a cooldown.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coinlens/aggregator-core/internal/metrics"
)

// State represents the circuit breaker state. The numeric values are exported
// as a Prometheus gauge, so they are part of the observability contract.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateHalfOpen              // Probing; a trial call is allowed after cooldown.
	StateOpen                  // Failing; calls are rejected immediately.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings for one service.
type Config struct {
	// FailureThreshold is the number of consecutive unignored failures in
	// closed state that trips the breaker open.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before permitting a
	// half-open trial call.
	ResetTimeout time.Duration

	// ExpectedErrors lists substrings of error text that identify
	// caller-level errors (validation failures and the like). Matching
	// errors are propagated unchanged but never counted as failures.
	ExpectedErrors []string
}

// OpenError is returned by Execute when the breaker rejects a call without
// attempting it.
type OpenError struct {
	Service string
	State   State
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, next attempt at %s", e.Service, e.RetryAt.Format(time.RFC3339))
}

// Status is a point-in-time snapshot of a breaker for health reporting.
type Status struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailureTime  time.Time `json:"last_failure_time,omitzero"`
	NextAttemptTime  time.Time `json:"next_attempt_time,omitzero"`
	Healthy          bool      `json:"healthy"`
}

// Breaker is a consecutive-failure circuit breaker for one named service.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger *slog.Logger

	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time
}

// New creates a circuit breaker for the given service.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs op through the breaker. While the breaker is open and the
// cooldown has not elapsed, it returns an *OpenError without invoking op.
// Otherwise op runs and its outcome updates the breaker state. Errors are
// never swallowed; the breaker decides only whether to attempt and how to
// count the result.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}

	err := op(ctx)
	if err != nil {
		b.onFailure(err)
		return err
	}

	b.onSuccess()
	return nil
}

// allow reports whether a call may proceed, transitioning open → half-open
// once the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Now().Before(b.nextAttempt) {
			return &OpenError{Service: b.name, State: b.state, RetryAt: b.nextAttempt}
		}
		b.transitionTo(StateHalfOpen)
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount++

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

func (b *Breaker) onFailure(err error) {
	if b.isExpected(err) {
		// Caller-level error: propagated but not counted against the service.
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		// A single failure during probation reopens the circuit.
		b.trip()
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip opens the breaker and schedules the next trial. Must be called with
// b.mu held.
func (b *Breaker) trip() {
	b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
	b.transitionTo(StateOpen)
}

func (b *Breaker) isExpected(err error) bool {
	msg := err.Error()
	for _, s := range b.cfg.ExpectedErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot for health reporting.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.cfg.FailureThreshold,
		LastFailureTime:  b.lastFailure,
		NextAttemptTime:  b.nextAttempt,
		Healthy:          b.state != StateOpen,
	}
}

// ForceOpen trips the breaker regardless of counters. Intended for
// operational emergencies (taking a misbehaving provider out of rotation).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// ForceClose returns the breaker to closed state without clearing counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// Reset clears all counters and returns the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
	b.transitionTo(StateClosed)
}

// UpdateConfig swaps in new thresholds at runtime (config hot-reload).
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"service", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	if newState == StateClosed {
		b.failureCount = 0
	}
}
