// Package retry provides an exponential-backoff retry engine with jitter and
// pluggable retry classification. The engine is the only layer that decides
// whether to suppress-and-retry or propagate; once attempts are exhausted it
// always returns an *Error aggregating every underlying attempt error.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Classifier decides whether a failed attempt should be retried.
type Classifier interface {
	ShouldRetry(err error) bool
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(err error) bool

// ShouldRetry implements Classifier.
func (f ClassifierFunc) ShouldRetry(err error) bool { return f(err) }

// Policy holds the retry parameters for a call site. A Policy is stateless
// and safe to share across goroutines.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// Classifier decides retryability. Nil retries every error.
	Classifier Classifier

	// OnRetry, when set, fires before each backoff sleep. Its panics are
	// swallowed and logged; a broken callback must not destabilize the
	// retry loop.
	OnRetry func(err error, attempt int)
}

// Result reports how an execution went.
type Result struct {
	Attempts int
	Elapsed  time.Duration
}

// Error aggregates every attempt's error after the engine gives up.
type Error struct {
	Policy   string
	Attempts []error
}

func (e *Error) Error() string {
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("retry %q gave up after %d attempt(s): %v", e.Policy, len(e.Attempts), last)
}

// Unwrap exposes all attempt errors so errors.Is/As reach every cause.
func (e *Error) Unwrap() []error { return e.Attempts }

// Last returns the final attempt's error.
func (e *Error) Last() error { return e.Attempts[len(e.Attempts)-1] }

// Engine drives retries for failable operations.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a retry engine that logs retry activity to logger.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Do runs op up to p.MaxAttempts times. On success it returns immediately
// with the attempt count. On failure it consults the policy's classifier: a
// non-retryable error propagates unchanged (so callers can still distinguish
// circuit-breaker rejections and terminal HTTP statuses by kind), while
// exhausting all attempts returns an *Error aggregating every attempt's
// error. Between attempts the engine sleeps for the policy's backoff delay,
// honoring ctx cancellation during the sleep.
func (e *Engine) Do(ctx context.Context, p Policy, op func(context.Context) error) (Result, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	var attemptErrs []error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return Result{Attempts: attempt, Elapsed: time.Since(start)}, nil
		}
		attemptErrs = append(attemptErrs, err)

		if !p.shouldRetry(err) {
			return Result{Attempts: attempt, Elapsed: time.Since(start)}, err
		}
		if attempt == maxAttempts {
			break
		}

		e.fireOnRetry(p, err, attempt)

		delay := p.Delay(attempt)
		e.logger.Warn("retrying operation",
			"policy", p.Name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			attemptErrs = append(attemptErrs, ctx.Err())
			return Result{Attempts: attempt, Elapsed: time.Since(start)},
				&Error{Policy: p.Name, Attempts: attemptErrs}
		}
	}

	return Result{Attempts: len(attemptErrs), Elapsed: time.Since(start)},
		&Error{Policy: p.Name, Attempts: attemptErrs}
}

func (p Policy) shouldRetry(err error) bool {
	if p.Classifier == nil {
		return true
	}
	return p.Classifier.ShouldRetry(err)
}

// Delay computes the backoff before the attempt following the given one:
// min(BaseDelay × Multiplier^(attempt-1), MaxDelay), perturbed by ±25%
// uniform jitter when enabled. Never negative.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += (rand.Float64() - 0.5) * 2 * 0.25 * d
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(math.Round(d))
}

func (e *Engine) fireOnRetry(p Policy, err error, attempt int) {
	if p.OnRetry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("retry callback panicked", "policy", p.Name, "panic", r)
		}
	}()
	p.OnRetry(err, attempt)
}
