// Package timeout provides a deadline guard for outbound operations. The
// guard races an operation against a timer; the deadline is propagated into
// the operation through its context, so a transport that honors cancellation
// is genuinely aborted rather than abandoned.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coinlens/aggregator-core/internal/metrics"
)

// Options configures one guarded invocation.
type Options struct {
	Timeout time.Duration
	Name    string

	// OnTimeout, when set, fires at most once from the timer branch before
	// the timeout error is returned. Panics are swallowed and logged.
	OnTimeout func()
}

// Error reports that the deadline elapsed before the operation completed.
type Error struct {
	Name    string
	Timeout time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Name, e.Timeout)
}

// Guard runs operations under deadlines.
type Guard struct {
	logger *slog.Logger
}

// NewGuard creates a timeout guard that logs callback failures to logger.
func NewGuard(logger *slog.Logger) *Guard {
	return &Guard{logger: logger}
}

// Do runs op under the configured deadline. The operation receives a derived
// context that is cancelled when the deadline elapses. If the deadline wins
// the race, Do fires OnTimeout and returns an *Error; parent-context
// cancellation is returned as ctx.Err() instead. The operation goroutine is
// left to drain once its context is cancelled.
func (g *Guard) Do(ctx context.Context, opts Options, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	select {
	case err := <-done:
		// An operation that fails because our deadline cancelled it is
		// still a timeout from the caller's perspective.
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			metrics.Timeouts.WithLabelValues(opts.Name).Inc()
			g.fireOnTimeout(opts)
			return &Error{Name: opts.Name, Timeout: opts.Timeout}
		}
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.Timeouts.WithLabelValues(opts.Name).Inc()
		g.fireOnTimeout(opts)
		return &Error{Name: opts.Name, Timeout: opts.Timeout}
	}
}

// All runs every operation concurrently, each under its own guard, and
// returns a slice of outcomes aligned with ops — including timeout errors —
// for the caller to inspect.
func (g *Guard) All(ctx context.Context, opts Options, ops []func(context.Context) error) []error {
	errs := make([]error, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op func(context.Context) error) {
			defer wg.Done()
			errs[i] = g.Do(ctx, opts, op)
		}(i, op)
	}
	wg.Wait()

	return errs
}

// Race runs every operation concurrently under one shared deadline and
// returns the first outcome to settle, success or failure. The remaining
// operations are cancelled through their shared context.
func (g *Guard) Race(ctx context.Context, opts Options, ops []func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	done := make(chan error, len(ops))
	for _, op := range ops {
		go func(op func(context.Context) error) {
			done <- op(opCtx)
		}(op)
	}

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			metrics.Timeouts.WithLabelValues(opts.Name).Inc()
			g.fireOnTimeout(opts)
			return &Error{Name: opts.Name, Timeout: opts.Timeout}
		}
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.Timeouts.WithLabelValues(opts.Name).Inc()
		g.fireOnTimeout(opts)
		return &Error{Name: opts.Name, Timeout: opts.Timeout}
	}
}

func (g *Guard) fireOnTimeout(opts Options) {
	if opts.OnTimeout == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("timeout callback panicked", "name", opts.Name, "panic", r)
		}
	}()
	opts.OnTimeout()
}
