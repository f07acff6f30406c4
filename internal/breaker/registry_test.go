package breaker

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}, slog.Default())
}

func TestRegistry_GetOrCreateAppliesDefaults(t *testing.T) {
	r := newTestRegistry()

	b := r.GetOrCreate("coingecko", Config{})
	st := b.Status()
	if st.FailureThreshold != 5 {
		t.Fatalf("expected default threshold 5, got %d", st.FailureThreshold)
	}

	// Explicit config wins over defaults.
	b2 := r.GetOrCreate("goplus", Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	if b2.Status().FailureThreshold != 2 {
		t.Fatalf("expected explicit threshold 2, got %d", b2.Status().FailureThreshold)
	}
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry()

	b1 := r.GetOrCreate("coingecko", Config{FailureThreshold: 3, ResetTimeout: time.Second})
	b2 := r.GetOrCreate("coingecko", Config{FailureThreshold: 9, ResetTimeout: time.Hour})

	if b1 != b2 {
		t.Fatal("expected the same breaker instance for the same service")
	}
	if b1.Status().FailureThreshold != 3 {
		t.Fatalf("expected first config to stick, got threshold %d", b1.Status().FailureThreshold)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := newTestRegistry()

	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected Get to miss for unknown service")
	}

	r.GetOrCreate("defillama", Config{})
	if _, ok := r.Get("defillama"); !ok {
		t.Fatal("expected Get to hit after GetOrCreate")
	}
}

func TestRegistry_BulkOperations(t *testing.T) {
	r := newTestRegistry()
	a := r.GetOrCreate("a", Config{})
	b := r.GetOrCreate("b", Config{})

	r.OpenAll()
	if a.State() != StateOpen || b.State() != StateOpen {
		t.Fatalf("expected all open, got %v and %v", a.State(), b.State())
	}

	r.CloseAll()
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("expected all closed, got %v and %v", a.State(), b.State())
	}

	a.Execute(context.Background(), fail)
	r.ResetAll()
	if a.Status().FailureCount != 0 {
		t.Fatalf("expected counters cleared, got %d", a.Status().FailureCount)
	}
}

func TestRegistry_Status(t *testing.T) {
	r := newTestRegistry()
	r.GetOrCreate("a", Config{})
	r.GetOrCreate("b", Config{}).ForceOpen()

	statuses := r.Status()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(statuses))
	}
	if statuses["a"].State != "closed" {
		t.Fatalf("expected a closed, got %q", statuses["a"].State)
	}
	if statuses["b"].State != "open" {
		t.Fatalf("expected b open, got %q", statuses["b"].State)
	}
}
