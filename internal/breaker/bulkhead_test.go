package breaker

import (
	"sync"
	"testing"
)

func TestBulkhead_AcquireUpToLimit(t *testing.T) {
	b := NewBulkhead("test-service", 2)

	if !b.Acquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if !b.Acquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if b.Acquire() {
		t.Fatal("expected third acquire to be rejected")
	}

	b.Release()
	if !b.Acquire() {
		t.Fatal("expected acquire to succeed after release")
	}

	b.Release()
	b.Release()
}

func TestBulkhead_ConcurrentAcquire(t *testing.T) {
	const limit = 4
	const goroutines = 50

	b := NewBulkhead("test-service", limit)

	var mu sync.Mutex
	admitted := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Acquire() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Nothing released, so at most limit slots were ever granted.
	if admitted != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, admitted)
	}
}
