package breaker

import (
	"github.com/coinlens/aggregator-core/internal/metrics"
)

// Bulkhead limits the number of concurrent in-flight calls to a service.
// It rejects calls when the concurrency limit is reached, preventing
// goroutine pileups behind a slow provider.
type Bulkhead struct {
	sem     chan struct{}
	service string
}

// NewBulkhead creates a concurrency limiter that allows at most maxConcurrent
// in-flight calls before rejecting.
func NewBulkhead(service string, maxConcurrent int) *Bulkhead {
	return &Bulkhead{
		sem:     make(chan struct{}, maxConcurrent),
		service: service,
	}
}

// Acquire tries to take a concurrency slot without blocking. If Acquire
// returns true, the caller MUST call Release when the call completes.
func (b *Bulkhead) Acquire() bool {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.service).Set(float64(len(b.sem)))
		return true
	default:
		metrics.BulkheadRejections.WithLabelValues(b.service).Inc()
		return false
	}
}

// Release frees a concurrency slot. Must be called exactly once for every
// Acquire that returned true.
func (b *Bulkhead) Release() {
	<-b.sem
	metrics.BulkheadInFlight.WithLabelValues(b.service).Set(float64(len(b.sem)))
}
