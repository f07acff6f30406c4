package retry

import "time"

// Presets for common call categories. Same algorithm, different constants:
// HTTP calls to third-party providers tolerate longer waits, storage calls
// retry more aggressively with shorter delays, and cache lookups give up
// almost immediately (a miss is cheaper than a stall).

// HTTPPolicy returns the default policy for outbound provider calls.
func HTTPPolicy() Policy {
	return Policy{
		Name:        "http",
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// StoragePolicy returns the default policy for storage-backed operations.
func StoragePolicy() Policy {
	return Policy{
		Name:        "storage",
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// CachePolicy returns the default policy for cache lookups.
func CachePolicy() Policy {
	return Policy{
		Name:        "cache",
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2,
		Jitter:      false,
	}
}
