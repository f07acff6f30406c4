// Package ratelimit provides per-service admission control for outbound
// provider calls. Each service combines a token bucket (burst + sustained
// rate) with sliding-window counters (per-minute and per-hour ceilings) and
// an explicit 429-driven backoff block.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coinlens/aggregator-core/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// sweepInterval is how often the background sweep prunes the request
	// ledgers and clears expired 429 blocks.
	sweepInterval = time.Minute

	// ledgerWindow is the largest sliding window; older entries are pruned.
	ledgerWindow = time.Hour

	// backoffBase and backoffMax bound the 429 backoff when the upstream
	// response carries no Retry-After header.
	backoffBase = time.Second
	backoffMax  = 5 * time.Minute
)

// Config holds the rate limit settings for one service. Zero-valued fields
// disable the corresponding stage.
type Config struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	RequestsPerMinute int     `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int     `json:"requests_per_hour,omitempty"`
	BurstSize         int     `json:"burst_size,omitempty"`
}

// Decision is the outcome of an admission check. Remaining is the most
// restrictive remaining count across configured stages, or -1 when the
// service has no ceiling configured. On denial, ResetAt is when the denying
// stage next admits and Stage names it (blocked, bucket, minute, hour).
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
	Stage     string    `json:"stage,omitempty"`
}

// LimitError is returned to callers when admission is denied and the caller
// chose to fail fast rather than queue.
type LimitError struct {
	Service string
	Stage   string
	RetryAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s stage)", e.Service, e.Stage)
}

// serviceState is the mutable per-service limiter state. All access happens
// under the Limiter mutex, which makes the admission check and its commit a
// single atomic step.
type serviceState struct {
	cfg    Config
	bucket *rate.Limiter // nil when RequestsPerSecond is unset

	// ledger holds request timestamps in arrival order, pruned to the
	// largest window by the sweep and on every check.
	ledger []time.Time

	blocked      bool
	blockedUntil time.Time
}

// Limiter tracks per-service admission state and performs a periodic sweep
// of stale ledger entries and expired blocks.
type Limiter struct {
	mu       sync.Mutex
	services map[string]*serviceState
	logger   *slog.Logger
	stopCh   chan struct{}
}

// New creates a Limiter and starts its background sweep goroutine.
func New(logger *slog.Logger) *Limiter {
	l := &Limiter{
		services: make(map[string]*serviceState),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop terminates the background sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// Configure registers or updates the rate limit settings for a service.
// Updating resets the token bucket so new limits take effect immediately;
// the request ledger and any active 429 block are preserved.
func (l *Limiter) Configure(service string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(service)
	s.cfg = cfg
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.BurstSize
		if burst < 1 {
			burst = 1
		}
		s.bucket = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	} else {
		s.bucket = nil
	}
}

// Check performs the admission check for one outbound call and, when
// admitted, commits it (consumes a token and appends to the ledger) in the
// same critical section. Most restrictive stage wins: an active 429 block,
// then the token bucket, then the minute and hour windows.
func (l *Limiter) Check(service string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(service)
	now := time.Now()

	d := l.canProceed(s, now)
	if !d.Allowed {
		metrics.RateLimitRejections.WithLabelValues(service, d.Stage).Inc()
		l.logger.Warn("rate limit denied",
			"service", service,
			"stage", d.Stage,
			"reset_at", d.ResetAt,
		)
		return d
	}

	l.commit(s, now)
	d.Remaining = l.remaining(s, now)
	return d
}

// canProceed is the pure admission check. Must be called with l.mu held.
func (l *Limiter) canProceed(s *serviceState, now time.Time) Decision {
	if s.blocked {
		if now.Before(s.blockedUntil) {
			return Decision{Allowed: false, Stage: "blocked", ResetAt: s.blockedUntil}
		}
		s.blocked = false
	}

	if s.bucket != nil && s.bucket.TokensAt(now) < 1 {
		deficit := 1 - s.bucket.TokensAt(now)
		wait := time.Duration(deficit / s.cfg.RequestsPerSecond * float64(time.Second))
		return Decision{Allowed: false, Stage: "bucket", ResetAt: now.Add(wait)}
	}

	s.prune(now)

	if s.cfg.RequestsPerMinute > 0 {
		count, oldest := s.countSince(now.Add(-time.Minute))
		if count >= s.cfg.RequestsPerMinute {
			return Decision{Allowed: false, Stage: "minute", ResetAt: oldest.Add(time.Minute)}
		}
	}
	if s.cfg.RequestsPerHour > 0 {
		count, oldest := s.countSince(now.Add(-time.Hour))
		if count >= s.cfg.RequestsPerHour {
			return Decision{Allowed: false, Stage: "hour", ResetAt: oldest.Add(time.Hour)}
		}
	}

	return Decision{Allowed: true}
}

// commit records an admitted call. Must be called with l.mu held, in the same
// critical section as the canProceed that admitted it.
func (l *Limiter) commit(s *serviceState, now time.Time) {
	if s.bucket != nil {
		s.bucket.AllowN(now, 1)
	}
	if s.cfg.RequestsPerMinute > 0 || s.cfg.RequestsPerHour > 0 {
		s.ledger = append(s.ledger, now)
	}
}

// remaining computes the most restrictive remaining admission count, or -1
// when no ceiling is configured. Must be called with l.mu held.
func (l *Limiter) remaining(s *serviceState, now time.Time) int {
	rem := -1

	tighten := func(n int) {
		if n < 0 {
			n = 0
		}
		if rem == -1 || n < rem {
			rem = n
		}
	}

	if s.bucket != nil {
		tighten(int(math.Floor(s.bucket.TokensAt(now))))
	}
	if s.cfg.RequestsPerMinute > 0 {
		count, _ := s.countSince(now.Add(-time.Minute))
		tighten(s.cfg.RequestsPerMinute - count)
	}
	if s.cfg.RequestsPerHour > 0 {
		count, _ := s.countSince(now.Add(-time.Hour))
		tighten(s.cfg.RequestsPerHour - count)
	}

	return rem
}

// Handle429 records an upstream 429 response and blocks the service. When the
// upstream supplied a Retry-After, that wins; otherwise the backoff grows
// exponentially with how busy the service has been in the last hour, capped
// at backoffMax.
func (l *Limiter) Handle429(service string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(service)
	now := time.Now()

	backoff := retryAfter
	if backoff <= 0 {
		s.prune(now)
		recent := len(s.ledger)
		exp := recent
		if exp > 4 {
			exp = 4
		}
		backoff = backoffBase << exp
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}

	s.blocked = true
	s.blockedUntil = now.Add(backoff)

	metrics.RateLimitBackoffs.WithLabelValues(service).Inc()
	l.logger.Warn("upstream returned 429, backing off",
		"service", service,
		"backoff", backoff,
		"blocked_until", s.blockedUntil,
	)
}

// Wait polls admission in increments of at most one second until the call is
// admitted, the wait budget is exhausted, or ctx is cancelled. For callers
// willing to queue rather than fail fast.
func (l *Limiter) Wait(ctx context.Context, service string, maxWait time.Duration) (Decision, error) {
	deadline := time.Now().Add(maxWait)

	for {
		d := l.Check(service)
		if d.Allowed {
			return d, nil
		}

		step := time.Second
		if until := time.Until(d.ResetAt); until > 0 && until < step {
			step = until
		}
		if remaining := time.Until(deadline); remaining < step {
			if remaining <= 0 {
				return d, &LimitError{Service: service, Stage: d.Stage, RetryAt: d.ResetAt}
			}
			step = remaining
		}

		timer := time.NewTimer(step)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return d, ctx.Err()
		}

		if time.Now().After(deadline) {
			return d, &LimitError{Service: service, Stage: d.Stage, RetryAt: d.ResetAt}
		}
	}
}

// Status describes one service's limiter state for the ops surface.
type Status struct {
	Config       Config    `json:"config"`
	RecentMinute int       `json:"recent_minute"`
	RecentHour   int       `json:"recent_hour"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until,omitzero"`
}

// Snapshot returns per-service limiter state keyed by service name.
func (l *Limiter) Snapshot() map[string]Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make(map[string]Status, len(l.services))
	for name, s := range l.services {
		s.prune(now)
		minCount, _ := s.countSince(now.Add(-time.Minute))
		hourCount, _ := s.countSince(now.Add(-time.Hour))
		out[name] = Status{
			Config:       s.cfg,
			RecentMinute: minCount,
			RecentHour:   hourCount,
			Blocked:      s.blocked && now.Before(s.blockedUntil),
			BlockedUntil: s.blockedUntil,
		}
	}
	return out
}

// state returns the per-service state, creating it if needed. Must be called
// with l.mu held.
func (l *Limiter) state(service string) *serviceState {
	s, ok := l.services[service]
	if !ok {
		s = &serviceState{}
		l.services[service] = s
	}
	return s
}

// sweep prunes ledgers and clears expired blocks once per interval,
// independent of call traffic.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for _, s := range l.services {
				s.prune(now)
				if s.blocked && !now.Before(s.blockedUntil) {
					s.blocked = false
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// prune drops ledger entries older than the largest window. The ledger is in
// arrival order, so pruning is a prefix cut.
func (s *serviceState) prune(now time.Time) {
	cutoff := now.Add(-ledgerWindow)
	i := 0
	for i < len(s.ledger) && s.ledger[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.ledger = append(s.ledger[:0:0], s.ledger[i:]...)
	}
}

// countSince returns how many ledger entries fall at or after cutoff, and the
// oldest such timestamp (zero when count is 0).
func (s *serviceState) countSince(cutoff time.Time) (int, time.Time) {
	for i, ts := range s.ledger {
		if !ts.Before(cutoff) {
			return len(s.ledger) - i, ts
		}
	}
	return 0, time.Time{}
}
