package breaker

import (
	"log/slog"
	"sync"
)

// Registry owns one circuit breaker per service name. Breakers are created
// lazily on first use and live for the process lifetime. The registry is the
// single place the admin surface reaches for manual overrides, so there is no
// ambient package-level breaker state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
	logger   *slog.Logger
}

// NewRegistry creates a Registry that applies defaults to breakers created
// without an explicit config.
func NewRegistry(defaults Config, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for the given service, creating it with cfg
// on first use. Subsequent calls ignore cfg and return the existing breaker.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = r.defaults.FailureThreshold
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = r.defaults.ResetTimeout
	}

	b := New(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for the given service, or false if none exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Status returns a snapshot of every registered breaker keyed by service name.
func (r *Registry) Status() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Status()
	}
	return out
}

// OpenAll force-opens every registered breaker.
func (r *Registry) OpenAll() {
	for _, b := range r.all() {
		b.ForceOpen()
	}
}

// CloseAll force-closes every registered breaker.
func (r *Registry) CloseAll() {
	for _, b := range r.all() {
		b.ForceClose()
	}
}

// ResetAll resets every registered breaker.
func (r *Registry) ResetAll() {
	for _, b := range r.all() {
		b.Reset()
	}
}

// all snapshots the breaker list so bulk operations do not hold the registry
// lock while taking individual breaker locks.
func (r *Registry) all() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}
