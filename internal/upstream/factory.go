package upstream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/config"
	"github.com/coinlens/aggregator-core/internal/ratelimit"
	"github.com/coinlens/aggregator-core/internal/retry"
	"github.com/coinlens/aggregator-core/internal/timeout"
)

// preset carries the built-in settings for a known provider, reflecting its
// published rate limits. Config overrides presets; presets override the
// Defaults block.
type preset struct {
	baseURL   string
	timeout   time.Duration
	rateLimit ratelimit.Config
	breaker   breaker.Config
}

// providerPresets covers the providers the aggregator ships support for:
// token pricing (coingecko, defillama), security-risk scanning (goplus),
// and listing feeds (dexscreener).
var providerPresets = map[string]preset{
	"coingecko": {
		baseURL: "https://api.coingecko.com/api/v3",
		timeout: 10 * time.Second,
		// Free tier: 30 calls/min.
		rateLimit: ratelimit.Config{RequestsPerSecond: 0.5, BurstSize: 5, RequestsPerMinute: 30},
		breaker:   breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute},
	},
	"defillama": {
		baseURL:   "https://api.llama.fi",
		timeout:   10 * time.Second,
		rateLimit: ratelimit.Config{RequestsPerSecond: 2, BurstSize: 10, RequestsPerMinute: 100},
		breaker:   breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second},
	},
	"goplus": {
		baseURL: "https://api.gopluslabs.io/api/v1",
		timeout: 15 * time.Second,
		// Security scans are slow and the quota is tight.
		rateLimit: ratelimit.Config{RequestsPerSecond: 1, BurstSize: 4, RequestsPerMinute: 30, RequestsPerHour: 1000},
		breaker:   breaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute},
	},
	"dexscreener": {
		baseURL:   "https://api.dexscreener.com",
		timeout:   8 * time.Second,
		rateLimit: ratelimit.Config{RequestsPerSecond: 5, BurstSize: 20, RequestsPerMinute: 300},
		breaker:   breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second},
	},
}

// Factory lazily constructs and caches exactly one resilient client per
// service name. All clients share the rate limiter, the breaker registry,
// the retry engine, and the timeout guard so operational surfaces see one
// consistent view of the process.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Client

	cfg      *config.Config
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	engine   *retry.Engine
	guard    *timeout.Guard
	shared   Transport
	logger   *slog.Logger
}

// NewFactory creates a client factory over the given shared infrastructure.
func NewFactory(
	cfg *config.Config,
	breakers *breaker.Registry,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Factory {
	return &Factory{
		clients:  make(map[string]*Client),
		cfg:      cfg,
		breakers: breakers,
		limiter:  limiter,
		engine:   retry.NewEngine(logger),
		guard:    timeout.NewGuard(logger),
		shared:   NewHTTPTransport(PoolConfig{}),
		logger:   logger,
	}
}

// Get returns the client for the given service, building it on first use
// from config merged over the provider preset and the Defaults block.
func (f *Factory) Get(service string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[service]; ok {
		return c
	}

	cc := f.resolve(service)
	brk := f.breakers.GetOrCreate(service, cc.Breaker)

	transport := f.shared
	if pool := f.poolFor(service); pool != (PoolConfig{}) {
		transport = NewHTTPTransport(pool)
	}

	c := NewClient(cc, transport, brk, f.limiter, f.engine, f.guard, f.logger)
	f.clients[service] = c

	f.logger.Info("upstream client created",
		"service", service,
		"base_url", cc.BaseURL,
		"timeout", cc.Timeout,
		"failure_threshold", cc.Breaker.FailureThreshold,
	)
	return c
}

// resolve merges, most specific wins: service config > provider preset >
// Defaults block.
func (f *Factory) resolve(service string) ClientConfig {
	d := f.cfg.Defaults

	cc := ClientConfig{
		Service: service,
		Timeout: d.Timeout(),
		RetryPolicy: retry.Policy{
			Name:        "http",
			MaxAttempts: d.Retry.MaxAttempts,
			BaseDelay:   d.Retry.BaseDelay(),
			MaxDelay:    d.Retry.MaxDelay(),
			Multiplier:  d.Retry.Multiplier,
			Jitter:      d.Retry.JitterEnabled(),
			Classifier:  RetryClassifier,
		},
		Breaker: breaker.Config{
			FailureThreshold: d.CircuitBreaker.FailureThreshold,
			ResetTimeout:     d.CircuitBreaker.ResetTimeout,
			ExpectedErrors:   d.CircuitBreaker.ExpectedErrors,
		},
		RateLimit: ratelimit.Config{
			RequestsPerSecond: d.RateLimit.RequestsPerSecond,
			RequestsPerMinute: d.RateLimit.RequestsPerMinute,
			RequestsPerHour:   d.RateLimit.RequestsPerHour,
			BurstSize:         d.RateLimit.BurstSize,
		},
	}

	if p, ok := providerPresets[service]; ok {
		cc.BaseURL = p.baseURL
		cc.Timeout = p.timeout
		cc.RateLimit = p.rateLimit
		cc.Breaker = p.breaker
	}

	sc, ok := f.serviceConfig(service)
	if !ok {
		return cc
	}

	if sc.BaseURL != "" {
		cc.BaseURL = sc.BaseURL
	}
	if t := sc.Timeout(); t > 0 {
		cc.Timeout = t
	}
	cc.Headers = sc.Headers
	cc.MaxConcurrent = sc.MaxConcurrent

	if sc.Retry != nil {
		cc.RetryPolicy = retry.Policy{
			Name:        "http",
			MaxAttempts: sc.Retry.MaxAttempts,
			BaseDelay:   sc.Retry.BaseDelay(),
			MaxDelay:    sc.Retry.MaxDelay(),
			Multiplier:  sc.Retry.Multiplier,
			Jitter:      sc.Retry.JitterEnabled(),
			Classifier:  RetryClassifier,
		}
	}
	if sc.CircuitBreaker != nil {
		cc.Breaker = breaker.Config{
			FailureThreshold: sc.CircuitBreaker.FailureThreshold,
			ResetTimeout:     sc.CircuitBreaker.ResetTimeout,
			ExpectedErrors:   sc.CircuitBreaker.ExpectedErrors,
		}
	}
	if sc.RateLimit != nil {
		cc.RateLimit = ratelimit.Config{
			RequestsPerSecond: sc.RateLimit.RequestsPerSecond,
			RequestsPerMinute: sc.RateLimit.RequestsPerMinute,
			RequestsPerHour:   sc.RateLimit.RequestsPerHour,
			BurstSize:         sc.RateLimit.BurstSize,
		}
	}

	return cc
}

func (f *Factory) serviceConfig(service string) (config.ServiceConfig, bool) {
	for _, s := range f.cfg.Services {
		if s.Name == service {
			return s, true
		}
	}
	return config.ServiceConfig{}, false
}

func (f *Factory) poolFor(service string) PoolConfig {
	sc, ok := f.serviceConfig(service)
	if !ok || sc.ConnectionPool == nil {
		return PoolConfig{}
	}
	return PoolConfig{
		MaxIdleConns:   sc.ConnectionPool.MaxIdleConns,
		MaxIdlePerHost: sc.ConnectionPool.MaxIdlePerHost,
		IdleTimeout:    sc.ConnectionPool.IdleTimeout,
	}
}

// Services returns the name of every configured service, so callers can warm
// up clients at startup.
func (f *Factory) Services() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range f.cfg.Services {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	return names
}

// HealthStatus aggregates breaker state, rate-limit config, and last-request
// time across all cached clients for a single operational snapshot.
func (f *Factory) HealthStatus() map[string]HealthStatus {
	f.mu.Lock()
	clients := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	out := make(map[string]HealthStatus, len(clients))
	for _, c := range clients {
		out[c.service] = c.Health()
	}
	return out
}

// UpdateConfig applies a reloaded configuration to existing clients:
// rate-limit ceilings and breaker thresholds take effect immediately.
// Retry policies, timeouts, and base URLs of already-built clients require
// a restart; the new values apply to clients built after the reload.
func (f *Factory) UpdateConfig(cfg *config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cfg = cfg
	for name := range f.clients {
		cc := f.resolve(name)
		f.limiter.Configure(name, cc.RateLimit)
		if brk, ok := f.breakers.Get(name); ok {
			brk.UpdateConfig(cc.Breaker)
		}
	}
}
