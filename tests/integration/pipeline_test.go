// Package integration exercises the full outbound pipeline in-process:
// configuration drives a factory-built client whose calls flow through the
// rate limiter, retry engine, circuit breaker, and timeout guard against a
// local test server, with the operational endpoints observing the result.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coinlens/aggregator-core/internal/admin"
	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/config"
	"github.com/coinlens/aggregator-core/internal/health"
	"github.com/coinlens/aggregator-core/internal/metrics"
	"github.com/coinlens/aggregator-core/internal/ratelimit"
	"github.com/coinlens/aggregator-core/internal/upstream"
)

func init() {
	// Register metrics once for the whole test binary.
	metrics.Init()
}

// stack bundles the process-level components the way main assembles them.
type stack struct {
	cfg      *config.Config
	limiter  *ratelimit.Limiter
	registry *breaker.Registry
	factory  *upstream.Factory
	opsMux   *http.ServeMux
}

func newStack(t *testing.T, yaml string) *stack {
	t.Helper()
	logger := slog.Default()

	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("config load: %v", err)
	}

	limiter := ratelimit.New(logger)
	t.Cleanup(limiter.Stop)

	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Defaults.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
	}, logger)

	factory := upstream.NewFactory(cfg, registry, limiter, logger)
	for _, name := range factory.Services() {
		factory.Get(name)
	}

	mux := http.NewServeMux()
	health.New(factory, logger).RegisterRoutes(mux)
	if cfg.Admin.Enabled {
		admin.New(staticProvider{cfg}, registry, limiter, logger).RegisterRoutes(mux)
	}

	return &stack{cfg: cfg, limiter: limiter, registry: registry, factory: factory, opsMux: mux}
}

type staticProvider struct {
	cfg *config.Config
}

func (p staticProvider) Current() *config.Config { return p.cfg }

func serviceYAML(name, baseURL, extra string) string {
	return fmt.Sprintf(`
server:
  port: 8080
admin:
  enabled: true
  ip_allowlist:
    - 192.0.2.0/24
services:
  - name: %s
    base_url: %s
%s`, name, baseURL, extra)
}

func TestPipeline_SuccessfulCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"usd":60000}}`))
	}))
	defer srv.Close()

	s := newStack(t, serviceYAML("pricefeed", srv.URL, ""))

	resp, err := s.factory.Get("pricefeed").Get(context.Background(), "/simple/price")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}

	h := s.factory.HealthStatus()["pricefeed"]
	if h.Requests != 1 || h.Failures != 0 {
		t.Fatalf("unexpected counters: %+v", h)
	}
}

func TestPipeline_FailuresOpenBreakerAndReadinessDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newStack(t, serviceYAML("pricefeed", srv.URL, `    retry:
      max_attempts: 2
      base_delay_ms: 1
      max_delay_ms: 5
      multiplier: 2
    circuit_breaker:
      failure_threshold: 2
      reset_timeout: 60s
`))

	c := s.factory.Get("pricefeed")

	// Two failed attempts inside one call trip the breaker.
	if _, err := c.Get(context.Background(), "/simple/price"); err == nil {
		t.Fatal("expected failure")
	}

	var openErr *breaker.OpenError
	if _, err := c.Get(context.Background(), "/simple/price"); !errors.As(err, &openErr) {
		t.Fatalf("expected fail-fast *breaker.OpenError, got %v", err)
	}

	// Readiness sees the only provider down.
	rec := httptest.NewRecorder()
	s.opsMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from /ready, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_AdminForceCloseRestoresTraffic(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newStack(t, serviceYAML("pricefeed", srv.URL, `    retry:
      max_attempts: 1
      base_delay_ms: 1
      max_delay_ms: 5
      multiplier: 2
    circuit_breaker:
      failure_threshold: 1
      reset_timeout: 300s
`))

	c := s.factory.Get("pricefeed")
	c.Get(context.Background(), "/x")

	b, _ := s.registry.Get("pricefeed")
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	// Operator recovers the provider and force-closes through the admin API.
	healthy.Store(true)
	req := httptest.NewRequest(http.MethodPost, "/admin/breakers/pricefeed/close", nil)
	req.RemoteAddr = "192.0.2.7:9999"
	rec := httptest.NewRecorder()
	s.opsMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from admin, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := c.Get(context.Background(), "/x"); err != nil {
		t.Fatalf("expected traffic restored after force-close, got %v", err)
	}
}

func TestPipeline_429BlockVisibleToAdmin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newStack(t, serviceYAML("pricefeed", srv.URL, `    retry:
      max_attempts: 1
      base_delay_ms: 1
      max_delay_ms: 5
      multiplier: 2
`))

	c := s.factory.Get("pricefeed")
	c.Get(context.Background(), "/x")

	var limitErr *ratelimit.LimitError
	if _, err := c.Get(context.Background(), "/x"); !errors.As(err, &limitErr) {
		t.Fatalf("expected *ratelimit.LimitError while blocked, got %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/limiters", nil)
	req.RemoteAddr = "192.0.2.7:9999"
	rec := httptest.NewRecorder()
	s.opsMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Limiters map[string]ratelimit.Status `json:"limiters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !body.Limiters["pricefeed"].Blocked {
		t.Fatalf("expected blocked limiter in snapshot, got %+v", body.Limiters["pricefeed"])
	}
}

func TestPipeline_HotReloadTightensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newStack(t, serviceYAML("pricefeed", srv.URL, `    retry:
      max_attempts: 1
      base_delay_ms: 1
      max_delay_ms: 5
      multiplier: 2
`))
	c := s.factory.Get("pricefeed")

	newCfg, err := config.LoadFromBytes([]byte(serviceYAML("pricefeed", srv.URL, `    circuit_breaker:
      failure_threshold: 1
      reset_timeout: 60s
`)))
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	s.factory.UpdateConfig(newCfg)

	// One failure now trips the tightened breaker.
	c.Get(context.Background(), "/x")
	b, _ := s.registry.Get("pricefeed")
	if b.State() != breaker.StateOpen {
		t.Fatalf("expected reloaded threshold to trip, got %v", b.State())
	}
}

func TestPipeline_TimeoutGuardCutsSlowProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s := newStack(t, serviceYAML("pricefeed", srv.URL, `    timeout_ms: 50
    retry:
      max_attempts: 1
      base_delay_ms: 1
      max_delay_ms: 5
      multiplier: 2
`))

	start := time.Now()
	_, err := s.factory.Get("pricefeed").Get(context.Background(), "/slow")
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the guard to cut the call quickly, took %v", elapsed)
	}
}
