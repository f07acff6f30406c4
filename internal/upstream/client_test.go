package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/ratelimit"
	"github.com/coinlens/aggregator-core/internal/retry"
	"github.com/coinlens/aggregator-core/internal/timeout"
)

// newTestClient wires a client against the given server with fast retry
// delays. Callers mutate cfg via the override before construction.
func newTestClient(t *testing.T, serverURL string, override func(*ClientConfig)) (*Client, *ratelimit.Limiter) {
	t.Helper()

	cfg := ClientConfig{
		Service: "testsvc",
		BaseURL: serverURL,
		Timeout: 2 * time.Second,
		RetryPolicy: retry.Policy{
			Name:        "http",
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
			Classifier:  RetryClassifier,
		},
		Breaker: breaker.Config{FailureThreshold: 100, ResetTimeout: time.Minute},
	}
	if override != nil {
		override(&cfg)
	}

	logger := slog.Default()
	limiter := ratelimit.New(logger)
	t.Cleanup(limiter.Stop)

	brk := breaker.New(cfg.Service, cfg.Breaker, logger)
	c := NewClient(cfg, NewHTTPTransport(PoolConfig{}), brk,
		limiter, retry.NewEngine(logger), timeout.NewGuard(logger), logger)
	return c, limiter
}

func TestClient_GetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("expected configured header, got %q", got)
		}
		w.Write([]byte(`{"price": 42}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.Headers = map[string]string{"X-Api-Key": "test-key"}
	})

	resp, err := c.Get(context.Background(), "/simple/price")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body) != `{"price": 42}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	resp, err := c.Get(context.Background(), "/flaky")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClient_TerminalStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/missing")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", statusErr.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt for 404, got %d", calls.Load())
	}
}

func TestClient_ExhaustionReturnsRetryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/broken")

	var retryErr *retry.Error
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected *retry.Error after exhaustion, got %v", err)
	}
	if len(retryErr.Attempts) != 3 {
		t.Fatalf("expected 3 aggregated attempts, got %d", len(retryErr.Attempts))
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatal("expected *StatusError reachable through the aggregate")
	}
}

func TestClient_BreakerOpensAndRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.Breaker = breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}
	})

	// Two failed attempts trip the breaker; the third attempt inside the
	// same call is rejected and the rejection propagates raw.
	_, err := c.Get(context.Background(), "/broken")
	var openErr *breaker.OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *breaker.OpenError once tripped, got %v", err)
	}

	// Subsequent calls fail fast without reaching the server.
	_, err = c.Get(context.Background(), "/broken")
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *breaker.OpenError on the next call, got %v", err)
	}
}

func TestClient_429ActivatesBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.RetryPolicy.MaxAttempts = 1
	})

	_, err := c.Get(context.Background(), "/limited")
	var retryErr *retry.Error
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}

	// The 429 installed a block; the next call never reaches the server.
	_, err = c.Get(context.Background(), "/limited")
	var limitErr *ratelimit.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *ratelimit.LimitError, got %v", err)
	}
	if limitErr.Stage != "blocked" {
		t.Fatalf("expected blocked stage, got %q", limitErr.Stage)
	}
	if time.Until(limitErr.RetryAt) < 50*time.Second {
		t.Fatalf("expected Retry-After to drive the block, got %v", time.Until(limitErr.RetryAt))
	}
}

func TestClient_RateLimitFailFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.RateLimit = ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1}
	})

	if _, err := c.Get(context.Background(), "/ok"); err != nil {
		t.Fatalf("expected first call admitted, got %v", err)
	}

	_, err := c.Get(context.Background(), "/ok")
	var limitErr *ratelimit.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *ratelimit.LimitError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected the denied call to never reach the server, got %d", calls.Load())
	}
}

func TestClient_BulkheadRejectsConcurrentOverflow(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.MaxConcurrent = 1
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "/slow")
		firstDone <- err
	}()

	// Wait until the first call holds the only slot.
	<-entered

	_, err := c.Get(context.Background(), "/slow")
	var busyErr *BusyError
	if !errors.As(err, &busyErr) {
		t.Fatalf("expected *BusyError, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("expected the in-flight call to finish cleanly, got %v", err)
	}
}

func TestClient_TimeoutSurfacesThroughRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.Timeout = 30 * time.Millisecond
		cfg.RetryPolicy.MaxAttempts = 1
	})

	_, err := c.Get(context.Background(), "/slow")

	var tErr *timeout.Error
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *timeout.Error in the aggregate, got %v", err)
	}
}

func TestClient_HealthCounters(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)

	c.Get(context.Background(), "/ok")
	fail.Store(true)
	c.Get(context.Background(), "/bad")

	h := c.Health()
	if h.Service != "testsvc" {
		t.Fatalf("unexpected service: %q", h.Service)
	}
	if h.Requests != 2 {
		t.Fatalf("expected 2 requests, got %d", h.Requests)
	}
	if h.Failures != 1 {
		t.Fatalf("expected 1 failure, got %d", h.Failures)
	}
	if h.LastRequest.IsZero() {
		t.Fatal("expected LastRequest to be set")
	}
	if !h.Breaker.Healthy {
		t.Fatal("expected breaker healthy")
	}
}

func TestClient_WaitForCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, limiter := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.RateLimit = ratelimit.Config{RequestsPerSecond: 100, BurstSize: 100}
	})

	limiter.Handle429("testsvc", 30*time.Millisecond)

	if err := c.WaitForCapacity(context.Background(), time.Second); err != nil {
		t.Fatalf("expected capacity within the budget, got %v", err)
	}
}

func TestRetryAfterFrom(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, c := range cases {
		h := http.Header{}
		if c.value != "" {
			h.Set("Retry-After", c.value)
		}
		if got := retryAfterFrom(h); got != c.want {
			t.Fatalf("retryAfterFrom(%q) = %v, want %v", c.value, got, c.want)
		}
	}
}
