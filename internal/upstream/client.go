// Package upstream provides the resilient client used for every outbound
// call to a third-party crypto-data provider. Each client composes rate
// limiting, retries, a circuit breaker, and a timeout guard around a shared
// HTTP transport, and reports aggregated health for operational dashboards.
package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/metrics"
	"github.com/coinlens/aggregator-core/internal/ratelimit"
	"github.com/coinlens/aggregator-core/internal/retry"
	"github.com/coinlens/aggregator-core/internal/timeout"
)

// ClientConfig holds the per-service settings a client is built from.
// Supplied at construction; not re-read at runtime.
type ClientConfig struct {
	Service       string
	BaseURL       string
	Timeout       time.Duration
	Headers       map[string]string
	MaxConcurrent int

	RetryPolicy retry.Policy
	Breaker     breaker.Config
	RateLimit   ratelimit.Config
	Pool        PoolConfig
}

// HealthStatus is one client's contribution to the aggregated health
// snapshot.
type HealthStatus struct {
	Service     string           `json:"service"`
	Breaker     breaker.Status   `json:"breaker"`
	RateLimit   ratelimit.Config `json:"rate_limit"`
	LastRequest time.Time        `json:"last_request,omitzero"`
	Requests    uint64           `json:"requests"`
	Failures    uint64           `json:"failures"`
}

// Client is the resilient client for one upstream service. One instance per
// service, created by the Factory and shared by all callers for the process
// lifetime.
type Client struct {
	service   string
	baseURL   string
	headers   map[string]string
	timeout   time.Duration
	policy    retry.Policy
	transport Transport
	breaker   *breaker.Breaker
	bulkhead  *breaker.Bulkhead // nil when no concurrency cap is configured
	limiter   *ratelimit.Limiter
	engine    *retry.Engine
	guard     *timeout.Guard
	logger    *slog.Logger

	mu          sync.Mutex
	lastRequest time.Time
	requests    uint64
	failures    uint64
}

// NewClient assembles a resilient client for one service. The breaker is
// taken from the shared registry and the limiter is shared across clients so
// the admin surface sees one consistent view.
func NewClient(
	cfg ClientConfig,
	transport Transport,
	brk *breaker.Breaker,
	limiter *ratelimit.Limiter,
	engine *retry.Engine,
	guard *timeout.Guard,
	logger *slog.Logger,
) *Client {
	c := &Client{
		service:   cfg.Service,
		baseURL:   cfg.BaseURL,
		headers:   cfg.Headers,
		timeout:   cfg.Timeout,
		policy:    cfg.RetryPolicy,
		transport: transport,
		breaker:   brk,
		limiter:   limiter,
		engine:    engine,
		guard:     guard,
		logger:    logger,
	}
	if c.policy.Classifier == nil {
		c.policy.Classifier = RetryClassifier
	}
	if cfg.MaxConcurrent > 0 {
		c.bulkhead = breaker.NewBulkhead(cfg.Service, cfg.MaxConcurrent)
	}
	limiter.Configure(cfg.Service, cfg.RateLimit)
	return c
}

// Get issues a GET to the given path (joined to the client's base URL).
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST with the given body.
func (c *Client) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT with the given body.
func (c *Client) Put(ctx context.Context, path string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE to the given path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do executes one logical call: rate-limit admission, then the retry engine
// drives attempts, each passing through the circuit breaker and the timeout
// guard before reaching the transport. Admission denials fail fast with a
// *ratelimit.LimitError; callers willing to queue should use WaitForCapacity
// first.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	if d := c.limiter.Check(c.service); !d.Allowed {
		return nil, &ratelimit.LimitError{Service: c.service, Stage: d.Stage, RetryAt: d.ResetAt}
	}

	if c.bulkhead != nil {
		if !c.bulkhead.Acquire() {
			return nil, &BusyError{Service: c.service}
		}
		defer c.bulkhead.Release()
	}

	url := c.baseURL + path
	var resp *Response

	policy := c.policy
	configuredOnRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int) {
		metrics.RetryAttempts.WithLabelValues(c.service, policy.Name).Inc()
		if configuredOnRetry != nil {
			configuredOnRetry(err, attempt)
		}
	}

	res, err := c.engine.Do(ctx, policy, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			opts := timeout.Options{Timeout: c.timeout, Name: c.service}
			return c.guard.Do(ctx, opts, func(ctx context.Context) error {
				r, attemptErr := c.attempt(ctx, method, url, body)
				if attemptErr != nil {
					return attemptErr
				}
				resp = r
				return nil
			})
		})
	})

	c.recordOutcome(err)

	if err != nil {
		c.logger.Error("upstream call failed",
			"service", c.service,
			"method", method,
			"path", path,
			"attempts", res.Attempts,
			"elapsed", res.Elapsed,
			"error", err,
		)
		return nil, err
	}
	return resp, nil
}

// WaitForCapacity blocks until the rate limiter admits a call for this
// service or maxWait elapses. The admitted slot is consumed, so the caller
// should follow up with Do promptly; pacing beyond that is the caller's
// concern.
func (c *Client) WaitForCapacity(ctx context.Context, maxWait time.Duration) error {
	_, err := c.limiter.Wait(ctx, c.service, maxWait)
	return err
}

// attempt performs one transport round trip and records per-attempt metrics.
// A 429 response feeds the limiter's backoff before being surfaced as a
// *StatusError.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (*Response, error) {
	c.touch()
	metrics.InFlightRequests.WithLabelValues(c.service).Inc()
	start := time.Now()

	resp, err := c.transport.RoundTrip(ctx, &Request{
		Method:  method,
		URL:     url,
		Headers: c.headers,
		Body:    body,
	})

	metrics.InFlightRequests.WithLabelValues(c.service).Dec()
	metrics.UpstreamRequestDuration.WithLabelValues(c.service, method).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(c.service, method, "error").Inc()
		return nil, err
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(c.service, method, strconv.Itoa(resp.Status)).Inc()

	if resp.Status == http.StatusTooManyRequests {
		c.limiter.Handle429(c.service, retryAfterFrom(resp.Headers))
	}
	if resp.Status >= 400 {
		return nil, &StatusError{Service: c.service, URL: url, Status: resp.Status}
	}
	return resp, nil
}

// Health returns this client's health contribution.
func (c *Client) Health() HealthStatus {
	c.mu.Lock()
	lastRequest := c.lastRequest
	requests := c.requests
	failures := c.failures
	c.mu.Unlock()

	var rlConfig ratelimit.Config
	if st, ok := c.limiter.Snapshot()[c.service]; ok {
		rlConfig = st.Config
	}

	return HealthStatus{
		Service:     c.service,
		Breaker:     c.breaker.Status(),
		RateLimit:   rlConfig,
		LastRequest: lastRequest,
		Requests:    requests,
		Failures:    failures,
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

func (c *Client) recordOutcome(err error) {
	c.mu.Lock()
	c.requests++
	if err != nil {
		c.failures++
	}
	c.mu.Unlock()
}

// retryAfterFrom parses a Retry-After header given in delay seconds.
// HTTP-date values are ignored; the limiter falls back to its own backoff.
func retryAfterFrom(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
