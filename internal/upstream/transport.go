package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps how much of an upstream response body is read.
// Provider payloads (price tables, scan reports) stay well under this.
const maxResponseBytes = 16 << 20

// Request is one outbound call as seen by the transport boundary.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is what the transport hands back. Any HTTP status is a valid
// response; interpreting statuses is the client's job.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Transport issues a request and returns a status/headers/body, failing with
// a *NetworkError when no HTTP response was produced. Implementations must
// honor ctx cancellation.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// PoolConfig holds HTTP connection pool settings for one transport.
type PoolConfig struct {
	MaxIdleConns   int
	MaxIdlePerHost int
	IdleTimeout    time.Duration
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with the given pool settings.
// Zero-valued fields keep net/http defaults. Request deadlines come from the
// caller's context, not a client-wide timeout.
func NewHTTPTransport(pool PoolConfig) *HTTPTransport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if pool.MaxIdleConns > 0 {
		t.MaxIdleConns = pool.MaxIdleConns
	}
	if pool.MaxIdlePerHost > 0 {
		t.MaxIdleConnsPerHost = pool.MaxIdlePerHost
	}
	if pool.IdleTimeout > 0 {
		t.IdleConnTimeout = pool.IdleTimeout
	}
	return &HTTPTransport{client: &http.Client{Transport: t}}
}

// RoundTrip implements Transport.
func (h *HTTPTransport) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, classifyNetworkError(req.URL, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetworkError(req.URL, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyNetworkError(req.URL, err)
	}

	return &Response{
		Status:  httpResp.StatusCode,
		Headers: httpResp.Header,
		Body:    body,
	}, nil
}
