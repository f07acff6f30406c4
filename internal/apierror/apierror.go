// Package apierror provides a centralized error response format for the
// aggregator's operational endpoints. All handlers use WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Aggregator error codes. These form a public API contract — operators and
// dashboards can program against these stable codes. Do not rename or remove
// existing codes.
const (
	NotFound          ErrorCode = "AGGREGATOR_NOT_FOUND"
	MethodNotAllowed  ErrorCode = "AGGREGATOR_METHOD_NOT_ALLOWED"
	Forbidden         ErrorCode = "AGGREGATOR_FORBIDDEN"
	Unauthorized      ErrorCode = "AGGREGATOR_UNAUTHORIZED"
	ServiceUnknown    ErrorCode = "AGGREGATOR_SERVICE_UNKNOWN"
	CircuitOpen       ErrorCode = "AGGREGATOR_CIRCUIT_OPEN"
	RateLimitExceeded ErrorCode = "AGGREGATOR_RATE_LIMIT_EXCEEDED"
	InternalError     ErrorCode = "AGGREGATOR_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preNotFound     = mustMarshal(http.StatusNotFound, NotFound, "not found")
	preForbidden    = mustMarshal(http.StatusForbidden, Forbidden, "access denied")
	preUnauthorized = mustMarshal(http.StatusUnauthorized, Unauthorized, "missing or invalid bearer token")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When a request ID is available (from X-Request-ID header), it is included
// in the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == NotFound && status == http.StatusNotFound && message == "not found":
		return preNotFound
	case code == Forbidden && status == http.StatusForbidden && message == "access denied":
		return preForbidden
	case code == Unauthorized && status == http.StatusUnauthorized && message == "missing or invalid bearer token":
		return preUnauthorized
	}
	return nil
}
