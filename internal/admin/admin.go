// Package admin provides admin API endpoints for runtime inspection and
// manual circuit-breaker overrides. All endpoints are protected by an IP
// allowlist, and additionally by JWT bearer auth when a secret is configured.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coinlens/aggregator-core/internal/apierror"
	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/config"
	"github.com/coinlens/aggregator-core/internal/ratelimit"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	provider    ConfigProvider
	breakers    *breaker.Registry
	limiter     *ratelimit.Limiter
	allowedNets []*net.IPNet
	jwtSecret   string
	issuer      string
	audience    string
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	provider ConfigProvider,
	breakers *breaker.Registry,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Handler {
	ac := provider.Current().Admin

	nets := make([]*net.IPNet, 0, len(ac.IPAllowlist))
	for _, cidr := range ac.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}

	return &Handler{
		provider:    provider,
		breakers:    breakers,
		limiter:     limiter,
		allowedNets: nets,
		jwtSecret:   ac.JWTSecret,
		issuer:      ac.Issuer,
		audience:    ac.Audience,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("POST /admin/breakers/open-all", h.guard(h.bulkHandler("open")))
	mux.HandleFunc("POST /admin/breakers/close-all", h.guard(h.bulkHandler("close")))
	mux.HandleFunc("POST /admin/breakers/reset-all", h.guard(h.bulkHandler("reset")))
	mux.HandleFunc("POST /admin/breakers/{name}/{action}", h.guard(h.breakerActionHandler))
	mux.HandleFunc("GET /admin/limiters", h.guard(h.limitersHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with IP allowlist checking and, when a JWT secret is
// configured, bearer token validation.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "access denied")
			return
		}

		if h.jwtSecret != "" {
			if err := h.checkBearer(r); err != nil {
				h.logger.Warn("admin auth failure", "client_ip", ip, "path", r.URL.Path, "error", err)
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthorized, "missing or invalid bearer token")
				return
			}
		}

		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// checkBearer validates the Authorization header against the configured
// HS256 secret, issuer, and audience.
func (h *Handler) checkBearer(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return fmt.Errorf("missing bearer token")
	}
	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return fmt.Errorf("empty bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}
	if h.audience != "" {
		opts = append(opts, jwt.WithAudience(h.audience))
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.breakers.Status(),
	})
}

// breakerActionHandler applies a manual override to one breaker:
// POST /admin/breakers/{name}/open|close|reset.
func (h *Handler) breakerActionHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	b, ok := h.breakers.Get(name)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.ServiceUnknown,
			fmt.Sprintf("no breaker registered for service %q", name))
		return
	}

	switch action {
	case "open":
		b.ForceOpen()
	case "close":
		b.ForceClose()
	case "reset":
		b.Reset()
	default:
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "not found")
		return
	}

	h.logger.Info("breaker override applied", "service", name, "action", action, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": name,
		"action":  action,
		"status":  b.Status(),
	})
}

// bulkHandler applies an override to every registered breaker.
func (h *Handler) bulkHandler(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch action {
		case "open":
			h.breakers.OpenAll()
		case "close":
			h.breakers.CloseAll()
		case "reset":
			h.breakers.ResetAll()
		}
		h.logger.Info("bulk breaker override applied", "action", action, "client_ip", extractIP(r.RemoteAddr))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"action":   action,
			"breakers": h.breakers.Status(),
		})
	}
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limiters": entries,
		"total":    len(entries),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Current()

	// Shallow copy and redact the secret before serializing.
	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
