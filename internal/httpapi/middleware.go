package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tollgate.org/internal/audit"
	"tollgate.org/internal/auth"
	"tollgate.org/internal/obs"
	"tollgate.org/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestID reuses a sane inbound X-Request-ID or mints a new one, echoes it
// and stores it in the context for logs and error bodies.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), rid)))
	})
}

// LoggingJSON writes one request_complete entry per request.
func LoggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.LogRequest(map[string]any{
			"request_id":  audit.RequestIDFromContext(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_ip":   clientIP(r),
		})
	})
}

// SecurityHeaders sets hardening headers for a JSON-only API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes: limit request body size
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type limitClass string

const (
	classAuth    limitClass = "auth"
	classPublic  limitClass = "public"
	classWebhook limitClass = "webhook"
	classUser    limitClass = "user"
)

func (a *API) classLimit(c limitClass) (func(string) string, int) {
	switch c {
	case classAuth:
		return ratelimit.AuthKey, a.limits.Auth
	case classWebhook:
		return ratelimit.WebhookKey, a.limits.Webhook
	default:
		return ratelimit.PublicKey, a.limits.Public
	}
}

// limitByIP enforces the per-IP quota of an anonymous endpoint class.
func (a *API) limitByIP(c limitClass) func(http.Handler) http.Handler {
	keyFn, limit := a.classLimit(c)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.enforce(w, r, c, keyFn(clientIP(r)), limit) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// limitByUser enforces the quota carried in the caller's access token. It
// runs after authenticate.
func (a *API) limitByUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeDomainError(w, r, auth.ErrInvalidToken)
			return
		}
		if a.enforce(w, r, classUser, ratelimit.UserKey(id.UserID), id.RateLimit) {
			next.ServeHTTP(w, r)
		}
	})
}

// enforce counts the request, sets the outcome headers and reports whether
// the request may proceed.
func (a *API) enforce(w http.ResponseWriter, r *http.Request, c limitClass, key string, limit int) bool {
	if a.limiter == nil || limit <= 0 {
		return true
	}
	res, err := a.limiter.Enforce(r.Context(), key, limit)
	if err != nil && !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		writeDomainError(w, r, err)
		return false
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if err != nil {
		retry := res.RetryAfter(time.Now())
		h.Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
		obs.ObserveRateLimited(string(c))
		writeDomainError(w, r, err)
		return false
	}
	return true
}

type clientIPKey struct{}

// withClientIP resolves the caller address once per request. X-Forwarded-For
// is only read when the direct peer is a trusted proxy.
func (a *API) withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveClientIP(r, a.trusted)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
	})
}

func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

// resolveClientIP walks X-Forwarded-For from the right, skipping trusted
// hops, and returns the first address a trusted proxy vouched for.
func resolveClientIP(r *http.Request, trusted []netip.Prefix) string {
	host := remoteHost(r)
	if len(trusted) == 0 || !isTrusted(host, trusted) {
		return host
	}
	hops := r.Header.Values("X-Forwarded-For")
	var chain []string
	for _, h := range hops {
		chain = append(chain, strings.Split(h, ",")...)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(chain[i]))
		if err != nil {
			break
		}
		addr = addr.Unmap()
		if !containsAddr(trusted, addr) {
			return addr.String()
		}
	}
	return host
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTrusted(host string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return containsAddr(trusted, addr.Unmap())
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
