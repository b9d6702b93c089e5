package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/ratelimit"
)

type ctxKey int

const tenantKey ctxKey = iota

// tenantFrom returns the authenticated tenant placed by guard.
func tenantFrom(ctx context.Context) *core.Tenant {
	t, _ := ctx.Value(tenantKey).(*core.Tenant)
	return t
}

// guard wraps a handler with the intake gate, authentication, the optional
// scope check and the rate limiter, then records the request outcome.
func (s *Server) guard(h http.HandlerFunc, scope string, class ratelimit.Class) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		tenantID := "unknown"
		defer func() {
			if s.metrics != nil {
				s.metrics.ObserveOutcome(tenantID, r.URL.Path, outcome(rec.status), time.Since(start).Seconds())
			}
		}()

		if s.draining.Load() || !s.ready.Load() {
			writeError(rec, core.E(core.KindToolUnavailable, "gateway is not accepting requests"))
			return
		}

		tenant, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(rec, err)
			return
		}
		tenantID = tenant.TenantID

		if scope != "" {
			if err := auth.RequireScope(tenant, scope); err != nil {
				writeError(rec, err)
				return
			}
		}

		if dec := s.limiter.Admit(r.Context(), tenant, class, 1); !dec.Admitted {
			if s.metrics != nil {
				s.metrics.ThrottledTotal.WithLabelValues(tenant.TenantID, string(class)).Inc()
			}
			writeError(rec, &core.Error{
				Kind:       core.KindThrottled,
				Message:    "rate limit exceeded",
				RetryAfter: dec.RetryAfter,
			})
			return
		}

		h(rec, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	}
}

// originGate validates the Origin header against the allow-list and
// answers CORS for allowed origins. A mismatch fails closed in production
// and passes with a warning otherwise. Requests without an Origin header
// (non-browser clients) are untouched.
func (s *Server) originGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.origins.Allow(origin) {
				if s.cfg.IsProduction() {
					writeError(w, core.E(core.KindPermissionDenied, "origin not allowed"))
					return
				}
				s.log.Warn("origin not in allow-list", "origin", origin)
			} else {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders applies the response headers every endpoint carries.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if s.cfg.IsProduction() {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func outcome(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "rejected"
	default:
		return "failed"
	}
}

// statusRecorder captures the status code for the outcome metric while
// passing Flush and Hijack through for SSE and WebSocket handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}
