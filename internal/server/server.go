// Package server exposes the gateway's HTTP surface: the unary and
// streaming message endpoints, the tool registry views, health and
// metrics, and the WebSocket upgrade path.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/flags"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/orchestrator"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/registry"
	"github.com/ocx/gateway/internal/session"
	"github.com/ocx/gateway/internal/stream"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// Deps carries everything the HTTP layer talks to.
type Deps struct {
	Config   *config.Config
	Auth     *auth.Authenticator
	Signer   *auth.Signer
	Origins  *auth.OriginPolicy
	Limiter  *ratelimit.Limiter
	Flags    *flags.Evaluator
	Registry *registry.Registry
	Orch     *orchestrator.Orchestrator
	Streams  *stream.Manager
	Sessions session.Store
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      *config.Config
	auth     *auth.Authenticator
	origins  *auth.OriginPolicy
	limiter  *ratelimit.Limiter
	flags    *flags.Evaluator
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	streams  *stream.Manager
	sessions session.Store
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *slog.Logger

	ws      *stream.WSServer
	started time.Time

	ready    atomic.Bool
	draining atomic.Bool
}

// New builds the server and its WebSocket endpoint.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      d.Config,
		auth:     d.Auth,
		origins:  d.Origins,
		limiter:  d.Limiter,
		flags:    d.Flags,
		registry: d.Registry,
		orch:     d.Orch,
		streams:  d.Streams,
		sessions: d.Sessions,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		log:      d.Log,
		started:  time.Now(),
	}

	s.ws = stream.NewWSServer(
		d.Streams,
		d.Origins,
		d.Signer.Verify,
		s.ensureSessionFor(core.TransportWebSocket),
		s.dispatchStreaming,
		d.Config.Orchestra.UpstreamTimeout,
		d.Log,
	)
	return s
}

// SetReady flips the readiness gate once startup completes.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// StartDraining makes every guarded endpoint answer 503 while streams wind
// down. Health and metrics stay reachable.
func (s *Server) StartDraining() {
	s.draining.Store(true)
	s.ready.Store(false)
}

// Router assembles the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.securityHeaders, s.originGate)

	// --- Public ---
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// --- Tenant-facing ---
	r.HandleFunc("/v1/messages", s.guard(s.handleMessages, "messages:write", ratelimit.ClassWrite)).Methods(http.MethodPost)
	r.HandleFunc("/v1/stream/resume", s.guard(s.handleResume, "messages:write", ratelimit.ClassRead)).Methods(http.MethodGet)
	r.HandleFunc("/tools", s.guard(s.handleTools, "", ratelimit.ClassRead)).Methods(http.MethodGet)
	r.HandleFunc("/feature-flags/client", s.guard(s.handleClientFlags, "", ratelimit.ClassRead)).Methods(http.MethodGet)

	// --- WebSocket: authentication happens in the hello frame ---
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	// --- Admin ---
	r.HandleFunc("/tools", s.guard(s.handleRegisterTool, "admin", ratelimit.ClassWrite)).Methods(http.MethodPost)
	r.HandleFunc("/tools/{tool_id}", s.guard(s.handleDeregisterTool, "admin", ratelimit.ClassWrite)).Methods(http.MethodDelete)

	// CORS preflight for any path; originGate writes the response.
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() || !s.ready.Load() {
		writeError(w, core.E(core.KindToolUnavailable, "gateway is not accepting connections"))
		return
	}
	s.ws.Handle(w, r)
}

// dispatchStreaming runs one streaming request; the rate limit applies per
// message frame, not per connection.
func (s *Server) dispatchStreaming(ctx context.Context, tenant *core.Tenant, req *core.Request, st *stream.Stream) {
	if dec := s.limiter.Admit(ctx, tenant, ratelimit.ClassWrite, 1); !dec.Admitted {
		if s.metrics != nil {
			s.metrics.ThrottledTotal.WithLabelValues(tenant.TenantID, string(ratelimit.ClassWrite)).Inc()
		}
		err := &core.Error{Kind: core.KindThrottled, Message: "rate limit exceeded", RetryAfter: dec.RetryAfter}
		st.TryPublish(core.ErrorChunk(err, ""))
		return
	}
	if err := s.orch.Run(ctx, tenant, req, st); err != nil {
		s.log.Warn("streaming request failed", "request", req.RequestID, "err", err)
	}
}

// ensureSessionFor resolves or creates the session a connection binds to.
// Sessions belong to the tenant that created them.
func (s *Server) ensureSessionFor(transport core.Transport) stream.SessionFunc {
	return func(ctx context.Context, tenant *core.Tenant, sessionID string) (string, error) {
		if sessionID == "" {
			sessionID = uuid.NewString()
		} else if existing, err := s.sessions.Get(ctx, sessionID); err == nil {
			if existing.TenantID != tenant.TenantID {
				return "", core.E(core.KindPermissionDenied, "session belongs to another tenant")
			}
			return sessionID, nil
		}

		now := time.Now()
		err := s.sessions.Create(ctx, &core.Session{
			SessionID:      sessionID,
			TenantID:       tenant.TenantID,
			CreatedAt:      now,
			LastActivityAt: now,
			Transport:      transport,
		})
		if err != nil {
			return "", err
		}
		return sessionID, nil
	}
}
