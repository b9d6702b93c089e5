package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/flags"
	"github.com/ocx/gateway/internal/tracing"
)

// messageRequest is the body of POST /v1/messages.
type messageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Intent    string `json:"intent"`
	Tool      string `json:"tool,omitempty"` // explicit specialist
	Stream    bool   `json:"stream,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "ocx-gateway",
		"version": Version,
		"env":     s.cfg.Server.Env,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	switch {
	case s.draining.Load():
		status, code = "draining", http.StatusServiceUnavailable
	case !s.ready.Load():
		status, code = "starting", http.StatusServiceUnavailable
	}

	type healthTool struct {
		ToolID      string          `json:"tool_id"`
		Status      core.ToolStatus `json:"status"`
		LastProbeAt time.Time       `json:"last_probe_at"`
	}
	var tools []healthTool
	for _, t := range s.registry.List() {
		tools = append(tools, healthTool{ToolID: t.ToolID, Status: t.Status, LastProbeAt: t.LastProbeAt})
	}

	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"uptime_s":     int(time.Since(s.started).Seconds()),
		"tools":        tools,
		"streams_open": s.streams.OpenCount(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())

	var body messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, core.E(core.KindBadRequest, "malformed request body"))
		return
	}
	if body.Intent == "" {
		writeError(w, core.E(core.KindBadRequest, "intent is required"))
		return
	}

	req := &core.Request{
		RequestID:   requestID(r),
		SessionID:   body.SessionID,
		TenantID:    tenant.TenantID,
		Intent:      body.Intent,
		TargetTool:  body.Tool,
		IsStreaming: body.Stream,
	}
	if body.TimeoutMS > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.TimeoutMS) * time.Millisecond)
	}

	ctx := tracing.Extract(r.Context(), r)
	ctx, span := tracing.StartSpan(ctx, "messages", req.RequestID, req.TenantID)
	defer span.End()

	if !body.Stream {
		out, err := s.orch.Invoke(ctx, tenant, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": req.RequestID,
			"body":       out,
		})
		return
	}

	s.serveStream(ctx, w, r, tenant, req)
}

// serveStream runs a streaming request over SSE. Once the stream starts the
// response is always 200; failures arrive as the terminal error frame.
func (s *Server) serveStream(ctx context.Context, w http.ResponseWriter, r *http.Request, tenant *core.Tenant, req *core.Request) {
	if !s.flags.Evaluate(flags.StreamingEnabled, flags.Context{TenantID: tenant.TenantID, Now: time.Now()}) {
		writeError(w, core.E(core.KindPermissionDenied, "streaming is disabled"))
		return
	}

	sessionID, err := s.ensureSessionFor(core.TransportSSE)(ctx, tenant, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	req.SessionID = sessionID

	st := s.streams.Open(sessionID, tenant.TenantID)

	// Orchestration survives a client disconnect: the stream detaches and
	// stays resumable until the retention window lapses.
	runCtx := context.WithoutCancel(ctx)
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(s.cfg.Orchestra.UpstreamTimeout)
	}
	runCtx, cancel := context.WithDeadline(runCtx, deadline)
	go func() {
		defer cancel()
		if err := s.orch.Run(runCtx, tenant, req, st); err != nil {
			s.log.Warn("streaming request failed", "request", req.RequestID, "err", err)
		}
	}()

	w.Header().Set("X-Session-ID", sessionID)
	s.streams.ServeSSE(r.Context(), w, st, s.log)
}

// handleResume reattaches an SSE client to a detached stream.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("resume_token")
	if token == "" {
		writeError(w, core.E(core.KindBadRequest, "resume_token is required"))
		return
	}
	ack, err := strconv.ParseUint(r.URL.Query().Get("ack"), 10, 64)
	if err != nil {
		writeError(w, core.E(core.KindBadRequest, "ack must be a sequence number"))
		return
	}

	st, err := s.streams.Resume(token, ack)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streams.ServeSSE(r.Context(), w, st, s.log)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": s.registry.List(),
	})
}

func (s *Server) handleClientFlags(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flags": s.flags.ClientVisible(flags.Context{TenantID: tenant.TenantID, Now: time.Now()}),
	})
}

// --- Admin ---

type registerToolRequest struct {
	ToolID       string   `json:"tool_id"`
	BaseURL      string   `json:"base_url"`
	Capabilities []string `json:"capabilities"`
	Priority     int      `json:"priority"`
}

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var body registerToolRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, core.E(core.KindBadRequest, "malformed request body"))
		return
	}
	if body.ToolID == "" || body.BaseURL == "" {
		writeError(w, core.E(core.KindBadRequest, "tool_id and base_url are required"))
		return
	}
	if body.Priority < 1 || body.Priority > 10 {
		writeError(w, core.E(core.KindBadRequest, "priority must be between 1 and 10"))
		return
	}

	s.registry.Register(core.Tool{
		ToolID:       body.ToolID,
		BaseURL:      body.BaseURL,
		Capabilities: body.Capabilities,
		Priority:     body.Priority,
	})
	s.log.Info("tool registered", "tool", body.ToolID, "base_url", body.BaseURL)
	writeJSON(w, http.StatusCreated, map[string]string{"registered": body.ToolID})
}

func (s *Server) handleDeregisterTool(w http.ResponseWriter, r *http.Request) {
	toolID := mux.Vars(r)["tool_id"]
	if err := s.registry.Deregister(toolID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": core.ErrorBody{Kind: core.KindBadRequest, Message: err.Error()},
		})
		return
	}
	s.log.Info("tool deregistered", "tool", toolID)
	writeJSON(w, http.StatusOK, map[string]string{"deregistered": toolID})
}

// --- Helpers ---

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the error taxonomy as a unary JSON response.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	if ra := core.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ra.Seconds()+0.5)))
	}
	writeJSON(w, core.HTTPStatus(kind), map[string]interface{}{
		"error": core.ErrorBody{
			Kind:       kind,
			Message:    core.MessageOf(err),
			RetryAfter: core.RetryAfterOf(err).Seconds(),
		},
	})
}
