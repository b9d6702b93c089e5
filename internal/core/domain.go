// Package core holds the shared domain types and the error taxonomy used
// across the gateway. Nothing here does I/O.
package core

import "time"

// Tenant is an identified caller. Tenants are created externally
// (registration service) and are read-only inside the gateway.
type Tenant struct {
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
	RatePlan string   `json:"rate_plan"`
}

// HasScope reports whether the tenant carries the given scope.
func (t *Tenant) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ToolStatus is the registry's view of a tool's health.
type ToolStatus string

const (
	StatusUnknown   ToolStatus = "unknown"
	StatusHealthy   ToolStatus = "healthy"
	StatusDegraded  ToolStatus = "degraded"
	StatusUnhealthy ToolStatus = "unhealthy"
)

// Tool is a specialist agent endpoint. Owned by the registry; mutated only
// by the probe loop and the registration APIs.
type Tool struct {
	ToolID              string     `json:"tool_id"`
	BaseURL             string     `json:"base_url"`
	Capabilities        []string   `json:"capabilities"`
	Priority            int        `json:"priority"` // 1-10, higher wins
	Status              ToolStatus `json:"status"`
	LastProbeAt         time.Time  `json:"last_probe_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// HasCapability reports whether the tool declares the given capability.
func (t *Tool) HasCapability(cap string) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// OrchestratorToolID is the fixed id of the single-entry-point tool.
const OrchestratorToolID = "orchestrator"

// Transport identifies how a session talks to the gateway.
type Transport string

const (
	TransportUnary     Transport = "unary"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Session is a conversation context shared between the streaming layer and
// the orchestrator through the session store.
type Session struct {
	SessionID       string    `json:"session_id"`
	TenantID        string    `json:"tenant_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	PendingRequests int       `json:"pending_request_count"`
	Transport       Transport `json:"transport"`
}

// Request is one unit of work owned by the orchestrator for its lifetime.
type Request struct {
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id"`
	TenantID    string    `json:"tenant_id"`
	Intent      string    `json:"intent"`
	TargetTool  string    `json:"tool,omitempty"` // explicit specialist, if any
	Deadline    time.Time `json:"deadline"`
	IsStreaming bool      `json:"is_streaming"`
	HopDepth    int       `json:"-"`
}

// Remaining returns the time left until the request deadline.
func (r *Request) Remaining(now time.Time) time.Duration {
	return r.Deadline.Sub(now)
}

// ChildDeadline derives an upstream deadline that never exceeds the
// request's own deadline.
func (r *Request) ChildDeadline(now time.Time, upstreamTimeout time.Duration) time.Time {
	d := now.Add(upstreamTimeout)
	if d.After(r.Deadline) {
		return r.Deadline
	}
	return d
}
